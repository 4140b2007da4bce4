package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/artifact"
	"github.com/agentlab/runner/internal/attest"
	"github.com/agentlab/runner/internal/committer"
	"github.com/agentlab/runner/internal/coordinator"
	"github.com/agentlab/runner/internal/executor"
	"github.com/agentlab/runner/internal/ids"
	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/lease"
	"github.com/agentlab/runner/internal/metrics"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/obslog"
	"github.com/agentlab/runner/internal/recovery"
	"github.com/agentlab/runner/internal/runconfig"
	"github.com/agentlab/runner/internal/runstate"
	"github.com/agentlab/runner/internal/schedule"
	"github.com/agentlab/runner/internal/schemacheck"
	"github.com/agentlab/runner/internal/sink"
	"github.com/agentlab/runner/internal/sink/jsonl"
	"github.com/agentlab/runner/internal/sink/postgres"
	"github.com/agentlab/runner/internal/telemetry"
	"github.com/agentlab/runner/internal/worker"
	"github.com/agentlab/runner/internal/worker/local"
	"github.com/agentlab/runner/internal/worker/remote"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "continue", "resume":
		cmdContinue(os.Args[2:])
	case "recover":
		cmdRecover(os.Args[2:])
	case "pause":
		cmdControlRequest(os.Args[2:], lease.OpPause, "pause")
	case "stop":
		cmdControlRequest(os.Args[2:], lease.OpKill, "stop")
	case "kill":
		cmdControlRequest(os.Args[2:], lease.OpKill, "kill")
	case "attest":
		cmdAttest(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Println("agentlabrunner dev")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  agentlabrunner start --config <run.yaml> --run-dir <dir> [--owner-id <id>]")
	fmt.Fprintln(os.Stderr, "  agentlabrunner continue --run-dir <dir> [--owner-id <id>] [--force]")
	fmt.Fprintln(os.Stderr, "  agentlabrunner recover --run-dir <dir> [--owner-id <id>] [--force]")
	fmt.Fprintln(os.Stderr, "  agentlabrunner pause --run-dir <dir> [--label <label>]")
	fmt.Fprintln(os.Stderr, "  agentlabrunner stop --run-dir <dir> [--reason <reason>]")
	fmt.Fprintln(os.Stderr, "  agentlabrunner kill --run-dir <dir> [--reason <reason>]")
	fmt.Fprintln(os.Stderr, "  agentlabrunner attest --run-dir <dir> [--json]")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "agentlabrunner:", err)
	os.Exit(1)
}

// parseFlags consumes "--key value" and "--bool" pairs out of args,
// matching whichever of spec/bools recognizes the key, and returns
// whatever wasn't consumed.
func parseFlags(args []string, spec map[string]*string, bools map[string]*bool) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if dst, ok := spec[a]; ok {
			i++
			if i >= len(args) {
				fail(fmt.Errorf("%s requires a value", a))
			}
			*dst = args[i]
			continue
		}
		if dst, ok := bools[a]; ok {
			*dst = true
			continue
		}
		rest = append(rest, a)
	}
	return rest
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func defaultOwnerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

type runLayout struct {
	runtimeDir   string
	artifactsDir string
	trialsDir    string
}

func layoutRunDir(runDir string) (runLayout, error) {
	l := runLayout{
		runtimeDir:   filepath.Join(runDir, "runtime"),
		artifactsDir: filepath.Join(runDir, "artifacts"),
		trialsDir:    filepath.Join(runDir, "trials"),
	}
	for _, d := range []string{runDir, l.runtimeDir, l.artifactsDir, l.trialsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return l, fmt.Errorf("layout: mkdir %s: %w", d, err)
		}
	}
	return l, nil
}

// cmdStart lays out a fresh run directory from a run config and
// dataset, builds the schedule, and runs the coordinator loop to
// completion or until interrupted.
func cmdStart(args []string) {
	var configPath, runDir, ownerID string
	parseFlags(args,
		map[string]*string{"--config": &configPath, "--run-dir": &runDir, "--owner-id": &ownerID},
		map[string]*bool{})
	if configPath == "" || runDir == "" {
		usage()
		os.Exit(1)
	}
	if ownerID == "" {
		ownerID = defaultOwnerID()
	}

	cfg, err := runconfig.Load(configPath)
	if err != nil {
		fail(err)
	}
	tasks, err := runconfig.LoadTasks(cfg.Dataset.Path)
	if err != nil {
		fail(err)
	}
	variants := cfg.ToModelVariants()

	scheduleSlots, err := schedule.Build(schedule.Policy(cfg.Schedule.Policy), variants, tasks, maxInt(cfg.Schedule.Replications, 1), cfg.Schedule.RandomSeed)
	if err != nil {
		fail(err)
	}

	layout, err := layoutRunDir(runDir)
	if err != nil {
		fail(err)
	}
	if err := snapshotConfig(runDir, cfg); err != nil {
		fail(err)
	}

	runID := ids.NewRunID()
	now := time.Now()
	if err := os.WriteFile(filepath.Join(layout.runtimeDir, "run_id.txt"), []byte(runID), 0o644); err != nil {
		fail(err)
	}

	progress := runstate.NewScheduleProgress(scheduleSlots)
	ctrl := runstate.NewRunControl(now)
	store := runstate.Open(layout.runtimeDir)
	if err := store.SaveProgress(progress); err != nil {
		fail(err)
	}
	if err := store.SaveControl(ctrl); err != nil {
		fail(err)
	}

	host, _ := os.Hostname()
	engineFile := lease.NewEngineLeaseFile(filepath.Join(layout.runtimeDir, "engine_lease.json"))
	leaseTTL := durationMS(cfg.Lease.LeaseMS, 20*time.Second)
	engineVal, err := engineFile.Acquire(ownerID, host, leaseTTL, now, false)
	if err != nil {
		fail(err)
	}

	log := obslog.New("agentlabrunner", obslog.Options{Writer: os.Stderr})
	provider, err := telemetry.NewProvider(context.Background(), telemetry.Config{ServiceName: "agentlabrunner"})
	if err != nil {
		fail(err)
	}
	defer provider.Shutdown(context.Background())

	variantMap := toVariantMap(variants)

	runSink, err := openSink(context.Background(), cfg, runDir)
	if err != nil {
		fail(err)
	}
	defer runSink.Close()
	if err := runSink.WriteRunManifest(sink.RunManifest{
		RunID: runID, RunName: cfg.RunName, CreatedAt: now,
		TotalSlots: len(scheduleSlots), DatasetPath: cfg.Dataset.Path,
		SchedulePolicy: cfg.Schedule.Policy, RandomSeed: cfg.Schedule.RandomSeed,
	}); err != nil {
		fail(err)
	}

	jrnl, err := journal.Open(filepath.Join(layout.runtimeDir, "slot_commit_journal.jsonl"))
	if err != nil {
		fail(err)
	}
	artifactStore, err := artifact.Open(layout.artifactsDir)
	if err != nil {
		fail(err)
	}
	schemas, err := schemacheck.NewRegistry()
	if err != nil {
		fail(err)
	}
	backend := buildBackend(cfg, layout, artifactStore, schemas, log)

	m := metrics.New()
	dispatchState := coordinator.NewDispatchState(cfg.Concurrency.MaxConcurrency, variantMap, progress, ctrl)
	cm := committer.New(jrnl, runSink, progress, store, dispatchState, variantMap, log)

	co := coordinator.New(coordinator.Config{
		RunID: runID, RunDir: runDir, OwnerID: ownerID, Host: host,
		MaxConcurrency:  cfg.Concurrency.MaxConcurrency,
		PollTimeout:     durationMS(cfg.Backend.PollTimeoutMS, 200*time.Millisecond),
		BoundaryTimeout: 30 * time.Second,
		LeaseTTL:        leaseTTL,
		HeartbeatEvery:  durationMS(cfg.Lease.HeartbeatMS, 5*time.Second),
		RuntimeProfile: map[string]any{
			"agent_command":  cfg.Executor.AgentCommand,
			"grader_command": cfg.Executor.GraderCommand,
		},
	}, backend, cm, dispatchState, progress, ctrl, store, variantMap, engineFile, engineVal, m, log)
	co = co.WithTasks(tasks)

	ctx, cancel := signalContext()
	defer cancel()
	status, err := co.Run(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Printf("run_id=%s status=%s\n", runID, status)
}

// cmdContinue resumes an already-initialized run directory, re-seeding
// dispatch accounting from schedule_progress/run_control.
func cmdContinue(args []string) {
	var runDir, ownerID string
	var force bool
	parseFlags(args,
		map[string]*string{"--run-dir": &runDir, "--owner-id": &ownerID},
		map[string]*bool{"--force": &force})
	if runDir == "" {
		usage()
		os.Exit(1)
	}
	if ownerID == "" {
		ownerID = defaultOwnerID()
	}

	layout, err := layoutRunDir(runDir)
	if err != nil {
		fail(err)
	}

	opLeaseFile := lease.NewOperationLeaseFile(filepath.Join(layout.runtimeDir, "operation_lease.json"))
	if _, err := opLeaseFile.Acquire(lease.OpContinue, ownerID, 15*time.Second, time.Now()); err != nil {
		fail(err)
	}
	defer opLeaseFile.Release()

	store := runstate.Open(layout.runtimeDir)
	progress, err := store.LoadProgress()
	if err != nil {
		fail(err)
	}
	ctrl, err := store.LoadControl()
	if err != nil {
		fail(err)
	}

	cfg, err := runconfig.Load(filepath.Join(runDir, "run_config.snapshot.json"))
	if err != nil {
		fail(err)
	}
	tasks, err := runconfig.LoadTasks(cfg.Dataset.Path)
	if err != nil {
		fail(err)
	}
	runIDBytes, err := os.ReadFile(filepath.Join(layout.runtimeDir, "run_id.txt"))
	if err != nil {
		fail(err)
	}
	runID := strings.TrimSpace(string(runIDBytes))

	variants := cfg.ToModelVariants()
	variantMap := toVariantMap(variants)

	host, _ := os.Hostname()
	engineFile := lease.NewEngineLeaseFile(filepath.Join(layout.runtimeDir, "engine_lease.json"))
	leaseTTL := durationMS(cfg.Lease.LeaseMS, 20*time.Second)
	engineVal, err := engineFile.Acquire(ownerID, host, leaseTTL, time.Now(), force)
	if err != nil {
		fail(err)
	}

	log := obslog.New("agentlabrunner", obslog.Options{Writer: os.Stderr})
	runSink, err := openSink(context.Background(), cfg, runDir)
	if err != nil {
		fail(err)
	}
	defer runSink.Close()

	jrnl, err := journal.Open(filepath.Join(layout.runtimeDir, "slot_commit_journal.jsonl"))
	if err != nil {
		fail(err)
	}
	artifactStore, err := artifact.Open(layout.artifactsDir)
	if err != nil {
		fail(err)
	}
	schemas, err := schemacheck.NewRegistry()
	if err != nil {
		fail(err)
	}
	backend := buildBackend(cfg, layout, artifactStore, schemas, log)

	m := metrics.New()
	dispatchState := coordinator.NewDispatchState(cfg.Concurrency.MaxConcurrency, variantMap, progress, ctrl)
	cm := committer.New(jrnl, runSink, progress, store, dispatchState, variantMap, log)

	co := coordinator.New(coordinator.Config{
		RunID: runID, RunDir: runDir, OwnerID: ownerID, Host: host,
		MaxConcurrency:  cfg.Concurrency.MaxConcurrency,
		PollTimeout:     durationMS(cfg.Backend.PollTimeoutMS, 200*time.Millisecond),
		BoundaryTimeout: 30 * time.Second,
		LeaseTTL:        leaseTTL,
		HeartbeatEvery:  durationMS(cfg.Lease.HeartbeatMS, 5*time.Second),
		RuntimeProfile: map[string]any{
			"agent_command":  cfg.Executor.AgentCommand,
			"grader_command": cfg.Executor.GraderCommand,
		},
	}, backend, cm, dispatchState, progress, ctrl, store, variantMap, engineFile, engineVal, m, log)
	co = co.WithTasks(tasks)

	ctx, cancel := signalContext()
	defer cancel()
	status, err := co.Run(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Printf("run_id=%s status=%s\n", runID, status)
}

func cmdRecover(args []string) {
	var runDir, ownerID string
	var force bool
	parseFlags(args,
		map[string]*string{"--run-dir": &runDir, "--owner-id": &ownerID},
		map[string]*bool{"--force": &force})
	if runDir == "" {
		usage()
		os.Exit(1)
	}
	if ownerID == "" {
		ownerID = defaultOwnerID()
	}
	host, _ := os.Hostname()
	log := obslog.New("agentlabrunner", obslog.Options{Writer: os.Stderr})

	report, err := recovery.Recover(recovery.Config{
		RunDir: runDir, OwnerID: ownerID, Host: host, Force: force, LeaseTTL: 20 * time.Second,
	}, log)
	if err != nil {
		fail(err)
	}
	fmt.Printf("rewound_to_idx=%d worker_lost_trials=%d dropped_active_trials=%d new_epoch=%d\n",
		report.RewoundToIdx, len(report.WorkerLostTrials), len(report.DroppedActiveTrials), report.NewEpoch)
}

// cmdControlRequest acquires the matching operation lease and writes a
// control_request.json sentinel for a coordinator process already
// running in a different OS process to pick up on its next poll.
func cmdControlRequest(args []string, op lease.OperationKind, action string) {
	var runDir, label, reason string
	parseFlags(args,
		map[string]*string{"--run-dir": &runDir, "--label": &label, "--reason": &reason},
		map[string]*bool{})
	if runDir == "" {
		usage()
		os.Exit(1)
	}

	runtimeDir := filepath.Join(runDir, "runtime")
	opLeaseFile := lease.NewOperationLeaseFile(filepath.Join(runtimeDir, "operation_lease.json"))
	ownerID := fmt.Sprintf("cli-%d", os.Getpid())
	if _, err := opLeaseFile.Acquire(op, ownerID, 15*time.Second, time.Now()); err != nil {
		fail(err)
	}
	defer opLeaseFile.Release()

	req := coordinator.ControlRequest{Action: action, Label: label, Reason: reason}
	if err := coordinator.WriteControlRequest(runDir, req); err != nil {
		fail(err)
	}
	fmt.Printf("requested %s\n", action)
}

// cmdAttest renders a human-readable (or --json) summary of a run
// directory's terminal or in-progress state.
func cmdAttest(args []string) {
	var runDir string
	var asJSON bool
	parseFlags(args,
		map[string]*string{"--run-dir": &runDir},
		map[string]*bool{"--json": &asJSON})
	if runDir == "" {
		usage()
		os.Exit(1)
	}

	report, err := attest.Build(runDir)
	if err != nil {
		fail(err)
	}
	if asJSON {
		data, err := attest.WriteJSON(report)
		if err != nil {
			fail(err)
		}
		fmt.Println(string(data))
		return
	}
	fmt.Print(attest.Render(report))
}

func buildBackend(cfg *runconfig.RunConfigFile, layout runLayout, store *artifact.Store, schemas *schemacheck.Registry, log logr.Logger) worker.Backend {
	trialExec := executor.New(executor.Config{
		TrialsRoot:     layout.trialsDir,
		PackCacheDir:   filepath.Join(layout.trialsDir, ".packcache"),
		Sandbox:        executor.LocalProcessSandbox{},
		Backoff:        executor.BackoffConfig{InitialDelayMS: 500, BackoffFactor: 2.0, MaxDelayMS: 30000, Jitter: true},
		RetryPolicy:    executor.RetryPolicyConfig{MaxAttempts: maxInt(cfg.RetryPolicy.MaxAttempts, 1), Triggers: cfg.RetryPolicy.Triggers},
		DefaultTimeout: durationMS(cfg.Executor.TimeoutMS, 10*time.Minute),
	}, store, schemas, log)

	execFn := local.Execute(trialExec.Execute)

	if cfg.Backend.Kind == "remote" {
		return remote.New(remote.Config{
			BaseURL:    cfg.Backend.BaseURL,
			TokenEnv:   cfg.Backend.TokenEnv,
			UseMsgpack: cfg.Backend.Envelope == "msgpack",
			PollBatch:  32,
		})
	}

	capacity := cfg.Backend.Capacity
	if capacity <= 0 {
		capacity = maxInt(cfg.Concurrency.MaxConcurrency, 1)
	}
	return local.New(capacity, capacity*4, execFn)
}

func openSink(ctx context.Context, cfg *runconfig.RunConfigFile, runDir string) (sink.RunSink, error) {
	switch cfg.Sink.Kind {
	case runconfig.SinkPostgres:
		dsn := cfg.Sink.Postgres.DSN
		if dsn == "" {
			dsn = os.Getenv(cfg.Sink.Postgres.DSNEnv)
		}
		return postgres.Open(ctx, postgres.Config{DSN: dsn, MaxConns: cfg.Sink.Postgres.MaxConns})
	default:
		return jsonl.Open(runDir)
	}
}

// snapshotConfig copies the resolved run config into the run
// directory as JSON, so continue/recover never need the original
// config path (which may live outside the run directory, or move)
// repeated on the command line.
func snapshotConfig(runDir string, cfg *runconfig.RunConfigFile) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "run_config.snapshot.json"), data, 0o644)
}

func toVariantMap(variants []model.Variant) map[string]model.Variant {
	out := make(map[string]model.Variant, len(variants))
	for _, v := range variants {
		out[v.VariantID] = v
	}
	return out
}

func durationMS(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
