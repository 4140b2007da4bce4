// Package executor implements the trial executor: it resolves the
// image and workspace seed, hydrates a checkout pack plus task
// overlays, stages the task payload, runs the agent (and,
// conditionally, the grader) inside a Sandbox, validates and persists
// every produced artifact, and returns a model.Completion. The
// executor owns its own bounded retry envelope — only the terminal
// attempt is committed — so the coordinator never sees an in-progress
// retry, only the final outcome.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/artifact"
	"github.com/agentlab/runner/internal/hashchain"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/schemacheck"
)

// Config parameterizes a TrialExecutor's retry envelope and sandbox.
type Config struct {
	TrialsRoot   string // {run_dir}/trials
	PackCacheDir string // cache root for hydrated checkout packs, keyed by PackKey.Digest()
	Sandbox      Sandbox
	Backoff      BackoffConfig
	RetryPolicy  RetryPolicyConfig
	DefaultTimeout time.Duration
}

// RetryPolicyConfig bounds the executor's internal retry envelope:
// a bounded attempt count with configurable retry triggers.
type RetryPolicyConfig struct {
	MaxAttempts int
	Triggers    []string // "error" | "timeout" | "failure"
}

// TrialExecutor executes one slot end to end.
type TrialExecutor struct {
	cfg     Config
	store   *artifact.Store
	schemas *schemacheck.Registry
	log     logr.Logger
}

// New builds a TrialExecutor backed by store for artifact persistence
// and schemas for payload validation.
func New(cfg Config, store *artifact.Store, schemas *schemacheck.Registry, log logr.Logger) *TrialExecutor {
	if cfg.Sandbox == nil {
		cfg.Sandbox = LocalProcessSandbox{}
	}
	return &TrialExecutor{cfg: cfg, store: store, schemas: schemas, log: log}
}

// ExecuteSlot runs dispatch.Variant/Task to completion, retrying
// within its own envelope, and returns the terminal
// completion. It never returns a Go error for an ordinary trial
// failure — failures are reported through Completion.Classification;
// a returned error indicates an executor-internal defect (e.g. cannot
// create the trial directory) that the caller should treat as
// trial_execution_error without a usable Completion.
func (e *TrialExecutor) ExecuteSlot(ctx context.Context, dispatch model.DispatchPayload) (model.Completion, error) {
	maxAttempts := e.cfg.RetryPolicy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last model.Completion
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		dispatch.Attempt = attempt
		completion, err := e.runAttempt(ctx, dispatch)
		if err != nil {
			return model.Completion{}, err
		}
		last = completion
		if completion.TerminalStatus == model.TrialSucceeded {
			return last, nil
		}
		if attempt == maxAttempts || !shouldRetry(completion.Classification, e.cfg.RetryPolicy.Triggers) {
			return last, nil
		}
		delay := delayForTrial(dispatch.RunID, dispatch.TrialID, attempt, e.cfg.Backoff)
		e.log.V(1).Info("retrying trial", "trial_id", dispatch.TrialID, "attempt", attempt, "classification", completion.Classification, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return last, nil
		}
	}
	return last, nil
}

// runAttempt executes one trial attempt end to end.
func (e *TrialExecutor) runAttempt(ctx context.Context, dispatch model.DispatchPayload) (model.Completion, error) {
	trialDir := filepath.Join(e.cfg.TrialsRoot, dispatch.TrialID)
	workspaceDir := filepath.Join(trialDir, "workspace")
	outputDir := filepath.Join(trialDir, "out")
	stateDir := filepath.Join(trialDir, "state")
	depsDir := filepath.Join(trialDir, "deps")

	for _, d := range []string{trialDir, workspaceDir, outputDir, stateDir, depsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return model.Completion{}, fmt.Errorf("executor: mkdir %s: %w", d, err)
		}
	}

	recorder, err := hashchain.Open(trialDir, dispatch.RunID, dispatch.TrialID, e.store)
	if err != nil {
		return model.Completion{}, fmt.Errorf("executor: open event recorder: %w", err)
	}
	defer recorder.Close()

	now := func() string { return time.Now().UTC().Format(time.RFC3339Nano) }
	logEvent := func(kind string, payload map[string]any) {
		if _, err := recorder.Append(now(), kind, payload); err != nil {
			e.log.Error(err, "append event failed", "kind", kind)
		}
	}
	logEvent("attempt_started", map[string]any{"attempt": dispatch.Attempt, "variant_id": dispatch.Variant.VariantID, "task_id": dispatch.Task.TaskID})

	// Step 1: resolve image (variant override takes precedence over
	// per-task image, else the global default carried in RuntimeProfile).
	image := e.resolveImage(dispatch)

	// Step 2: hydrate the checkout pack (if the task declares one) and
	// apply workspace_files overlays.
	hydrateMethod := HydrateMethod("")
	if dispatch.Task.SeedRepo != "" {
		key := PackKey{Repo: dispatch.Task.SeedRepo, Commit: dispatch.Task.SeedCommit, Subdir: dispatch.Task.SeedSubdir, PackFormatVersion: "v1"}
		packRoot := filepath.Join(e.cfg.PackCacheDir, key.Digest())
		method, err := HydrateCheckoutPack(packRoot, workspaceDir)
		if err != nil {
			return e.fail(dispatch, model.ClassMaterializeError, fmt.Sprintf("hydrate checkout pack: %v", err), nil), nil
		}
		hydrateMethod = method
	}
	if len(dispatch.Task.WorkspaceFiles) > 0 {
		if _, err := ApplyOverlays(workspaceDir, workspaceDir, dispatch.Task.WorkspaceFiles); err != nil {
			return e.fail(dispatch, model.ClassMaterializeError, fmt.Sprintf("apply overlays: %v", err), nil), nil
		}
	}
	logEvent("workspace_hydrated", map[string]any{"method": string(hydrateMethod), "image": image})

	preSnapshotRef, err := e.snapshotWorkspace(workspaceDir)
	if err != nil {
		return e.fail(dispatch, model.ClassMaterializeError, fmt.Sprintf("pre-snapshot: %v", err), nil), nil
	}

	// Step 3: stage the task payload at /in/task.json.
	taskInputPath := filepath.Join(trialDir, "trial_input.json")
	taskBody, err := json.Marshal(dispatch.Task.Payload)
	if err != nil {
		return model.Completion{}, fmt.Errorf("executor: marshal task payload: %w", err)
	}
	if err := os.WriteFile(taskInputPath, taskBody, 0o644); err != nil {
		return model.Completion{}, fmt.Errorf("executor: write task input: %w", err)
	}

	// Steps 4-5: run the agent command inside the sandbox.
	agentCmd := stringSliceFrom(dispatch.RuntimeProfile, "agent_command")
	if len(agentCmd) == 0 {
		return model.Completion{}, fmt.Errorf("executor: dispatch has no agent_command in runtime_profile")
	}
	timeout := durationFrom(dispatch.RuntimeProfile, "timeout_seconds", e.cfg.DefaultTimeout)

	agentResult, err := e.cfg.Sandbox.Run(ctx, SandboxSpec{
		WorkspaceDir: workspaceDir, TaskInputPath: taskInputPath, OutputDir: outputDir,
		StateDir: stateDir, DepsDir: depsDir, Env: dispatch.Variant.Env, Command: agentCmd, Timeout: timeout,
	})
	_ = writeLogFile(filepath.Join(trialDir, "stdout.log"), agentResult.Stdout)
	_ = writeLogFile(filepath.Join(trialDir, "stderr.log"), agentResult.Stderr)
	if err != nil && agentResult.TimedOut {
		logEvent("agent_timeout", map[string]any{"timeout_seconds": timeout.Seconds()})
		return e.fail(dispatch, model.ClassAgentTimeout, err.Error(), map[string]any{"image": image}), nil
	}
	if err != nil {
		logEvent("agent_error", map[string]any{"error": err.Error()})
		return e.fail(dispatch, model.ClassAgentError, err.Error(), map[string]any{"image": image}), nil
	}
	logEvent("agent_completed", map[string]any{"exit_code": agentResult.ExitCode})

	// Step 6: if the agent exited non-zero without writing result.json,
	// fail as agent_error; with a result.json present, grading (step 7)
	// still runs on that partial result.
	if agentResult.ExitCode != 0 {
		if !e.resultPresent(outputDir) {
			return e.fail(dispatch, model.ClassAgentError, fmt.Sprintf("agent exited %d with no result.json", agentResult.ExitCode), map[string]any{"image": image, "exit_code": agentResult.ExitCode}), nil
		}
	}

	// Step 7: optional grader invocation with agent_exit_status exposed.
	graderCmd := stringSliceFrom(dispatch.RuntimeProfile, "grader_command")
	var graderResult SandboxResult
	if len(graderCmd) > 0 {
		graderResult, err = e.cfg.Sandbox.Run(ctx, SandboxSpec{
			WorkspaceDir: workspaceDir, TaskInputPath: taskInputPath, OutputDir: outputDir,
			StateDir: stateDir, DepsDir: depsDir,
			Env: mergeEnv(dispatch.Variant.Env, map[string]string{"AGENTLAB_AGENT_EXIT_STATUS": fmt.Sprintf("%d", agentResult.ExitCode)}),
			Command: graderCmd, Timeout: timeout,
		})
		if err != nil {
			logEvent("grader_error", map[string]any{"error": err.Error()})
			return e.fail(dispatch, model.ClassGraderError, err.Error(), map[string]any{"image": image}), nil
		}
		logEvent("grader_completed", map[string]any{"exit_code": graderResult.ExitCode})
	}

	// Step 8: parse and validate result.json / benchmark_prediction.json
	// / benchmark_score.json.
	artifacts := map[string]string{}
	metrics := map[string]float64{}
	var evidenceExtras []model.FactRow
	var benchmarkRows []model.FactRow

	resultBody, resultErr := e.readValidated(outputDir, "result.json", schemacheck.DocAgentResult)
	if resultErr != nil {
		return e.fail(dispatch, model.ClassAgentError, resultErr.Error(), map[string]any{"image": image}), nil
	}
	if resultBody != nil {
		ref, err := e.store.Put(resultBody)
		if err != nil {
			return model.Completion{}, fmt.Errorf("executor: store result artifact: %w", err)
		}
		artifacts["result"] = ref.String()
		extractMetrics(resultBody, metrics)
	}

	predBody, predErr := e.readValidated(outputDir, "benchmark_prediction.json", schemacheck.DocBenchmarkPrediction)
	if predErr != nil {
		return e.fail(dispatch, model.ClassGradeError, predErr.Error(), map[string]any{"image": image}), nil
	}
	if predBody != nil {
		ref, err := e.store.Put(predBody)
		if err != nil {
			return model.Completion{}, fmt.Errorf("executor: store prediction artifact: %w", err)
		}
		artifacts["benchmark_prediction"] = ref.String()
		benchmarkRows = append(benchmarkRows, model.FactRow{Kind: model.KindBenchmarkPrediction, RunID: dispatch.RunID, TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx, Attempt: dispatch.Attempt, RowSeqWithinSlot: len(benchmarkRows), Fields: map[string]any{"artifact_ref": ref.String()}})
	}

	scoreBody, scoreErr := e.readValidated(outputDir, "benchmark_score.json", schemacheck.DocBenchmarkScore)
	if scoreErr != nil {
		return e.fail(dispatch, model.ClassGradeError, scoreErr.Error(), map[string]any{"image": image}), nil
	}
	if scoreBody != nil {
		ref, err := e.store.Put(scoreBody)
		if err != nil {
			return model.Completion{}, fmt.Errorf("executor: store score artifact: %w", err)
		}
		artifacts["benchmark_score"] = ref.String()
		benchmarkRows = append(benchmarkRows, model.FactRow{Kind: model.KindBenchmarkScore, RunID: dispatch.RunID, TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx, Attempt: dispatch.Attempt, RowSeqWithinSlot: len(benchmarkRows), Fields: map[string]any{"artifact_ref": ref.String()}})
	}

	// Step 8 (continued): snapshot workspace post-execution, diff against pre.
	postSnapshotRef, err := e.snapshotWorkspace(workspaceDir)
	if err != nil {
		return model.Completion{}, fmt.Errorf("executor: post-snapshot: %w", err)
	}
	artifacts["workspace_pre"] = preSnapshotRef.String()
	artifacts["workspace_post"] = postSnapshotRef.String()

	changed := preSnapshotRef != postSnapshotRef
	if !changed {
		logEvent("no_patch", nil)
		return e.fail(dispatch, model.ClassNoPatch, "workspace unchanged after agent run", map[string]any{"image": image}), nil
	}

	terminalStatus := model.TrialSucceeded
	classification := model.FailureClass("")
	if scoreBody != nil && !scoreIndicatesPass(scoreBody) {
		terminalStatus = model.TrialFailed
		classification = model.ClassPublicFail
	}

	logEvent("attempt_completed", map[string]any{"terminal_status": string(terminalStatus), "classification": string(classification)})

	// Step 9: build evidence record + deferred sink rows.
	trialRow := model.FactRow{
		Kind: model.KindTrial, RunID: dispatch.RunID, TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx,
		Attempt: dispatch.Attempt, RowSeqWithinSlot: 0,
		Fields: map[string]any{
			"variant_id": dispatch.Variant.VariantID, "task_id": dispatch.Task.TaskID,
			"terminal_status": string(terminalStatus), "classification": string(classification),
			"image": image, "hashchain_head": recorder.Head(),
		},
	}
	evidenceRow := model.FactRow{
		Kind: model.KindEvidence, RunID: dispatch.RunID, TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx,
		Attempt: dispatch.Attempt, RowSeqWithinSlot: 0,
		Fields: map[string]any{"artifacts": artifacts, "hashchain_head": recorder.Head()},
	}
	var metricRows []model.FactRow
	i := 0
	for name, v := range metrics {
		metricRows = append(metricRows, model.FactRow{
			Kind: model.KindMetricLong, RunID: dispatch.RunID, TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx,
			Attempt: dispatch.Attempt, RowSeqWithinSlot: i, Fields: map[string]any{"metric": name, "value": v},
		})
		i++
	}

	completion := model.Completion{
		TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx, Attempt: dispatch.Attempt,
		TerminalStatus: terminalStatus, Classification: classification, Artifacts: artifacts, Metrics: metrics,
		RuntimeSummary:   map[string]any{"image": image, "hydrate_method": string(hydrateMethod), "agent_exit_code": agentResult.ExitCode, "grader_exit_code": graderResult.ExitCode},
		DeferredSinkRows: append([]model.FactRow{trialRow}, metricRows...),
		DeferredEvidenceRows: append([]model.FactRow{evidenceRow}, evidenceExtras...),
		DeferredBenchmarkRows: benchmarkRows,
	}
	return completion, nil
}

func (e *TrialExecutor) fail(dispatch model.DispatchPayload, class model.FailureClass, reason string, summaryExtra map[string]any) model.Completion {
	summary := map[string]any{"failure_reason": reason}
	for k, v := range summaryExtra {
		summary[k] = v
	}
	trialRow := model.FactRow{
		Kind: model.KindTrial, RunID: dispatch.RunID, TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx,
		Attempt: dispatch.Attempt, RowSeqWithinSlot: 0,
		Fields: map[string]any{
			"variant_id": dispatch.Variant.VariantID, "task_id": dispatch.Task.TaskID,
			"terminal_status": string(model.TrialFailed), "classification": string(class), "failure_reason": reason,
		},
	}
	return model.Completion{
		TrialID: dispatch.TrialID, ScheduleIdx: dispatch.ScheduleIdx, Attempt: dispatch.Attempt,
		TerminalStatus: model.TrialFailed, Classification: class, RuntimeSummary: summary,
		DeferredSinkRows: []model.FactRow{trialRow},
	}
}

func (e *TrialExecutor) resolveImage(dispatch model.DispatchPayload) string {
	if dispatch.Variant.ImageOverride != "" {
		return dispatch.Variant.ImageOverride
	}
	if dispatch.Task.ImageSource == "per_task" && dispatch.Task.Image != "" {
		return dispatch.Task.Image
	}
	if img, ok := dispatch.RuntimeProfile["default_image"].(string); ok {
		return img
	}
	return ""
}

func (e *TrialExecutor) resultPresent(outputDir string) bool {
	_, err := os.Stat(filepath.Join(outputDir, "result.json"))
	return err == nil
}

// readValidated reads {outputDir}/{name} if present and validates it
// against doc's schema_version; unknown major schema versions fail
// validation. Returns (nil, nil) if the file is
// absent, since result/benchmark artifacts are all optional surfaces.
func (e *TrialExecutor) readValidated(outputDir, name string, doc schemacheck.Document) ([]byte, error) {
	path := filepath.Join(outputDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if e.schemas != nil {
		if err := e.schemas.Validate(doc, data); err != nil {
			return nil, fmt.Errorf("validate %s: %w", name, err)
		}
	}
	return data, nil
}

func (e *TrialExecutor) snapshotWorkspace(dir string) (artifact.Ref, error) {
	entries, err := listFilesRecursive(dir)
	if err != nil {
		return "", err
	}
	manifest := make(map[string]string, len(entries))
	for _, rel := range entries {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return "", err
		}
		ref, err := e.store.Put(data)
		if err != nil {
			return "", err
		}
		manifest[rel] = string(ref)
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	return e.store.Put(body)
}

func stringSliceFrom(m map[string]any, key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func durationFrom(m map[string]any, key string, def time.Duration) time.Duration {
	raw, ok := m[key]
	if !ok {
		return def
	}
	if f, ok := raw.(float64); ok {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

func mergeEnv(base map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func extractMetrics(resultBody []byte, into map[string]float64) {
	var parsed struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal(resultBody, &parsed); err != nil {
		return
	}
	for k, v := range parsed.Metrics {
		into[k] = v
	}
}

// Execute adapts ExecuteSlot to the worker/local.Execute function type,
// which has no error return: an executor-internal defect (as opposed
// to an ordinary trial failure, which ExecuteSlot already reports via
// Classification) is folded into a failed completion rather than
// propagated, since the local backend has nowhere to send a bare error.
func (e *TrialExecutor) Execute(ctx context.Context, dispatch model.DispatchPayload) model.Completion {
	completion, err := e.ExecuteSlot(ctx, dispatch)
	if err != nil {
		return e.fail(dispatch, model.ClassMaterializeError, fmt.Sprintf("executor defect: %v", err), nil)
	}
	return completion
}

func scoreIndicatesPass(scoreBody []byte) bool {
	var parsed struct {
		Pass *bool `json:"pass"`
	}
	if err := json.Unmarshal(scoreBody, &parsed); err != nil || parsed.Pass == nil {
		return true
	}
	return *parsed.Pass
}
