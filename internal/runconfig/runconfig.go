// Package runconfig loads the experiment/run configuration file that
// parameterizes a Run Coordinator invocation: variants, the task
// dataset pointer, schedule policy, concurrency ceilings, lease
// timings, and sink selection. It follows a RunConfigFile idiom: dual
// json+yaml struct tags, strict decoding that rejects unknown fields,
// then defaulting and validation passes.
package runconfig

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentlab/runner/internal/model"
)

// SinkKind selects the RunSink implementation.
type SinkKind string

const (
	SinkJSONL    SinkKind = "jsonl"
	SinkPostgres SinkKind = "postgres"
)

// VariantConfig is one declared variant entry.
type VariantConfig struct {
	VariantID          string            `json:"variant_id" yaml:"variant_id"`
	IsBaseline         bool              `json:"is_baseline,omitempty" yaml:"is_baseline,omitempty"`
	Bindings           map[string]string `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Args               []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ImageOverride      string            `json:"image_override,omitempty" yaml:"image_override,omitempty"`
	MaxParallelTrials  int               `json:"max_parallel_trials,omitempty" yaml:"max_parallel_trials,omitempty"`
	RequiresChainLease bool              `json:"requires_chain_lease,omitempty" yaml:"requires_chain_lease,omitempty"`
	MaxConsecutiveFail int               `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
}

// RetryPolicyConfig bounds the trial executor's internal retry envelope.
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Triggers        []string `json:"triggers,omitempty" yaml:"triggers,omitempty"` // "error" | "timeout" | "failure"
	InitialDelayMS  int      `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor   float64  `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS      int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// LeaseConfig controls engine/operation lease timing.
type LeaseConfig struct {
	HeartbeatMS int `json:"heartbeat_ms,omitempty" yaml:"heartbeat_ms,omitempty"`
	LeaseMS     int `json:"lease_ms,omitempty" yaml:"lease_ms,omitempty"`
	OperationMS int `json:"operation_ms,omitempty" yaml:"operation_ms,omitempty"`
}

// BackendConfig selects and configures the worker backend.
type BackendConfig struct {
	Kind           string `json:"kind" yaml:"kind"` // "local" | "remote"
	Capacity       int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	TokenEnv       string `json:"token_env,omitempty" yaml:"token_env,omitempty"`
	Envelope       string `json:"envelope,omitempty" yaml:"envelope,omitempty"` // "json" | "msgpack"
	PollTimeoutMS  int    `json:"poll_timeout_ms,omitempty" yaml:"poll_timeout_ms,omitempty"`
}

// PostgresSinkConfig configures the tabular run sink.
type PostgresSinkConfig struct {
	DSN             string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	DSNEnv          string `json:"dsn_env,omitempty" yaml:"dsn_env,omitempty"`
	MaxConns        int    `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
	MigrationsTable string `json:"migrations_table,omitempty" yaml:"migrations_table,omitempty"`
}

// RunConfigFile is the top-level experiment/run configuration.
type RunConfigFile struct {
	Version int    `json:"version" yaml:"version"`
	RunName string `json:"run_name,omitempty" yaml:"run_name,omitempty"`

	Dataset struct {
		Path string `json:"path" yaml:"path"`
	} `json:"dataset" yaml:"dataset"`

	Schedule struct {
		Policy        string `json:"policy" yaml:"policy"` // paired_interleaved | variant_sequential | randomized
		RandomSeed    int64  `json:"random_seed,omitempty" yaml:"random_seed,omitempty"`
		Replications  int    `json:"replications,omitempty" yaml:"replications,omitempty"`
	} `json:"schedule" yaml:"schedule"`

	Concurrency struct {
		MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	} `json:"concurrency" yaml:"concurrency"`

	Variants []VariantConfig `json:"variants" yaml:"variants"`

	RetryPolicy RetryPolicyConfig `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	Lease       LeaseConfig       `json:"lease,omitempty" yaml:"lease,omitempty"`
	Backend     BackendConfig     `json:"backend" yaml:"backend"`

	Sink struct {
		Kind     SinkKind           `json:"kind,omitempty" yaml:"kind,omitempty"`
		Postgres PostgresSinkConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	} `json:"sink,omitempty" yaml:"sink,omitempty"`

	Executor struct {
		AgentCommand   []string `json:"agent_command" yaml:"agent_command"`
		GraderCommand  []string `json:"grader_command,omitempty" yaml:"grader_command,omitempty"`
		TimeoutMS      int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
		RequireCheckoutPack bool `json:"require_checkout_pack,omitempty" yaml:"require_checkout_pack,omitempty"`
	} `json:"executor" yaml:"executor"`
}

// Load reads and validates a RunConfigFile from path, dispatching on
// extension: ".json" decodes strictly via encoding/json, anything else
// decodes strictly via yaml.v3.
func Load(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runconfig: read %s: %w", path, err)
	}
	var cfg RunConfigFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("runconfig: %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("runconfig: %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("runconfig: %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *RunConfigFile) {
	if cfg.Schedule.Policy == "" {
		cfg.Schedule.Policy = "paired_interleaved"
	}
	if cfg.Schedule.Replications == 0 {
		cfg.Schedule.Replications = 1
	}
	if cfg.Concurrency.MaxConcurrency == 0 {
		cfg.Concurrency.MaxConcurrency = 4
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy.MaxAttempts = 1
	}
	if len(cfg.RetryPolicy.Triggers) == 0 {
		cfg.RetryPolicy.Triggers = []string{"error", "timeout"}
	}
	if cfg.RetryPolicy.InitialDelayMS == 0 {
		cfg.RetryPolicy.InitialDelayMS = 500
	}
	if cfg.RetryPolicy.BackoffFactor == 0 {
		cfg.RetryPolicy.BackoffFactor = 2.0
	}
	if cfg.RetryPolicy.MaxDelayMS == 0 {
		cfg.RetryPolicy.MaxDelayMS = 30_000
	}
	if cfg.Lease.HeartbeatMS == 0 {
		cfg.Lease.HeartbeatMS = 5_000
	}
	if cfg.Lease.LeaseMS == 0 {
		cfg.Lease.LeaseMS = 20_000
	}
	if cfg.Lease.OperationMS == 0 {
		cfg.Lease.OperationMS = 15_000
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "local"
	}
	if cfg.Backend.Capacity == 0 {
		cfg.Backend.Capacity = cfg.Concurrency.MaxConcurrency
	}
	if cfg.Backend.Envelope == "" {
		cfg.Backend.Envelope = "json"
	}
	if cfg.Backend.PollTimeoutMS == 0 {
		cfg.Backend.PollTimeoutMS = 200
	}
	if cfg.Sink.Kind == "" {
		cfg.Sink.Kind = SinkJSONL
	}
	if cfg.Executor.TimeoutMS == 0 {
		cfg.Executor.TimeoutMS = 600_000
	}
}

func validate(cfg *RunConfigFile) error {
	switch cfg.Schedule.Policy {
	case "paired_interleaved", "variant_sequential", "randomized":
	default:
		return fmt.Errorf("schedule.policy %q is not recognized", cfg.Schedule.Policy)
	}
	if cfg.Dataset.Path == "" {
		return fmt.Errorf("dataset.path is required")
	}
	if len(cfg.Variants) == 0 {
		return fmt.Errorf("at least one variant is required")
	}
	seen := make(map[string]bool, len(cfg.Variants))
	baselines := 0
	for _, v := range cfg.Variants {
		if v.VariantID == "" {
			return fmt.Errorf("variant with empty variant_id")
		}
		if seen[v.VariantID] {
			return fmt.Errorf("duplicate variant_id %q", v.VariantID)
		}
		seen[v.VariantID] = true
		if v.IsBaseline {
			baselines++
		}
	}
	if baselines != 1 {
		return fmt.Errorf("exactly one variant must be is_baseline, found %d", baselines)
	}
	switch cfg.Backend.Kind {
	case "local", "remote":
	default:
		return fmt.Errorf("backend.kind %q is not recognized", cfg.Backend.Kind)
	}
	if cfg.Backend.Kind == "remote" && cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required for remote backend")
	}
	switch cfg.Backend.Envelope {
	case "json", "msgpack":
	default:
		return fmt.Errorf("backend.envelope %q is not recognized", cfg.Backend.Envelope)
	}
	switch cfg.Sink.Kind {
	case SinkJSONL, SinkPostgres:
	default:
		return fmt.Errorf("sink.kind %q is not recognized", cfg.Sink.Kind)
	}
	if cfg.Sink.Kind == SinkPostgres && cfg.Sink.Postgres.DSN == "" && cfg.Sink.Postgres.DSNEnv == "" {
		return fmt.Errorf("sink.postgres requires dsn or dsn_env")
	}
	if len(cfg.Executor.AgentCommand) == 0 {
		return fmt.Errorf("executor.agent_command is required")
	}
	return nil
}

// LoadTasks reads the dataset file at cfg.Dataset.Path: one JSON
// object per line, each decoded into a model.Task. The dataset is
// treated as an opaque blob plus a small set of recognized fields;
// anything else in a line lands in Task.Payload verbatim.
func LoadTasks(path string) ([]model.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("runconfig: open dataset %s: %w", path, err)
	}
	defer f.Close()

	var tasks []model.Task
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("runconfig: dataset %s line %d: %w", path, lineNo, err)
		}
		t := model.Task{Payload: raw}
		if id, ok := raw["task_id"].(string); ok {
			t.TaskID = id
		} else {
			return nil, fmt.Errorf("runconfig: dataset %s line %d: missing task_id", path, lineNo)
		}
		if v, ok := raw["image_source"].(string); ok {
			t.ImageSource = v
		}
		if v, ok := raw["image"].(string); ok {
			t.Image = v
		}
		if v, ok := raw["seed_repo"].(string); ok {
			t.SeedRepo = v
		}
		if v, ok := raw["seed_commit"].(string); ok {
			t.SeedCommit = v
		}
		if v, ok := raw["seed_subdir"].(string); ok {
			t.SeedSubdir = v
		}
		if v, ok := raw["workspace_files"].([]any); ok {
			for _, e := range v {
				if s, ok := e.(string); ok {
					t.WorkspaceFiles = append(t.WorkspaceFiles, s)
				}
			}
		}
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("runconfig: dataset %s: %w", path, err)
	}
	return tasks, nil
}

// ToModelVariants converts the configured variants into model.Variant
// values in declared order.
func (cfg *RunConfigFile) ToModelVariants() []model.Variant {
	out := make([]model.Variant, 0, len(cfg.Variants))
	for _, v := range cfg.Variants {
		out = append(out, model.Variant{
			VariantID:          v.VariantID,
			IsBaseline:         v.IsBaseline,
			Bindings:           v.Bindings,
			Args:               v.Args,
			Env:                v.Env,
			ImageOverride:      v.ImageOverride,
			MaxParallelTrials:  v.MaxParallelTrials,
			RequiresChainLease: v.RequiresChainLease,
			MaxConsecutiveFail: v.MaxConsecutiveFail,
		})
	}
	return out
}
