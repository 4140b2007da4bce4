// Package model defines the run coordinator's data model: the immutable
// schedule of slots, the variants and chains that parameterize them,
// trial dispatch payloads and completions, and the fact rows the
// coordinator commits. These types are the shared vocabulary every
// other package (schedule, dispatch, executor, committer, sink)
// exchanges; none of them carry behavior beyond small helpers.
package model

import "fmt"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunCreated     RunStatus = "created"
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunPaused      RunStatus = "paused"
	RunInterrupted RunStatus = "interrupted"
	RunKilled      RunStatus = "killed"
)

// SchedulePolicy selects how the schedule planner orders slots.
type SchedulePolicy string

const (
	PolicyPairedInterleaved SchedulePolicy = "paired_interleaved"
	PolicyVariantSequential SchedulePolicy = "variant_sequential"
	PolicyRandomized        SchedulePolicy = "randomized"
)

// Slot is one immutable position in the schedule.
type Slot struct {
	ScheduleIdx int    `json:"schedule_idx"`
	VariantIdx  int    `json:"variant_idx"`
	TaskIdx     int    `json:"task_idx"`
	ReplIdx     int    `json:"repl_idx"`
	VariantID   string `json:"variant_id"`
	TaskID      string `json:"task_id"`
	ChainID     string `json:"chain_id,omitempty"`
}

// Variant is a named configuration.
type Variant struct {
	VariantID         string            `json:"variant_id"`
	IsBaseline        bool              `json:"is_baseline"`
	Bindings          map[string]string `json:"bindings,omitempty"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	ImageOverride     string            `json:"image_override,omitempty"`
	MaxParallelTrials int               `json:"max_parallel_trials,omitempty"` // 0 = unbounded (subject to global cap)
	RequiresChainLease bool             `json:"requires_chain_lease,omitempty"`
	MaxConsecutiveFail int             `json:"max_consecutive_failures,omitempty"`
}

// Task is one row of the dataset a slot executes against.
type Task struct {
	TaskID         string         `json:"task_id"`
	Payload        map[string]any `json:"payload"`
	ImageSource    string         `json:"image_source,omitempty"` // "per_task" | "" (global)
	Image          string         `json:"image,omitempty"`
	WorkspaceFiles []string       `json:"workspace_files,omitempty"`
	SeedRepo       string         `json:"seed_repo,omitempty"`
	SeedCommit     string         `json:"seed_commit,omitempty"`
	SeedSubdir     string         `json:"seed_subdir,omitempty"`
}

// DispatchPayload is the immutable bundle a trial carries once issued:
// the resolved variant, task payload, effective policy, and runtime
// profile.
type DispatchPayload struct {
	RunID        string         `json:"run_id"`
	TrialID      string         `json:"trial_id"`
	ScheduleIdx  int            `json:"schedule_idx"`
	Attempt      int            `json:"attempt"`
	Variant      Variant        `json:"variant"`
	Task         Task           `json:"task"`
	RuntimeProfile map[string]any `json:"runtime_profile,omitempty"`
}

// TrialStatus is the terminal disposition of a trial attempt.
type TrialStatus string

const (
	TrialSucceeded TrialStatus = "succeeded"
	TrialFailed    TrialStatus = "failed"
	// TrialSkipped marks a schedule_idx resolved without ever dispatching
	// a trial: its variant was pruned before the gate admitted it.
	TrialSkipped TrialStatus = "skipped"
)

// FailureClass enumerates the closed trial failure classification
// taxonomy. It is a string type, matching a "classification string"
// idiom rather than an integer enum.
type FailureClass string

const (
	ClassAgentTimeout      FailureClass = "agent_timeout"
	ClassAgentError        FailureClass = "agent_error"
	ClassNoPatch           FailureClass = "no_patch"
	ClassPatchApplyFail    FailureClass = "patch_apply_fail"
	ClassPolicyViolation   FailureClass = "policy_violation"
	ClassPublicFail        FailureClass = "public_fail"
	ClassHiddenFail        FailureClass = "hidden_fail"
	ClassHiddenTimeout     FailureClass = "hidden_timeout"
	ClassHiddenError       FailureClass = "hidden_error"
	ClassGraderError       FailureClass = "grader_error"
	ClassWorkerLost        FailureClass = "worker_lost"
	ClassGradeError        FailureClass = "grade_error"
	ClassMaterializeError  FailureClass = "materialization_error"
)

// Completion is what a WorkerBackend hands back for a dispatched
// trial.
type Completion struct {
	TicketID          string         `json:"ticket_id"`
	WorkerID          string         `json:"worker_id"`
	TrialID           string         `json:"trial_id"`
	ScheduleIdx       int            `json:"schedule_idx"`
	Attempt           int            `json:"attempt"`
	CompletionSeq     int64          `json:"completion_seq"`
	TerminalStatus    TrialStatus    `json:"terminal_status"`
	Classification    FailureClass   `json:"classification,omitempty"`
	Artifacts         map[string]string `json:"artifacts,omitempty"` // name -> artifact ref
	Metrics           map[string]float64 `json:"metrics,omitempty"`
	RuntimeSummary    map[string]any `json:"runtime_summary,omitempty"`
	DeferredSinkRows  []FactRow      `json:"deferred_sink_rows,omitempty"`
	DeferredEvidenceRows []FactRow   `json:"deferred_evidence_rows,omitempty"`
	DeferredChainRows []FactRow      `json:"deferred_chain_rows,omitempty"`
	DeferredBenchmarkRows []FactRow  `json:"deferred_benchmark_rows,omitempty"`
}

// FactRowKind identifies which fact stream a row belongs to.
type FactRowKind string

const (
	KindTrial             FactRowKind = "trials"
	KindMetricLong        FactRowKind = "metrics_long"
	KindEvent             FactRowKind = "events"
	KindVariantSnapshot   FactRowKind = "variant_snapshots"
	KindEvidence          FactRowKind = "evidence"
	KindTaskChainState    FactRowKind = "task_chain_states"
	KindBenchmarkPrediction FactRowKind = "benchmark_predictions"
	KindBenchmarkScore    FactRowKind = "benchmark_scores"
)

// FactRow is one append-only record bound for a fact stream. The
// primary key is (RunID, TrialID, ScheduleIdx,
// SlotCommitID, Attempt, RowSeqWithinSlot); Fields carries the
// kind-specific payload.
type FactRow struct {
	Kind              FactRowKind    `json:"kind"`
	RunID             string         `json:"run_id"`
	TrialID           string         `json:"trial_id"`
	ScheduleIdx       int            `json:"schedule_idx"`
	SlotCommitID      string         `json:"slot_commit_id"`
	Attempt           int            `json:"attempt"`
	RowSeqWithinSlot  int            `json:"row_seq_within_slot"`
	Fields            map[string]any `json:"fields"`
}

// PrimaryKey returns the idempotency key of the row as a string,
// suitable for a seen-set or unique index: every row carries a
// primary key.
func (r FactRow) PrimaryKey() string {
	return fmt.Sprintf("%s|%s|%d|%s|%d|%d", r.RunID, r.TrialID, r.ScheduleIdx, r.SlotCommitID, r.Attempt, r.RowSeqWithinSlot)
}

// CompletedSlot records one entry of schedule_progress.completed_slots.
type CompletedSlot struct {
	ScheduleIdx  int         `json:"schedule_index"`
	TrialID      string      `json:"trial_id"`
	Status       TrialStatus `json:"status"`
	SlotCommitID string      `json:"slot_commit_id"`
	Attempt      int         `json:"attempt"`
	// SkipReason is set only when Status is TrialSkipped.
	SkipReason string `json:"skip_reason,omitempty"`
}

// ActiveTrial is one entry of run_control.active_trials.
type ActiveTrial struct {
	WorkerID    string    `json:"worker_id"`
	ScheduleIdx int       `json:"schedule_idx"`
	VariantID   string    `json:"variant_id"`
	StartedAt   string    `json:"started_at"`
	Control     string    `json:"control,omitempty"` // pending control action, if any
}
