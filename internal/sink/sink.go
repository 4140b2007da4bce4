// Package sink defines the RunSink trait: the storage interface the
// coordinator uses to append facts. It is one of only two polymorphic
// seams in the system (the other is WorkerBackend), small and total,
// implemented by internal/sink/jsonl (default) and
// internal/sink/postgres (tabular).
package sink

import "github.com/agentlab/runner/internal/model"

// RunManifest is the top-level record written once at run creation
// (facts/run_manifest.json).
type RunManifest struct {
	RunID       string `json:"run_id"`
	RunName     string `json:"run_name,omitempty"`
	CreatedAt   string `json:"created_at"`
	TotalSlots  int    `json:"total_slots"`
	DatasetPath string `json:"dataset_path"`
	SchedulePolicy string `json:"schedule_policy"`
	RandomSeed  int64  `json:"random_seed"`
}

// RunSink is the append-only fact storage interface the coordinator
// writes through. Every operation is idempotent by row primary key:
// reappending a row with a previously-seen primary key is a no-op.
type RunSink interface {
	WriteRunManifest(m RunManifest) error
	AppendTrialRecord(row model.FactRow) error
	AppendMetricRows(rows []model.FactRow) error
	AppendEventRows(rows []model.FactRow) error
	AppendVariantSnapshot(rows []model.FactRow) error
	AppendEvidenceRows(rows []model.FactRow) error
	AppendBenchmarkPredictionRows(rows []model.FactRow) error
	AppendBenchmarkScoreRows(rows []model.FactRow) error
	Flush() error
	Close() error
}
