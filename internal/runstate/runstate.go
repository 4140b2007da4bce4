// Package runstate holds the two durable cursors that form the
// documented observation surface: schedule_progress.json (the
// dispatch/commit cursor and pruning state) and run_control.json (live
// run status and active trial map). Both are rewritten atomically via
// internal/durafs on every commit and every control transition; external
// tooling reads them read-only.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/agentlab/runner/internal/durafs"
	"github.com/agentlab/runner/internal/model"
)

// ScheduleProgress is the durable cursor tracking dispatch and commit
// progress through the schedule.
type ScheduleProgress struct {
	SchemaVersion          string               `json:"schema_version"`
	TotalSlots             int                  `json:"total_slots"`
	NextScheduleIndex      int                  `json:"next_schedule_index"`
	Schedule               []model.Slot         `json:"schedule"`
	CompletedSlots         []model.CompletedSlot `json:"completed_slots"`
	PrunedVariants         []string             `json:"pruned_variants,omitempty"`
	ConsecutiveFailByVariant map[string]int     `json:"consecutive_fail_by_variant,omitempty"`
}

// ScheduleProgressSchemaVersion is the documented schema_version of
// schedule_progress.json.
const ScheduleProgressSchemaVersion = "schedule_progress_v2"

// NewScheduleProgress seeds progress for a freshly planned schedule.
func NewScheduleProgress(schedule []model.Slot) *ScheduleProgress {
	return &ScheduleProgress{
		SchemaVersion:            ScheduleProgressSchemaVersion,
		TotalSlots:               len(schedule),
		NextScheduleIndex:        0,
		Schedule:                 schedule,
		ConsecutiveFailByVariant: make(map[string]int),
	}
}

// ActiveTrials is a run_control.active_trials map keyed by trial_id.
type ActiveTrials map[string]model.ActiveTrial

// PauseMeta records pause/resume fan-out progress, surfaced as part of
// run_control for an external observer watching a pause in flight.
type PauseMeta struct {
	Requested   bool     `json:"requested,omitempty"`
	Label       string   `json:"label,omitempty"`
	Acked       []string `json:"acked,omitempty"`
	Outstanding []string `json:"outstanding,omitempty"`
}

// RunControl is the observable run state: run status, active trials,
// and in-progress pause metadata.
type RunControl struct {
	SchemaVersion string          `json:"schema_version"`
	Status        model.RunStatus `json:"status"`
	ActiveTrials  ActiveTrials    `json:"active_trials"`
	Pause         *PauseMeta      `json:"pause,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RunControlSchemaVersion is the documented schema_version of
// run_control.json.
const RunControlSchemaVersion = "run_control_v2"

// NewRunControl seeds run_control for a freshly created run.
func NewRunControl(now time.Time) *RunControl {
	return &RunControl{
		SchemaVersion: RunControlSchemaVersion,
		Status:        model.RunCreated,
		ActiveTrials:  ActiveTrials{},
		UpdatedAt:     now,
	}
}

// Store persists schedule_progress.json and run_control.json under a
// run's runtime/ directory, always via durafs's temp+fsync+rename path
// so a reader never observes a half-written file while either is
// being atomically rewritten.
type Store struct {
	progressPath string
	controlPath  string
}

// Open wraps the two state files under runtimeDir (normally
// {run_dir}/runtime).
func Open(runtimeDir string) *Store {
	return &Store{
		progressPath: runtimeDir + "/schedule_progress.json",
		controlPath:  runtimeDir + "/run_control.json",
	}
}

// LoadProgress reads schedule_progress.json, or nil if it does not
// exist yet (a run that has not completed planning).
func (s *Store) LoadProgress() (*ScheduleProgress, error) {
	data, err := os.ReadFile(s.progressPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runstate: read %s: %w", s.progressPath, err)
	}
	var p ScheduleProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("runstate: decode %s: %w", s.progressPath, err)
	}
	return &p, nil
}

// SaveProgress atomically rewrites schedule_progress.json.
func (s *Store) SaveProgress(p *ScheduleProgress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: encode progress: %w", err)
	}
	return durafs.WriteFile(s.progressPath, data, 0o644)
}

// LoadControl reads run_control.json, or nil if absent.
func (s *Store) LoadControl() (*RunControl, error) {
	data, err := os.ReadFile(s.controlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runstate: read %s: %w", s.controlPath, err)
	}
	var c RunControl
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("runstate: decode %s: %w", s.controlPath, err)
	}
	if c.ActiveTrials == nil {
		c.ActiveTrials = ActiveTrials{}
	}
	return &c, nil
}

// SaveControl atomically rewrites run_control.json.
func (s *Store) SaveControl(c *RunControl) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: encode control: %w", err)
	}
	return durafs.WriteFile(s.controlPath, data, 0o644)
}

// MarkCompleted appends (or, if already present by schedule_idx,
// leaves untouched) a completed-slot entry and advances
// next_schedule_index when the newly completed slot is the current
// cursor, per invariant 1: "next_schedule_index only advances".
func (p *ScheduleProgress) MarkCompleted(entry model.CompletedSlot) {
	for _, existing := range p.CompletedSlots {
		if existing.ScheduleIdx == entry.ScheduleIdx {
			return
		}
	}
	p.CompletedSlots = append(p.CompletedSlots, entry)
	if entry.ScheduleIdx == p.NextScheduleIndex {
		p.NextScheduleIndex++
		// A commit can resolve slots out of dispatch-cursor order only
		// during recovery healing; in normal operation commits are
		// strictly sequential so this loop runs at most once, but it is
		// kept general so recovery can call MarkCompleted repeatedly
		// without reasoning about ordering itself.
		advanced := true
		for advanced {
			advanced = false
			for _, existing := range p.CompletedSlots {
				if existing.ScheduleIdx == p.NextScheduleIndex {
					p.NextScheduleIndex++
					advanced = true
				}
			}
		}
	}
}

// IsCompleted reports whether scheduleIdx already has a completed-slot entry.
func (p *ScheduleProgress) IsCompleted(scheduleIdx int) bool {
	for _, existing := range p.CompletedSlots {
		if existing.ScheduleIdx == scheduleIdx {
			return true
		}
	}
	return false
}

// PruneVariant records a variant as pruned (idempotent).
func (p *ScheduleProgress) PruneVariant(variantID string) {
	for _, v := range p.PrunedVariants {
		if v == variantID {
			return
		}
	}
	p.PrunedVariants = append(p.PrunedVariants, variantID)
}

// IsPruned reports whether variantID has already been pruned.
func (p *ScheduleProgress) IsPruned(variantID string) bool {
	for _, v := range p.PrunedVariants {
		if v == variantID {
			return true
		}
	}
	return false
}
