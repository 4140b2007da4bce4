// Package recovery implements the crash recovery / reconciliation
// procedure: replay the slot commit journal to
// recompute what is actually committed, rewind schedule_progress to
// the first point of divergence, reconcile run_control.active_trials
// against the committed set, and persist a recovery_report describing
// what happened.
package recovery

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/durafs"
	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/lease"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
)

// ErrOwnerAlive corresponds to the recovery_conflict error kind: the
// engine lease is fresh and recovery was not forced.
type ErrOwnerAlive struct{ OwnerID string }

func (e *ErrOwnerAlive) Error() string {
	return fmt.Sprintf("recovery: run_owner_alive: lease held by %q", e.OwnerID)
}

// Report is written to runtime/recovery_report.json, the documented
// explanation of what recovery changed so the run directory stays
// self-describing after a crash.
type Report struct {
	RanAt                string   `json:"ran_at"`
	PriorNextScheduleIdx int      `json:"prior_next_schedule_index"`
	RewoundToIdx         int      `json:"rewound_to_schedule_index"`
	WorkerLostTrials     []string `json:"worker_lost_trials,omitempty"`
	DroppedActiveTrials  []string `json:"dropped_active_trials,omitempty"`
	NewEpoch             int64    `json:"new_epoch"`
}

// Config points recovery at one run's on-disk state.
type Config struct {
	RunDir    string
	OwnerID   string
	Host      string
	Force     bool
	LeaseTTL  time.Duration
}

// Recover executes the recovery sequence and returns the report it
// persisted. It acquires (and, on takeover, bumps the epoch of) the
// engine lease itself — callers must already hold the operation lease
// for OpRecover before calling this.
func Recover(cfg Config, log logr.Logger) (*Report, error) {
	runtimeDir := filepath.Join(cfg.RunDir, "runtime")
	store := runstate.Open(runtimeDir)

	progress, err := store.LoadProgress()
	if err != nil {
		return nil, fmt.Errorf("recovery: load progress: %w", err)
	}
	if progress == nil {
		return nil, fmt.Errorf("recovery: schedule_progress.json not found; run was never planned")
	}
	ctrl, err := store.LoadControl()
	if err != nil {
		return nil, fmt.Errorf("recovery: load control: %w", err)
	}
	if ctrl == nil {
		ctrl = runstate.NewRunControl(time.Now().UTC())
	}

	engineFile := lease.NewEngineLeaseFile(filepath.Join(runtimeDir, "engine_lease.json"))
	now := time.Now()
	prior, err := engineFile.Load()
	if err != nil {
		return nil, fmt.Errorf("recovery: load engine lease: %w", err)
	}
	if prior != nil && prior.Fresh(now) && !cfg.Force {
		return nil, &ErrOwnerAlive{OwnerID: prior.OwnerID}
	}
	newLease, err := engineFile.Acquire(cfg.OwnerID, cfg.Host, cfg.LeaseTTL, now, true)
	if err != nil {
		return nil, fmt.Errorf("recovery: acquire engine lease: %w", err)
	}

	j, err := journal.Open(filepath.Join(runtimeDir, "slot_commit_journal.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("recovery: open journal: %w", err)
	}
	records, err := journal.Replay(filepath.Join(runtimeDir, "slot_commit_journal.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("recovery: replay journal: %w", err)
	}
	committedByIdx := journal.CommittedByScheduleIdx(records)
	resolvedByIdx := journal.ResolvedByScheduleIdx(records)

	report := &Report{
		RanAt:                now.UTC().Format(time.RFC3339Nano),
		PriorNextScheduleIdx: progress.NextScheduleIndex,
		NewEpoch:             newLease.Epoch,
	}

	// Step 4: the journal is always authoritative (invariant 2: a slot
	// is resolved — committed or skipped — iff the journal has a
	// matching commit/skip record). Rebuild completed_slots as the
	// longest contiguous resolved prefix starting at 0, healing forward
	// over any commit/skip the journal has that progress never got to
	// record (crash after commit, before progress rewrite) and
	// truncating any progress entry the journal does not back (a
	// divergence the other direction should never happen in normal
	// operation, but a corrupted/partial progress write is handled the
	// same way: the journal wins).
	alignedUpTo := healCompletedSlots(progress, resolvedByIdx)
	report.RewoundToIdx = alignedUpTo

	// Step 5: reconcile active_trials against the committed set. Either
	// way the trial is dropped from active_trials; an orphan whose slot
	// is uncommitted is left for the coordinator to redispatch on
	// continue.
	for trialID, at := range ctrl.ActiveTrials {
		if _, committed := committedByIdx[at.ScheduleIdx]; committed {
			report.DroppedActiveTrials = append(report.DroppedActiveTrials, trialID)
			continue
		}
		report.WorkerLostTrials = append(report.WorkerLostTrials, trialID)
	}

	ctrl.Status = model.RunInterrupted
	ctrl.ActiveTrials = runstate.ActiveTrials{}
	ctrl.Pause = nil

	if err := store.SaveProgress(progress); err != nil {
		return nil, fmt.Errorf("recovery: save progress: %w", err)
	}
	if err := store.SaveControl(ctrl); err != nil {
		return nil, fmt.Errorf("recovery: save control: %w", err)
	}

	reportData, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("recovery: encode report: %w", err)
	}
	if err := durafs.WriteFile(filepath.Join(runtimeDir, "recovery_report.json"), reportData, 0o644); err != nil {
		return nil, fmt.Errorf("recovery: write report: %w", err)
	}

	log.Info("recovery complete", "rewound_to", alignedUpTo, "worker_lost", len(report.WorkerLostTrials), "new_epoch", newLease.Epoch)
	_ = j // journal is replayed read-only during recovery; no new records are appended here.
	return report, nil
}

// healCompletedSlots rebuilds progress.CompletedSlots and
// next_schedule_index from the journal's resolved set (commit or skip
// records), which is always authoritative (invariant 2). It walks the
// contiguous prefix from schedule_idx 0: any index the journal
// confirms resolved is healed into completed_slots (adopting the
// journal's trial_id, slot_commit_id, and attempt for a commit, or a
// skipped status and reason for a skip, plus the prior status if
// progress already knew it), and the walk stops at the first index the
// journal does not confirm — discarding any stale progress entries
// beyond that point. It returns the resulting next_schedule_index.
func healCompletedSlots(progress *runstate.ScheduleProgress, resolved map[int]journal.Record) int {
	healed := make([]model.CompletedSlot, 0, len(progress.CompletedSlots))
	i := 0
	for ; i < progress.TotalSlots; i++ {
		rec, ok := resolved[i]
		if !ok {
			break
		}
		if rec.Kind == journal.KindSkip {
			healed = append(healed, model.CompletedSlot{
				ScheduleIdx: i,
				Status:      model.TrialSkipped,
				SkipReason:  rec.SkipReason,
			})
			continue
		}
		status := model.TrialSucceeded
		if existing, found := findCompleted(progress.CompletedSlots, i); found && existing.Status != "" {
			status = existing.Status
		}
		healed = append(healed, model.CompletedSlot{
			ScheduleIdx:  i,
			TrialID:      rec.TrialID,
			Status:       status,
			SlotCommitID: rec.SlotCommitID,
			Attempt:      rec.Attempt,
		})
	}
	progress.CompletedSlots = healed
	progress.NextScheduleIndex = i
	return i
}

func findCompleted(entries []model.CompletedSlot, idx int) (model.CompletedSlot, bool) {
	for _, e := range entries {
		if e.ScheduleIdx == idx {
			return e, true
		}
	}
	return model.CompletedSlot{}, false
}
