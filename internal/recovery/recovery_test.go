package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/lease"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
)

func setupRun(t *testing.T, totalSlots int) (runDir string, store *runstate.Store) {
	t.Helper()
	runDir = t.TempDir()
	runtimeDir := filepath.Join(runDir, "runtime")
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		t.Fatalf("mkdir runtime: %v", err)
	}
	slots := make([]model.Slot, totalSlots)
	for i := range slots {
		slots[i] = model.Slot{ScheduleIdx: i, VariantID: "A"}
	}
	store = runstate.Open(runtimeDir)
	progress := runstate.NewScheduleProgress(slots)
	if err := store.SaveProgress(progress); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	ctrl := runstate.NewRunControl(time.Now().UTC())
	ctrl.Status = model.RunRunning
	if err := store.SaveControl(ctrl); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}
	return runDir, store
}

// commitSlot simulates the deterministic committer's journal writes for
// one slot, without touching schedule_progress (recovery's job is to
// heal progress from the journal alone).
func commitSlot(t *testing.T, runDir string, idx int) {
	t.Helper()
	j, err := journal.Open(filepath.Join(runDir, "runtime", "slot_commit_journal.jsonl"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	scid, err := journal.SlotCommitID(map[string]any{"idx": idx})
	if err != nil {
		t.Fatalf("SlotCommitID: %v", err)
	}
	if err := j.Intent(scid, idx, "trial", 1, map[string]int{"trials": 1}, scid); err != nil {
		t.Fatalf("Intent: %v", err)
	}
	if err := j.Commit(scid, idx, "trial", 1, map[string]int{"trials": 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestRecoverHealsProgressWhenCommitPrecedesProgressRewrite(t *testing.T) {
	runDir, store := setupRun(t, 20)
	// Slots 0..16 committed AND already reflected in progress.
	progress, err := store.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	for i := 0; i <= 16; i++ {
		commitSlot(t, runDir, i)
		progress.MarkCompleted(model.CompletedSlot{ScheduleIdx: i, TrialID: "trial", Status: model.TrialSucceeded})
	}
	if err := store.SaveProgress(progress); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	// Slot 17 commits in the journal, but the crash happens before
	// progress is rewritten to reflect it (simulating §4.4 "crash after
	// commit, before progress").
	commitSlot(t, runDir, 17)

	report, err := Recover(Config{RunDir: runDir, OwnerID: "recoverer", Host: "h", Force: true, LeaseTTL: time.Minute}, logr.Discard())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.RewoundToIdx != 18 {
		t.Errorf("RewoundToIdx = %d, want 18 (healed forward past the journal-only commit)", report.RewoundToIdx)
	}

	healed, err := store.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress after recover: %v", err)
	}
	if healed.NextScheduleIndex != 18 {
		t.Errorf("NextScheduleIndex after recover = %d, want 18", healed.NextScheduleIndex)
	}
	if !healed.IsCompleted(17) {
		t.Error("expected slot 17 to be healed into completed_slots")
	}
}

func TestRecoverRewindsWhenJournalHasNoCommitForASlotProgressClaims(t *testing.T) {
	runDir, store := setupRun(t, 5)
	progress, err := store.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	for i := 0; i < 3; i++ {
		commitSlot(t, runDir, i)
		progress.MarkCompleted(model.CompletedSlot{ScheduleIdx: i, TrialID: "trial", Status: model.TrialSucceeded})
	}
	// Progress (incorrectly, simulating corruption/crash) also claims slot
	// 3 complete, but no journal commit exists for it.
	progress.CompletedSlots = append(progress.CompletedSlots, model.CompletedSlot{ScheduleIdx: 3, TrialID: "ghost"})
	progress.NextScheduleIndex = 4
	if err := store.SaveProgress(progress); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	report, err := Recover(Config{RunDir: runDir, OwnerID: "recoverer", Host: "h", Force: true, LeaseTTL: time.Minute}, logr.Discard())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.RewoundToIdx != 3 {
		t.Errorf("RewoundToIdx = %d, want 3", report.RewoundToIdx)
	}

	healed, err := store.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if healed.NextScheduleIndex != 3 {
		t.Errorf("NextScheduleIndex = %d, want 3", healed.NextScheduleIndex)
	}
	if healed.IsCompleted(3) {
		t.Error("expected the ghost completed-slot entry for slot 3 to be rewound away")
	}
}

func TestRecoverReconcilesActiveTrialsAgainstCommittedSet(t *testing.T) {
	runDir, store := setupRun(t, 5)
	progress, err := store.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	commitSlot(t, runDir, 0)
	progress.MarkCompleted(model.CompletedSlot{ScheduleIdx: 0, TrialID: "trial-committed"})
	if err := store.SaveProgress(progress); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	ctrl, err := store.LoadControl()
	if err != nil {
		t.Fatalf("LoadControl: %v", err)
	}
	ctrl.ActiveTrials["trial-committed"] = model.ActiveTrial{WorkerID: "w1", ScheduleIdx: 0}
	ctrl.ActiveTrials["trial-orphan"] = model.ActiveTrial{WorkerID: "w2", ScheduleIdx: 1}
	if err := store.SaveControl(ctrl); err != nil {
		t.Fatalf("SaveControl: %v", err)
	}

	report, err := Recover(Config{RunDir: runDir, OwnerID: "recoverer", Host: "h", Force: true, LeaseTTL: time.Minute}, logr.Discard())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(report.DroppedActiveTrials) != 1 || report.DroppedActiveTrials[0] != "trial-committed" {
		t.Errorf("DroppedActiveTrials = %v, want [trial-committed]", report.DroppedActiveTrials)
	}
	if len(report.WorkerLostTrials) != 1 || report.WorkerLostTrials[0] != "trial-orphan" {
		t.Errorf("WorkerLostTrials = %v, want [trial-orphan]", report.WorkerLostTrials)
	}

	healedCtrl, err := store.LoadControl()
	if err != nil {
		t.Fatalf("LoadControl after recover: %v", err)
	}
	if len(healedCtrl.ActiveTrials) != 0 {
		t.Errorf("expected active_trials cleared after recovery, got %+v", healedCtrl.ActiveTrials)
	}
	if healedCtrl.Status != model.RunInterrupted {
		t.Errorf("Status = %q, want %q", healedCtrl.Status, model.RunInterrupted)
	}
}

func TestRecoverFailsWhenEngineLeaseFreshAndNotForced(t *testing.T) {
	runDir, _ := setupRun(t, 3)
	engineFile := lease.NewEngineLeaseFile(filepath.Join(runDir, "runtime", "engine_lease.json"))
	if _, err := engineFile.Acquire("live-owner", "host", time.Hour, time.Now(), false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := Recover(Config{RunDir: runDir, OwnerID: "recoverer", Host: "h", Force: false, LeaseTTL: time.Minute}, logr.Discard())
	if err == nil {
		t.Fatal("expected Recover to fail against a fresh, non-forced lease")
	}
	if _, ok := err.(*ErrOwnerAlive); !ok {
		t.Errorf("expected *ErrOwnerAlive, got %T: %v", err, err)
	}
}
