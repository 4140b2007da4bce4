package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/committer"
	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/lease"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
	"github.com/agentlab/runner/internal/sink/jsonl"
	"github.com/agentlab/runner/internal/worker"
)

// scriptedBackend submits synchronously and reports a pre-scripted
// terminal status for failVariant, succeeding every other submission.
// PollCompletions returns whatever Submit has queued since the last
// poll, mirroring a backend that resolves trials near-instantly.
type scriptedBackend struct {
	failVariant string
	pending     []model.Completion
}

func (b *scriptedBackend) Submit(ctx context.Context, d model.DispatchPayload) (worker.Ticket, error) {
	status := model.TrialSucceeded
	class := model.FailureClass("")
	if d.Variant.VariantID == b.failVariant {
		status = model.TrialFailed
		class = model.ClassAgentError
	}
	b.pending = append(b.pending, model.Completion{
		TrialID:        d.TrialID,
		ScheduleIdx:    d.ScheduleIdx,
		Attempt:        d.Attempt,
		TerminalStatus: status,
		Classification: class,
	})
	return worker.Ticket{WorkerID: "w1", TicketID: d.TrialID, TrialID: d.TrialID}, nil
}

func (b *scriptedBackend) PollCompletions(ctx context.Context, timeout time.Duration) ([]model.Completion, error) {
	out := b.pending
	b.pending = nil
	return out, nil
}

func (b *scriptedBackend) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	return worker.PauseAck{WorkerID: workerID, CheckpointTaken: true}, nil
}
func (b *scriptedBackend) RequestStop(ctx context.Context, workerID, reason string) error { return nil }
func (b *scriptedBackend) Quarantined() bool { return false }
func (b *scriptedBackend) Quarantine()       {}

var _ worker.Backend = (*scriptedBackend)(nil)

// TestRunSkipsSlotsOfAPrunedVariantInsteadOfStalling exercises the
// scenario where a variant is pruned partway through a schedule built
// under paired_interleaved: with global concurrency capped at 1 so
// slots resolve strictly in schedule order, B's first failure prunes
// it immediately after commit, and its remaining slot (schedule_idx 3)
// must be skip-committed for the run to ever reach completion.
func TestRunSkipsSlotsOfAPrunedVariantInsteadOfStalling(t *testing.T) {
	dir := t.TempDir()
	runtimeDir := filepath.Join(dir, "runtime")

	slots := []model.Slot{
		{ScheduleIdx: 0, VariantID: "A", TaskID: "t1"},
		{ScheduleIdx: 1, VariantID: "B", TaskID: "t1"},
		{ScheduleIdx: 2, VariantID: "A", TaskID: "t2"},
		{ScheduleIdx: 3, VariantID: "B", TaskID: "t2"},
	}
	variants := map[string]model.Variant{
		"A": {VariantID: "A"},
		"B": {VariantID: "B", MaxConsecutiveFail: 1},
	}

	progress := runstate.NewScheduleProgress(slots)
	store := runstate.Open(runtimeDir)
	ctrl := runstate.NewRunControl(time.Now().UTC())

	j, err := journal.Open(filepath.Join(runtimeDir, "slot_commit_journal.jsonl"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	s, err := jsonl.Open(dir)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}

	dstate := NewDispatchState(1, variants, progress, ctrl)
	cm := committer.New(j, s, progress, store, dstate, variants, logr.Discard())

	engineFile := lease.NewEngineLeaseFile(filepath.Join(runtimeDir, "engine_lease.json"))
	engineVal, err := engineFile.Acquire("owner1", "host1", time.Minute, time.Now(), false)
	if err != nil {
		t.Fatalf("engine lease Acquire: %v", err)
	}

	cfg := Config{
		RunID:           "run1",
		RunDir:          dir,
		OwnerID:         "owner1",
		Host:            "host1",
		MaxConcurrency:  1,
		PollTimeout:      5 * time.Millisecond,
		BoundaryTimeout: time.Second,
		LeaseTTL:        time.Minute,
		HeartbeatEvery:  time.Minute,
	}
	backend := &scriptedBackend{failVariant: "B"}
	co := New(cfg, backend, cm, dstate, progress, ctrl, store, variants, engineFile, engineVal, nil, logr.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := co.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.RunCompleted {
		t.Fatalf("Run status = %q, want %q (a stalled skip path never reaches completion)", status, model.RunCompleted)
	}
	if progress.NextScheduleIndex != len(slots) {
		t.Errorf("NextScheduleIndex = %d, want %d", progress.NextScheduleIndex, len(slots))
	}
	if !progress.IsPruned("B") {
		t.Error("expected variant B to be pruned after its consecutive-failure threshold")
	}
	if !progress.IsCompleted(3) {
		t.Fatal("expected schedule_idx 3 to be resolved (skipped)")
	}
	var skipEntry model.CompletedSlot
	for _, e := range progress.CompletedSlots {
		if e.ScheduleIdx == 3 {
			skipEntry = e
		}
	}
	if skipEntry.Status != model.TrialSkipped {
		t.Errorf("schedule_idx 3 status = %q, want %q", skipEntry.Status, model.TrialSkipped)
	}
	if skipEntry.SkipReason == "" {
		t.Error("expected a non-empty skip reason")
	}
}
