package committer

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/dispatch"
	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
	"github.com/agentlab/runner/internal/sink/jsonl"
)

func newTestCommitter(t *testing.T, variants map[string]model.Variant, slots []model.Slot) (*Committer, *runstate.ScheduleProgress) {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "slot_commit_journal.jsonl"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	s, err := jsonl.Open(dir)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	progress := runstate.NewScheduleProgress(slots)
	store := runstate.Open(filepath.Join(dir, "runtime"))
	vs := make([]model.Variant, 0, len(variants))
	for _, v := range variants {
		vs = append(vs, v)
	}
	dstate := dispatch.NewState(10, vs)
	c := New(j, s, progress, store, dstate, variants, logr.Discard())
	return c, progress
}

func completionFor(slot model.Slot, status model.TrialStatus, class model.FailureClass) model.Completion {
	return model.Completion{
		TrialID:        fmt.Sprintf("trial-%d", slot.ScheduleIdx),
		ScheduleIdx:    slot.ScheduleIdx,
		Attempt:        1,
		TerminalStatus: status,
		Classification: class,
		DeferredSinkRows: []model.FactRow{
			{Kind: model.KindTrial, RunID: "run1", TrialID: "trial", ScheduleIdx: slot.ScheduleIdx, Fields: map[string]any{"variant": slot.VariantID}},
		},
	}
}

func TestBufferCommitsContiguousPrefixInScheduleOrderDespiteArrivalOrder(t *testing.T) {
	slots := []model.Slot{
		{ScheduleIdx: 0, VariantID: "A"},
		{ScheduleIdx: 1, VariantID: "A"},
		{ScheduleIdx: 2, VariantID: "A"},
		{ScheduleIdx: 3, VariantID: "A"},
		{ScheduleIdx: 4, VariantID: "A"},
	}
	variants := map[string]model.Variant{"A": {VariantID: "A"}}
	c, progress := newTestCommitter(t, variants, slots)

	arrivalOrder := []int{3, 1, 4, 0, 2}
	var commitSeq []int
	for _, idx := range arrivalOrder {
		slot := slots[idx]
		completion := completionFor(slot, model.TrialSucceeded, "")
		committed, pruned, err := c.Buffer(slot, completion)
		if err != nil {
			t.Fatalf("Buffer(%d): %v", idx, err)
		}
		if len(pruned) != 0 {
			t.Fatalf("unexpected pruning: %+v", pruned)
		}
		for _, cm := range committed {
			commitSeq = append(commitSeq, cm.Slot.ScheduleIdx)
		}
	}

	want := []int{0, 1, 2, 3, 4}
	if len(commitSeq) != len(want) {
		t.Fatalf("commit sequence = %v, want %v", commitSeq, want)
	}
	for i, w := range want {
		if commitSeq[i] != w {
			t.Errorf("commitSeq[%d] = %d, want %d", i, commitSeq[i], w)
		}
	}
	if progress.NextScheduleIndex != 5 {
		t.Errorf("NextScheduleIndex = %d, want 5", progress.NextScheduleIndex)
	}
}

func TestBufferDropsDuplicateCompletionForCommittedSlot(t *testing.T) {
	slots := []model.Slot{{ScheduleIdx: 0, VariantID: "A"}}
	variants := map[string]model.Variant{"A": {VariantID: "A"}}
	c, _ := newTestCommitter(t, variants, slots)

	completion := completionFor(slots[0], model.TrialSucceeded, "")
	committed, _, err := c.Buffer(slots[0], completion)
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if len(committed) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(committed))
	}

	// Duplicate completion for the same already-committed slot.
	committed, pruned, err := c.Buffer(slots[0], completion)
	if err != nil {
		t.Fatalf("Buffer (duplicate): %v", err)
	}
	if len(committed) != 0 || len(pruned) != 0 {
		t.Errorf("expected duplicate completion to be a no-op, got committed=%+v pruned=%+v", committed, pruned)
	}
}

func TestBufferPrunesVariantAtConsecutiveFailureThreshold(t *testing.T) {
	slots := []model.Slot{
		{ScheduleIdx: 0, VariantID: "B"},
		{ScheduleIdx: 1, VariantID: "B"},
		{ScheduleIdx: 2, VariantID: "B"},
	}
	variants := map[string]model.Variant{"B": {VariantID: "B", MaxConsecutiveFail: 3}}
	c, progress := newTestCommitter(t, variants, slots)

	var allPruned []Pruned
	for _, slot := range slots {
		completion := completionFor(slot, model.TrialFailed, model.ClassAgentError)
		completion.RuntimeSummary = map[string]any{"failure_reason": "same failure every time"}
		_, pruned, err := c.Buffer(slot, completion)
		if err != nil {
			t.Fatalf("Buffer: %v", err)
		}
		allPruned = append(allPruned, pruned...)
	}

	if len(allPruned) != 1 {
		t.Fatalf("expected exactly 1 pruning event, got %+v", allPruned)
	}
	if allPruned[0].VariantID != "B" || allPruned[0].AtSlot != 2 {
		t.Errorf("pruning = %+v, want VariantID=B AtSlot=2", allPruned[0])
	}
	if !progress.IsPruned("B") {
		t.Error("expected progress to record variant B as pruned")
	}
}

func TestBufferPrunesOnRawConsecutiveCountDespiteHeterogeneousSignatures(t *testing.T) {
	slots := []model.Slot{
		{ScheduleIdx: 0, VariantID: "B"},
		{ScheduleIdx: 1, VariantID: "B"},
		{ScheduleIdx: 2, VariantID: "B"},
	}
	variants := map[string]model.Variant{"B": {VariantID: "B", MaxConsecutiveFail: 3}}
	c, _ := newTestCommitter(t, variants, slots)

	reasons := []string{"infra blip one", "infra blip two", "infra blip three"}
	var allPruned []Pruned
	for i, slot := range slots {
		completion := completionFor(slot, model.TrialFailed, model.ClassAgentError)
		completion.RuntimeSummary = map[string]any{"failure_reason": reasons[i]}
		_, pruned, err := c.Buffer(slot, completion)
		if err != nil {
			t.Fatalf("Buffer: %v", err)
		}
		allPruned = append(allPruned, pruned...)
	}
	if len(allPruned) != 1 {
		t.Errorf("expected pruning at the 3rd consecutive failure regardless of signature, got %+v", allPruned)
	}
}

func TestBufferResetsConsecutiveFailureStreakOnSuccess(t *testing.T) {
	slots := []model.Slot{
		{ScheduleIdx: 0, VariantID: "B"},
		{ScheduleIdx: 1, VariantID: "B"},
		{ScheduleIdx: 2, VariantID: "B"},
		{ScheduleIdx: 3, VariantID: "B"},
	}
	variants := map[string]model.Variant{"B": {VariantID: "B", MaxConsecutiveFail: 3}}
	c, progress := newTestCommitter(t, variants, slots)

	fail := completionFor(slots[0], model.TrialFailed, model.ClassAgentError)
	if _, _, err := c.Buffer(slots[0], fail); err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	fail2 := completionFor(slots[1], model.TrialFailed, model.ClassAgentError)
	if _, _, err := c.Buffer(slots[1], fail2); err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if progress.ConsecutiveFailByVariant["B"] != 2 {
		t.Fatalf("ConsecutiveFailByVariant[B] = %d, want 2", progress.ConsecutiveFailByVariant["B"])
	}

	ok := completionFor(slots[2], model.TrialSucceeded, "")
	if _, _, err := c.Buffer(slots[2], ok); err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if _, ok := progress.ConsecutiveFailByVariant["B"]; ok {
		t.Error("expected the streak to be cleared after a success")
	}

	fail3 := completionFor(slots[3], model.TrialFailed, model.ClassAgentError)
	if _, pruned, err := c.Buffer(slots[3], fail3); err != nil {
		t.Fatalf("Buffer: %v", err)
	} else if len(pruned) != 0 {
		t.Errorf("expected no pruning after the streak reset, got %+v", pruned)
	}
}

func TestNewRehydratesConsecutiveFailureStreakFromProgress(t *testing.T) {
	slots := []model.Slot{
		{ScheduleIdx: 0, VariantID: "B"},
		{ScheduleIdx: 1, VariantID: "B"},
		{ScheduleIdx: 2, VariantID: "B"},
	}
	variants := map[string]model.Variant{"B": {VariantID: "B", MaxConsecutiveFail: 3}}
	c, progress := newTestCommitter(t, variants, slots)

	fail := completionFor(slots[0], model.TrialFailed, model.ClassAgentError)
	if _, _, err := c.Buffer(slots[0], fail); err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	fail2 := completionFor(slots[1], model.TrialFailed, model.ClassAgentError)
	if _, _, err := c.Buffer(slots[1], fail2); err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if progress.ConsecutiveFailByVariant["B"] != 2 {
		t.Fatalf("ConsecutiveFailByVariant[B] = %d, want 2", progress.ConsecutiveFailByVariant["B"])
	}

	// Simulate a crash + continue: a fresh Committer reloads the same
	// progress object (as it would after a JSON round trip through
	// schedule_progress.json) rather than starting with empty in-memory
	// counters.
	reloaded := New(c.journal, c.sink, progress, c.store, c.dispatch, variants, logr.Discard())
	fail3 := completionFor(slots[2], model.TrialFailed, model.ClassAgentError)
	_, pruned, err := reloaded.Buffer(slots[2], fail3)
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if len(pruned) != 1 {
		t.Fatalf("expected the streak carried across New() to prune at the 3rd failure, got %+v", pruned)
	}
}
