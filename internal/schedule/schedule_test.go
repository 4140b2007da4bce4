package schedule

import (
	"testing"

	"github.com/agentlab/runner/internal/model"
)

func variants(ids ...string) []model.Variant {
	out := make([]model.Variant, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Variant{VariantID: id})
	}
	return out
}

func tasks(ids ...string) []model.Task {
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Task{TaskID: id})
	}
	return out
}

func TestBuildPairedInterleavedOrdersByTaskThenVariant(t *testing.T) {
	slots, err := Build(model.PolicyPairedInterleaved, variants("A", "B"), tasks("t1", "t2"), 1, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []struct {
		variant string
		task    string
	}{
		{"A", "t1"}, {"B", "t1"},
		{"A", "t2"}, {"B", "t2"},
	}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d", len(slots), len(want))
	}
	for i, w := range want {
		if slots[i].VariantID != w.variant || slots[i].TaskID != w.task {
			t.Errorf("slot %d = (%s,%s), want (%s,%s)", i, slots[i].VariantID, slots[i].TaskID, w.variant, w.task)
		}
		if slots[i].ScheduleIdx != i {
			t.Errorf("slot %d has ScheduleIdx %d", i, slots[i].ScheduleIdx)
		}
	}
}

func TestBuildVariantSequentialOrdersByVariantThenTask(t *testing.T) {
	slots, err := Build(model.PolicyVariantSequential, variants("A", "B"), tasks("t1", "t2"), 1, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []struct {
		variant string
		task    string
	}{
		{"A", "t1"}, {"A", "t2"},
		{"B", "t1"}, {"B", "t2"},
	}
	for i, w := range want {
		if slots[i].VariantID != w.variant || slots[i].TaskID != w.task {
			t.Errorf("slot %d = (%s,%s), want (%s,%s)", i, slots[i].VariantID, slots[i].TaskID, w.variant, w.task)
		}
	}
}

func TestBuildReplicationsExpandCells(t *testing.T) {
	slots, err := Build(model.PolicyVariantSequential, variants("A"), tasks("t1"), 3, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(slots))
	}
	for i, s := range slots {
		if s.ReplIdx != i {
			t.Errorf("slot %d ReplIdx = %d, want %d", i, s.ReplIdx, i)
		}
	}
}

func TestBuildRandomizedIsDeterministicUnderSeed(t *testing.T) {
	v := variants("A", "B", "C")
	ts := tasks("t1", "t2", "t3", "t4")
	first, err := Build(model.PolicyRandomized, v, ts, 2, 1337)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := Build(model.PolicyRandomized, v, ts, 2, 1337)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("slot %d differs between identical-seed runs: %+v vs %+v", i, first[i], second[i])
		}
	}

	third, err := Build(model.PolicyRandomized, v, ts, 2, 7)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	differs := false
	for i := range first {
		if first[i] != third[i] {
			differs = true
			break
		}
	}
	if !differs {
		t.Fatalf("expected a different seed to produce a different order")
	}
}

func TestBuildChainIDAssignedOnlyForChainLeaseVariants(t *testing.T) {
	vs := []model.Variant{
		{VariantID: "A", RequiresChainLease: true},
		{VariantID: "B"},
	}
	slots, err := Build(model.PolicyVariantSequential, vs, tasks("t1"), 1, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, s := range slots {
		switch s.VariantID {
		case "A":
			if s.ChainID == "" {
				t.Errorf("expected non-empty ChainID for variant A slot %+v", s)
			}
		case "B":
			if s.ChainID != "" {
				t.Errorf("expected empty ChainID for variant B slot %+v", s)
			}
		}
	}
}

func TestBuildRejectsEmptyVariantsOrTasks(t *testing.T) {
	if _, err := Build(model.PolicyVariantSequential, nil, tasks("t1"), 1, 0); err == nil {
		t.Error("expected error for empty variants")
	}
	if _, err := Build(model.PolicyVariantSequential, variants("A"), nil, 1, 0); err == nil {
		t.Error("expected error for empty tasks")
	}
}

func TestBuildRejectsUnknownPolicy(t *testing.T) {
	if _, err := Build(model.SchedulePolicy("bogus"), variants("A"), tasks("t1"), 1, 0); err == nil {
		t.Error("expected error for unrecognized policy")
	}
}

func TestBuildReplicationsBelowOneClampToOne(t *testing.T) {
	slots, err := Build(model.PolicyVariantSequential, variants("A"), tasks("t1"), 0, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1", len(slots))
	}
}
