// Package schedule builds the immutable slot sequence:
// a deterministic ordering over (variant x task x replication) under
// one of three policies. The schedule is produced exactly once at run
// start; every other component treats it as a read-only array indexed
// by schedule_idx.
package schedule

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/agentlab/runner/internal/model"
)

// Policy mirrors model.SchedulePolicy to avoid a runconfig dependency
// in this package; callers translate from their config layer.
type Policy = model.SchedulePolicy

// Build produces the immutable ordered slot sequence for the given
// variants and tasks, expanding each (variant, task) pair to
// replications slots, per the requested policy and seed.
//
// Tie-break for equal sort keys is the lexicographic order of
// (variant_id, task_id, repl_idx).
func Build(policy Policy, variants []model.Variant, tasks []model.Task, replications int, seed int64) ([]model.Slot, error) {
	if replications < 1 {
		replications = 1
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("schedule: no variants")
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("schedule: no tasks")
	}

	type cell struct {
		variantIdx int
		taskIdx    int
		replIdx    int
	}
	var cells []cell
	for vi := range variants {
		for ti := range tasks {
			for r := 0; r < replications; r++ {
				cells = append(cells, cell{vi, ti, r})
			}
		}
	}

	switch policy {
	case model.PolicyVariantSequential:
		sort.SliceStable(cells, func(i, j int) bool {
			a, b := cells[i], cells[j]
			if a.variantIdx != b.variantIdx {
				return variantLess(a.variantIdx, b.variantIdx, variants)
			}
			if a.taskIdx != b.taskIdx {
				return variants0(a.taskIdx, b.taskIdx, tasks)
			}
			return a.replIdx < b.replIdx
		})
	case model.PolicyPairedInterleaved:
		sort.SliceStable(cells, func(i, j int) bool {
			a, b := cells[i], cells[j]
			if a.taskIdx != b.taskIdx {
				return variants0(a.taskIdx, b.taskIdx, tasks)
			}
			if a.variantIdx != b.variantIdx {
				return variantLess(a.variantIdx, b.variantIdx, variants)
			}
			return a.replIdx < b.replIdx
		})
	case model.PolicyRandomized:
		// Deterministic under seed: a seeded PRNG shuffle, not re-sorted
		// afterward, since (variant, task, repl) cells are already unique
		// and the policy's whole point is to not fall back to a fixed order.
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(cells), func(i, j int) { cells[i], cells[j] = cells[j], cells[i] })
	default:
		return nil, fmt.Errorf("schedule: unrecognized policy %q", policy)
	}

	slots := make([]model.Slot, 0, len(cells))
	for i, c := range cells {
		v := variants[c.variantIdx]
		t := tasks[c.taskIdx]
		chainID := ""
		if v.RequiresChainLease {
			chainID = v.VariantID + "/" + t.TaskID
		}
		slots = append(slots, model.Slot{
			ScheduleIdx: i,
			VariantIdx:  c.variantIdx,
			TaskIdx:     c.taskIdx,
			ReplIdx:     c.replIdx,
			VariantID:   v.VariantID,
			TaskID:      t.TaskID,
			ChainID:     chainID,
		})
	}
	return slots, nil
}

// variants0 orders by task_id lexicographically; kept as a tiny helper
// so the two policy branches above read the same way.
func variants0(aTaskIdx, bTaskIdx int, tasks []model.Task) bool {
	return tasks[aTaskIdx].TaskID < tasks[bTaskIdx].TaskID
}

// variantLess orders by variant_id lexicographically, the tie-break key
// this package documents.
func variantLess(aVariantIdx, bVariantIdx int, variants []model.Variant) bool {
	return variants[aVariantIdx].VariantID < variants[bVariantIdx].VariantID
}
