// Package committer implements the deterministic committer:
// completions arrive out of order from a worker
// backend, are buffered by schedule_idx, and are committed strictly in
// schedule order through the slot commit journal (internal/journal)
// and run sink (internal/sink). In-memory dispatch accounting
// (internal/dispatch) and variant pruning only advance after a
// commit's write protocol has fully persisted: counters never get
// ahead of what is actually durable.
package committer

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/dispatch"
	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
	"github.com/agentlab/runner/internal/sink"
)

// Pruned is reported by Drain for each variant that just crossed its
// consecutive-failure threshold, so the caller can persist a
// variant_snapshots pruning row (the committer itself only flips the
// in-memory/progress bits; the pruning fact row's shape is the
// coordinator's concern since it may want run-specific metadata on it).
type Pruned struct {
	VariantID string
	AtSlot    int
}

// Committed is reported by Drain for each slot whose commit just
// persisted, in commit order.
type Committed struct {
	Slot         model.Slot
	Completion   model.Completion
	SlotCommitID string
}

// Committer buffers out-of-order completions and drains the
// contiguous prefix starting at the schedule's next commit index.
type Committer struct {
	journal  *journal.Journal
	sink     sink.RunSink
	progress *runstate.ScheduleProgress
	store    *runstate.Store
	dispatch *dispatch.State
	variants map[string]model.Variant
	log      logr.Logger

	buffer map[int]pending
}

type pending struct {
	slot       model.Slot
	completion model.Completion
}

// New constructs a Committer for one run. variants maps variant_id to
// its resolved config (for MaxConsecutiveFail and pruning checks).
func New(j *journal.Journal, s sink.RunSink, progress *runstate.ScheduleProgress, store *runstate.Store, d *dispatch.State, variants map[string]model.Variant, log logr.Logger) *Committer {
	if progress.ConsecutiveFailByVariant == nil {
		progress.ConsecutiveFailByVariant = make(map[string]int)
	}
	return &Committer{
		journal:  j,
		sink:     s,
		progress: progress,
		store:    store,
		dispatch: d,
		variants: variants,
		log:      log,
		buffer:   make(map[int]pending),
	}
}

// Buffer records an arrived completion for slot and then drains every
// contiguous committable prefix starting at the current
// next_schedule_index. Arrival order has no bearing on commit order;
// commit ordering is independent of arrival ordering.
func (c *Committer) Buffer(slot model.Slot, completion model.Completion) ([]Committed, []Pruned, error) {
	if c.progress.IsCompleted(slot.ScheduleIdx) {
		// Duplicate completion for an already-committed slot: idempotent
		// drop.
		return nil, nil, nil
	}
	c.buffer[slot.ScheduleIdx] = pending{slot: slot, completion: completion}
	return c.drain()
}

// Skip resolves slot as settled without ever dispatching a trial: its
// variant was pruned by an earlier commit before the gate admitted it.
// It writes a journal skip record so recovery treats the index as part
// of the committed/skipped prefix, advances progress the same way a
// commit does, and then drains any buffered completions the skip just
// unblocked (a later slot may have arrived and been waiting behind
// this one).
func (c *Committer) Skip(slot model.Slot, reason string) ([]Committed, []Pruned, error) {
	if c.progress.IsCompleted(slot.ScheduleIdx) {
		return nil, nil, nil
	}
	if err := c.journal.Skip(slot.ScheduleIdx, reason); err != nil {
		return nil, nil, fmt.Errorf("committer: write skip record: %w", err)
	}
	c.progress.MarkCompleted(model.CompletedSlot{
		ScheduleIdx: slot.ScheduleIdx,
		Status:      model.TrialSkipped,
		SkipReason:  reason,
	})
	if err := c.store.SaveProgress(c.progress); err != nil {
		return nil, nil, fmt.Errorf("committer: save progress after skip: %w", err)
	}
	c.log.Info("slot skipped", "schedule_idx", slot.ScheduleIdx, "reason", reason)
	return c.drain()
}

func (c *Committer) drain() ([]Committed, []Pruned, error) {
	var committed []Committed
	var pruned []Pruned
	for {
		idx := c.progress.NextScheduleIndex
		p, ok := c.buffer[idx]
		if !ok {
			break
		}
		delete(c.buffer, idx)

		slotCommitID, err := c.commitOne(p.slot, p.completion)
		if err != nil {
			return committed, pruned, fmt.Errorf("committer: commit slot %d: %w", idx, err)
		}
		committed = append(committed, Committed{Slot: p.slot, Completion: p.completion, SlotCommitID: slotCommitID})

		c.dispatch.MarkCompleted(p.slot)

		if p.completion.TerminalStatus == model.TrialFailed {
			if c.recordFailure(p.slot.VariantID) {
				c.dispatch.Prune(p.slot.VariantID)
				c.progress.PruneVariant(p.slot.VariantID)
				pruned = append(pruned, Pruned{VariantID: p.slot.VariantID, AtSlot: idx})
			}
		} else {
			c.resetFailureStreak(p.slot.VariantID)
		}

		if err := c.store.SaveProgress(c.progress); err != nil {
			return committed, pruned, fmt.Errorf("committer: save progress: %w", err)
		}
	}
	return committed, pruned, nil
}

// commitOne executes the journal's write protocol for one slot:
// intent, rows, commit, then progress advancement (the caller saves
// progress once after every drained slot).
func (c *Committer) commitOne(slot model.Slot, completion model.Completion) (string, error) {
	allRows := allDeferredRows(completion)

	type payloadShape struct {
		Slot       model.Slot       `json:"slot"`
		Completion model.Completion `json:"completion"`
	}
	slotCommitID, err := journal.SlotCommitID(payloadShape{Slot: slot, Completion: completion})
	if err != nil {
		return "", fmt.Errorf("compute slot_commit_id: %w", err)
	}

	expected := countByKind(allRows)
	if err := c.journal.Intent(slotCommitID, slot.ScheduleIdx, completion.TrialID, completion.Attempt, expected, slotCommitID); err != nil {
		return "", fmt.Errorf("write intent: %w", err)
	}

	for i := range allRows {
		allRows[i].SlotCommitID = slotCommitID
	}
	if err := c.appendByKind(allRows); err != nil {
		return "", fmt.Errorf("append rows: %w", err)
	}
	if err := c.sink.Flush(); err != nil {
		return "", fmt.Errorf("flush sink: %w", err)
	}

	written := countByKind(allRows)
	if err := c.journal.Commit(slotCommitID, slot.ScheduleIdx, completion.TrialID, completion.Attempt, written); err != nil {
		return "", fmt.Errorf("write commit: %w", err)
	}

	c.progress.MarkCompleted(model.CompletedSlot{
		ScheduleIdx:  slot.ScheduleIdx,
		TrialID:      completion.TrialID,
		Status:       completion.TerminalStatus,
		SlotCommitID: slotCommitID,
		Attempt:      completion.Attempt,
	})

	c.log.V(1).Info("slot committed", "schedule_idx", slot.ScheduleIdx, "trial_id", completion.TrialID, "slot_commit_id", slotCommitID)
	return slotCommitID, nil
}

func allDeferredRows(c model.Completion) []model.FactRow {
	total := len(c.DeferredSinkRows) + len(c.DeferredEvidenceRows) + len(c.DeferredChainRows) + len(c.DeferredBenchmarkRows)
	rows := make([]model.FactRow, 0, total)
	rows = append(rows, c.DeferredSinkRows...)
	rows = append(rows, c.DeferredEvidenceRows...)
	rows = append(rows, c.DeferredChainRows...)
	rows = append(rows, c.DeferredBenchmarkRows...)
	return rows
}

func countByKind(rows []model.FactRow) map[string]int {
	out := make(map[string]int)
	for _, r := range rows {
		out[string(r.Kind)]++
	}
	return out
}

func (c *Committer) appendByKind(rows []model.FactRow) error {
	byKind := make(map[model.FactRowKind][]model.FactRow)
	for _, r := range rows {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}
	// Deterministic iteration order so retries of a partially-failed
	// append (rare: sink appends are themselves durable) produce the
	// same stream ordering on replay.
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, ks := range kinds {
		k := model.FactRowKind(ks)
		rs := byKind[k]
		var err error
		switch k {
		case model.KindTrial:
			for _, r := range rs {
				if err = c.sink.AppendTrialRecord(r); err != nil {
					break
				}
			}
		case model.KindMetricLong:
			err = c.sink.AppendMetricRows(rs)
		case model.KindEvent:
			err = c.sink.AppendEventRows(rs)
		case model.KindVariantSnapshot:
			err = c.sink.AppendVariantSnapshot(rs)
		case model.KindEvidence, model.KindTaskChainState:
			err = c.sink.AppendEvidenceRows(rs)
		case model.KindBenchmarkPrediction:
			err = c.sink.AppendBenchmarkPredictionRows(rs)
		case model.KindBenchmarkScore:
			err = c.sink.AppendBenchmarkScoreRows(rs)
		default:
			err = fmt.Errorf("unrecognized fact row kind %q", k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// recordFailure increments variantID's durable consecutive-failure
// counter (schedule_progress.consecutive_fail_by_variant) and reports
// whether it just crossed the variant's configured MaxConsecutiveFail
// threshold. The counter lives on progress itself, not in committer
// memory, so a crash and `continue` resumes the streak instead of
// silently restarting it at zero.
func (c *Committer) recordFailure(variantID string) bool {
	v, ok := c.variants[variantID]
	if !ok || v.MaxConsecutiveFail <= 0 {
		return false
	}
	if c.progress.ConsecutiveFailByVariant == nil {
		c.progress.ConsecutiveFailByVariant = make(map[string]int)
	}
	c.progress.ConsecutiveFailByVariant[variantID]++
	return c.progress.ConsecutiveFailByVariant[variantID] >= v.MaxConsecutiveFail
}

func (c *Committer) resetFailureStreak(variantID string) {
	delete(c.progress.ConsecutiveFailByVariant, variantID)
}
