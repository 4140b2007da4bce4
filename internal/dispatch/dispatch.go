// Package dispatch implements the admission control gate:
// for each candidate slot, decide whether it may be submitted to a
// worker right now given global/per-variant concurrency ceilings,
// chain-lease exclusivity, pruning, and engine lease freshness.
package dispatch

import (
	"time"

	"github.com/agentlab/runner/internal/model"
)

// Reason explains why a slot is not currently dispatchable.
type Reason string

const (
	ReasonNotNext         Reason = "not_next_in_schedule"
	ReasonGlobalSaturated Reason = "global_concurrency_saturated"
	ReasonVariantSaturated Reason = "variant_concurrency_saturated"
	ReasonVariantPruned   Reason = "variant_pruned"
	ReasonChainBusy       Reason = "chain_lease_busy"
	ReasonLeaseStale      Reason = "engine_lease_stale"
)

// State is the mutable admission state the coordinator owns and
// mutates only after successful dispatch/commit: in-memory counters
// advance only after persistence succeeds.
type State struct {
	MaxConcurrency   int
	VariantMaxParallel map[string]int // 0 = unbounded
	InFlightGlobal   int
	InFlightByVariant map[string]int
	PrunedVariants   map[string]bool
	ChainBusy        map[string]bool // key: variant_id + "/" + chain_id
}

// NewState initializes admission state from the resolved variant set.
func NewState(maxConcurrency int, variants []model.Variant) *State {
	s := &State{
		MaxConcurrency:      maxConcurrency,
		VariantMaxParallel:  make(map[string]int, len(variants)),
		InFlightByVariant:   make(map[string]int, len(variants)),
		PrunedVariants:      make(map[string]bool),
		ChainBusy:           make(map[string]bool),
	}
	for _, v := range variants {
		s.VariantMaxParallel[v.VariantID] = v.MaxParallelTrials
	}
	return s
}

// Gate evaluates the admission predicate for the slot
// at nextDispatchIdx against the live schedule.
type Gate struct {
	state *State
}

// NewGate wraps state for admission evaluation.
func NewGate(state *State) *Gate { return &Gate{state: state} }

// EngineLeaseFresh abstracts the freshness check so this package does
// not import internal/lease directly; the coordinator supplies it.
type EngineLeaseFresh func(now time.Time) bool

// Admit reports whether slot may be dispatched right now, given that
// it sits at nextDispatchIdx in the schedule (the gate never admits
// out of order: the coordinator only ever calls Admit for the current
// cursor position).
func (g *Gate) Admit(slot model.Slot, nextDispatchIdx int, leaseFresh EngineLeaseFresh, now time.Time) (bool, Reason) {
	if slot.ScheduleIdx != nextDispatchIdx {
		return false, ReasonNotNext
	}
	if !leaseFresh(now) {
		return false, ReasonLeaseStale
	}
	if g.state.PrunedVariants[slot.VariantID] {
		return false, ReasonVariantPruned
	}
	if g.state.InFlightGlobal >= g.state.MaxConcurrency {
		return false, ReasonGlobalSaturated
	}
	if cap := g.state.VariantMaxParallel[slot.VariantID]; cap > 0 && g.state.InFlightByVariant[slot.VariantID] >= cap {
		return false, ReasonVariantSaturated
	}
	if slot.ChainID != "" && g.state.ChainBusy[chainKey(slot.VariantID, slot.ChainID)] {
		return false, ReasonChainBusy
	}
	return true, ""
}

func chainKey(variantID, chainID string) string {
	return variantID + "/" + chainID
}

// MarkDispatched records a slot as in-flight. Called only after
// backend.submit succeeds.
func (s *State) MarkDispatched(slot model.Slot) {
	s.InFlightGlobal++
	s.InFlightByVariant[slot.VariantID]++
	if slot.ChainID != "" {
		s.ChainBusy[chainKey(slot.VariantID, slot.ChainID)] = true
	}
}

// MarkCompleted releases a slot's in-flight accounting. Called only
// after the slot's commit has persisted.
func (s *State) MarkCompleted(slot model.Slot) {
	if s.InFlightGlobal > 0 {
		s.InFlightGlobal--
	}
	if s.InFlightByVariant[slot.VariantID] > 0 {
		s.InFlightByVariant[slot.VariantID]--
	}
	if slot.ChainID != "" {
		delete(s.ChainBusy, chainKey(slot.VariantID, slot.ChainID))
	}
}

// Prune marks a variant pruned, blocking further dispatch while
// permitting already in-flight trials of that variant to finish.
func (s *State) Prune(variantID string) {
	s.PrunedVariants[variantID] = true
}
