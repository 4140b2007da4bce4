// Package control implements the pause/stop/kill fan-out: a two-phase
// checkpoint handshake for pause, and a mandatory backend-propagated
// stop for kill. Metadata-only kill is prohibited: this package has no
// code path that flips a run to killed without calling
// backend.RequestStop for every active worker first.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/worker"
)

// Outcome is one trial's control handshake result.
type Outcome struct {
	TrialID string
	WorkerID string
	Acked   bool
	Err     error
}

// FanOut drives one control action (checkpoint or stop) across every
// active trial concurrently and waits up to timeout for each ack.
// Acks are collected independently per trial so one slow/dead worker
// never blocks the others from acking within the deadline.
func FanOut(ctx context.Context, backend worker.Backend, active map[string]model.ActiveTrial, label string, timeout time.Duration) []Outcome {
	type result struct {
		idx int
		out Outcome
	}
	trialIDs := make([]string, 0, len(active))
	for id := range active {
		trialIDs = append(trialIDs, id)
	}
	ch := make(chan result, len(trialIDs))
	for i, trialID := range trialIDs {
		at := active[trialID]
		go func(i int, trialID string, at model.ActiveTrial) {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			ack, err := backend.RequestPause(cctx, at.WorkerID, label)
			ch <- result{i, Outcome{TrialID: trialID, WorkerID: at.WorkerID, Acked: err == nil && ack.CheckpointTaken, Err: err}}
		}(i, trialID, at)
	}
	outcomes := make([]Outcome, len(trialIDs))
	for range trialIDs {
		r := <-ch
		outcomes[r.idx] = r.out
	}
	return outcomes
}

// StopAll requests backend.RequestStop for every active trial's
// worker, best-effort: it does not block waiting for confirmation.
// Used by both the pause handshake's second phase and by Kill.
func StopAll(ctx context.Context, backend worker.Backend, active map[string]model.ActiveTrial, reason string) []Outcome {
	type result struct {
		idx int
		out Outcome
	}
	trialIDs := make([]string, 0, len(active))
	for id := range active {
		trialIDs = append(trialIDs, id)
	}
	ch := make(chan result, len(trialIDs))
	for i, trialID := range trialIDs {
		at := active[trialID]
		go func(i int, trialID string, at model.ActiveTrial) {
			err := backend.RequestStop(ctx, at.WorkerID, reason)
			ch <- result{i, Outcome{TrialID: trialID, WorkerID: at.WorkerID, Acked: err == nil, Err: err}}
		}(i, trialID, at)
	}
	outcomes := make([]Outcome, len(trialIDs))
	for range trialIDs {
		r := <-ch
		outcomes[r.idx] = r.out
	}
	return outcomes
}

// Result is the overall disposition of a Pause or Kill call.
type Result struct {
	// Status is the run status the caller should persist:
	// model.RunPaused on a clean two-phase handshake, model.RunInterrupted
	// if any trial failed to ack within its boundary, model.RunKilled
	// for Kill.
	Status     model.RunStatus
	Checkpoint []Outcome
	Stop       []Outcome
	// Surviving lists trial_ids that did not ack and must remain in
	// run_control.active_trials so surviving trials are persisted.
	Surviving []string
}

// Pause executes the two-phase checkpoint handshake:
// write checkpoint to every active trial, await
// control_ack{action_observed=checkpoint}, then write stop and await
// control_ack{action_observed=stop}. On partial failure the run
// becomes interrupted and un-acked trials are reported as surviving
// rather than dropped.
func Pause(ctx context.Context, backend worker.Backend, active map[string]model.ActiveTrial, boundaryTimeout time.Duration, log logr.Logger) Result {
	if len(active) == 0 {
		return Result{Status: model.RunPaused}
	}
	checkpointOutcomes := FanOut(ctx, backend, active, "checkpoint", boundaryTimeout)

	ackedByTrial := make(map[string]bool, len(checkpointOutcomes))
	anyMissed := false
	for _, o := range checkpointOutcomes {
		ackedByTrial[o.TrialID] = o.Acked
		if !o.Acked {
			anyMissed = true
			log.Info("pause checkpoint not acked within boundary", "trial_id", o.TrialID, "worker_id", o.WorkerID, "err", o.Err)
		}
	}

	stopOutcomes := StopAll(ctx, backend, active, "pause")
	var surviving []string
	for _, o := range stopOutcomes {
		if !ackedByTrial[o.TrialID] || !o.Acked {
			surviving = append(surviving, o.TrialID)
		}
	}

	status := model.RunPaused
	if anyMissed || len(surviving) > 0 {
		status = model.RunInterrupted
	}
	return Result{Status: status, Checkpoint: checkpointOutcomes, Stop: stopOutcomes, Surviving: surviving}
}

// Kill requests backend stop for every active trial and always
// reports model.RunKilled: kill is unconditional once control leaves
// this function. A metadata-only kill that never reaches the backend
// is prohibited.
func Kill(ctx context.Context, backend worker.Backend, active map[string]model.ActiveTrial, reason string) Result {
	outcomes := StopAll(ctx, backend, active, reason)
	return Result{Status: model.RunKilled, Stop: outcomes}
}

// ErrBoundaryTimeout is returned by callers that want to distinguish a
// clean pause from one where at least one trial missed its boundary,
// matching the boundary_timeout error kind.
var ErrBoundaryTimeout = fmt.Errorf("control: boundary_timeout")
