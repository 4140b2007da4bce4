// Package worker defines the WorkerBackend trait: the
// abstract execution transport the coordinator dispatches trials
// through. internal/worker/local implements it with a bounded thread
// pool; internal/worker/remote implements it over HTTP.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/agentlab/runner/internal/model"
)

// ErrCapacitySaturated is a retryable submit failure: the gate should
// stall dispatch and re-poll completions rather than failing the run.
var ErrCapacitySaturated = errors.New("worker: capacity_saturated")

// ErrProtocolError is a fatal submit/poll failure that quarantines the backend.
var ErrProtocolError = errors.New("worker: protocol_error")

// Ticket identifies a submitted trial within a backend.
type Ticket struct {
	WorkerID string `json:"worker_id"`
	TicketID string `json:"ticket_id"`
	TrialID  string `json:"trial_id"`
}

// PauseAck acknowledges a cooperative pause request.
type PauseAck struct {
	WorkerID         string `json:"worker_id"`
	CheckpointTaken  bool   `json:"checkpoint_taken"`
}

// Backend is the polymorphic seam in this system alongside RunSink:
// "small, total, and contract-tested with fake implementations."
type Backend interface {
	// Submit dispatches a trial. It may return ErrCapacitySaturated
	// (retryable) or ErrProtocolError (fatal, quarantines the backend).
	Submit(ctx context.Context, dispatch model.DispatchPayload) (Ticket, error)

	// PollCompletions drains available completions, non-blocking beyond
	// timeout, bounded by an implementation-defined per-call batch size.
	// Losslessly continues across polls: a completion not returned in
	// one call remains available in the next.
	PollCompletions(ctx context.Context, timeout time.Duration) ([]model.Completion, error)

	// RequestPause asks worker_id to checkpoint at its next safe
	// boundary; the ack indicates whether a checkpoint was taken.
	RequestPause(ctx context.Context, workerID, label string) (PauseAck, error)

	// RequestStop asks worker_id to stop; best-effort, does not block
	// on confirmation beyond the backend's own timeout handling.
	RequestStop(ctx context.Context, workerID, reason string) error

	// Quarantined reports whether a protocol fault has disabled this
	// backend; once true, Submit/Poll must keep failing.
	Quarantined() bool

	// Quarantine disables the backend after a protocol fault: every
	// subsequent Submit/Poll must fail until the run is recovered.
	Quarantine()
}
