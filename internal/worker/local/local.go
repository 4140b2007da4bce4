// Package local implements a bounded thread-pool WorkerBackend:
// Submit enqueues a dispatch and returns a ticket
// immediately; a fixed pool of goroutines drains the queue and runs
// each dispatch through a caller-supplied Execute function (normally
// internal/executor's TrialExecutor.ExecuteSlot), pushing completions
// onto a channel that PollCompletions drains non-blockingly.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/worker"
)

// Execute runs one trial to completion. Implementations must never
// mutate run-level state directly or write fact streams — they return
// a completion and the backend hands it to the coordinator.
type Execute func(ctx context.Context, dispatch model.DispatchPayload) model.Completion

// Backend is a bounded local thread pool implementing worker.Backend.
type Backend struct {
	exec     Execute
	capacity int
	workerID string

	queue      chan job
	completions chan model.Completion
	wg         sync.WaitGroup

	ticketSeq int64

	mu          sync.Mutex
	quarantined bool

	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	ticket   worker.Ticket
	dispatch model.DispatchPayload
}

// New starts capacity worker goroutines backed by exec. queueDepth
// bounds how many submitted-but-not-yet-picked-up dispatches may sit
// in the queue before Submit returns ErrCapacitySaturated; this is the
// explicit per-backend ceiling, which may be stricter than the run's
// overall max_concurrency.
func New(capacity, queueDepth int, exec Execute) *Backend {
	if capacity < 1 {
		capacity = 1
	}
	if queueDepth < capacity {
		queueDepth = capacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		exec:        exec,
		capacity:    capacity,
		workerID:    "local-pool",
		queue:       make(chan job, queueDepth),
		completions: make(chan model.Completion, queueDepth*2),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < capacity; i++ {
		b.wg.Add(1)
		go b.runWorker()
	}
	return b
}

func (b *Backend) runWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case j, ok := <-b.queue:
			if !ok {
				return
			}
			completion := b.exec(b.ctx, j.dispatch)
			completion.TicketID = j.ticket.TicketID
			completion.WorkerID = j.ticket.WorkerID
			select {
			case b.completions <- completion:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// Submit implements worker.Backend.
func (b *Backend) Submit(ctx context.Context, dispatch model.DispatchPayload) (worker.Ticket, error) {
	if b.Quarantined() {
		return worker.Ticket{}, worker.ErrProtocolError
	}
	seq := atomic.AddInt64(&b.ticketSeq, 1)
	ticket := worker.Ticket{
		WorkerID: b.workerID,
		TicketID: fmt.Sprintf("local-%s-%d", dispatch.TrialID, seq),
		TrialID:  dispatch.TrialID,
	}
	select {
	case b.queue <- job{ticket: ticket, dispatch: dispatch}:
		return ticket, nil
	default:
		return worker.Ticket{}, worker.ErrCapacitySaturated
	}
}

// PollCompletions implements worker.Backend: non-blocking drain bounded
// by timeout, returning whatever has accumulated without losing
// anything not yet returned, so repeated polls lose nothing.
func (b *Backend) PollCompletions(ctx context.Context, timeout time.Duration) ([]model.Completion, error) {
	if b.Quarantined() {
		return nil, worker.ErrProtocolError
	}
	var out []model.Completion
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case c := <-b.completions:
		out = append(out, c)
	case <-deadline.C:
		return out, nil
	case <-ctx.Done():
		return out, ctx.Err()
	}
	for {
		select {
		case c := <-b.completions:
			out = append(out, c)
		default:
			return out, nil
		}
	}
}

// RequestPause implements worker.Backend. The local backend has no
// separate worker process to signal out of band; it acknowledges
// immediately since the executor itself checks for cancellation at
// its own step boundaries via ctx.
func (b *Backend) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	return worker.PauseAck{WorkerID: workerID, CheckpointTaken: true}, nil
}

// RequestStop implements worker.Backend by cancelling the shared pool
// context; since all trial executions share one context in this
// in-process backend, a stop targets the whole pool rather than one
// worker goroutine (the local backend has no per-trial process to
// single out).
func (b *Backend) RequestStop(ctx context.Context, workerID, reason string) error {
	b.cancel()
	return nil
}

// Quarantined implements worker.Backend.
func (b *Backend) Quarantined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quarantined
}

// Quarantine marks the backend permanently faulted, used by the
// coordinator when it detects a completion for an unknown ticket: that
// is a protocol fault and it quarantines the backend.
func (b *Backend) Quarantine() {
	b.mu.Lock()
	b.quarantined = true
	b.mu.Unlock()
}

// Close stops accepting work and waits for in-flight executions to
// return.
func (b *Backend) Close() {
	close(b.queue)
	b.wg.Wait()
	b.cancel()
}

var _ worker.Backend = (*Backend)(nil)
