package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/worker"
)

// fakeBackend lets tests script per-worker pause/stop behavior without
// standing up a real local or remote backend.
type fakeBackend struct {
	pauseResult map[string]worker.PauseAck
	pauseErr    map[string]error
	pauseDelay  map[string]time.Duration
	stopped     map[string]string // worker_id -> reason
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pauseResult: make(map[string]worker.PauseAck),
		pauseErr:    make(map[string]error),
		pauseDelay:  make(map[string]time.Duration),
		stopped:     make(map[string]string),
	}
}

func (f *fakeBackend) Submit(ctx context.Context, d model.DispatchPayload) (worker.Ticket, error) {
	return worker.Ticket{}, nil
}
func (f *fakeBackend) PollCompletions(ctx context.Context, timeout time.Duration) ([]model.Completion, error) {
	return nil, nil
}
func (f *fakeBackend) RequestPause(ctx context.Context, workerID, label string) (worker.PauseAck, error) {
	if d, ok := f.pauseDelay[workerID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return worker.PauseAck{}, ctx.Err()
		}
	}
	if err, ok := f.pauseErr[workerID]; ok {
		return worker.PauseAck{}, err
	}
	if ack, ok := f.pauseResult[workerID]; ok {
		return ack, nil
	}
	return worker.PauseAck{WorkerID: workerID, CheckpointTaken: true}, nil
}
func (f *fakeBackend) RequestStop(ctx context.Context, workerID, reason string) error {
	f.stopped[workerID] = reason
	return nil
}
func (f *fakeBackend) Quarantined() bool { return false }
func (f *fakeBackend) Quarantine()       {}

var _ worker.Backend = (*fakeBackend)(nil)

func TestPauseCleanHandshakeAcksAllAndReportsPaused(t *testing.T) {
	backend := newFakeBackend()
	active := map[string]model.ActiveTrial{
		"trial-1": {WorkerID: "w1"},
		"trial-2": {WorkerID: "w2"},
	}
	result := Pause(context.Background(), backend, active, time.Second, logr.Discard())
	if result.Status != model.RunPaused {
		t.Errorf("Status = %q, want %q", result.Status, model.RunPaused)
	}
	if len(result.Surviving) != 0 {
		t.Errorf("Surviving = %v, want empty", result.Surviving)
	}
	if len(backend.stopped) != 2 {
		t.Errorf("expected RequestStop called for both workers, got %+v", backend.stopped)
	}
}

func TestPausePartialFailureReportsInterruptedAndSurvivingTrial(t *testing.T) {
	backend := newFakeBackend()
	backend.pauseErr["w2"] = errors.New("worker unreachable")
	active := map[string]model.ActiveTrial{
		"trial-1": {WorkerID: "w1"},
		"trial-2": {WorkerID: "w2"},
	}
	result := Pause(context.Background(), backend, active, time.Second, logr.Discard())
	if result.Status != model.RunInterrupted {
		t.Errorf("Status = %q, want %q", result.Status, model.RunInterrupted)
	}
	if len(result.Surviving) != 1 || result.Surviving[0] != "trial-2" {
		t.Errorf("Surviving = %v, want [trial-2]", result.Surviving)
	}
}

func TestPauseBoundaryTimeoutMarksRunInterrupted(t *testing.T) {
	backend := newFakeBackend()
	backend.pauseDelay["w-slow"] = time.Second
	active := map[string]model.ActiveTrial{
		"trial-slow": {WorkerID: "w-slow"},
	}
	result := Pause(context.Background(), backend, active, 20*time.Millisecond, logr.Discard())
	if result.Status != model.RunInterrupted {
		t.Errorf("Status = %q, want %q", result.Status, model.RunInterrupted)
	}
	if len(result.Surviving) != 1 || result.Surviving[0] != "trial-slow" {
		t.Errorf("Surviving = %v, want [trial-slow]", result.Surviving)
	}
}

func TestPauseWithNoActiveTrialsIsImmediatelyPaused(t *testing.T) {
	result := Pause(context.Background(), newFakeBackend(), nil, time.Second, logr.Discard())
	if result.Status != model.RunPaused {
		t.Errorf("Status = %q, want %q", result.Status, model.RunPaused)
	}
}

func TestKillAlwaysRequestsStopAndReportsKilled(t *testing.T) {
	backend := newFakeBackend()
	active := map[string]model.ActiveTrial{
		"trial-1": {WorkerID: "w1"},
		"trial-2": {WorkerID: "w2"},
	}
	result := Kill(context.Background(), backend, active, "user_requested")
	if result.Status != model.RunKilled {
		t.Errorf("Status = %q, want %q", result.Status, model.RunKilled)
	}
	if backend.stopped["w1"] != "user_requested" || backend.stopped["w2"] != "user_requested" {
		t.Errorf("expected RequestStop(reason=user_requested) for every worker, got %+v", backend.stopped)
	}
}
