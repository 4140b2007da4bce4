// Package coordinator implements the run coordinator outer loop: the
// single mutable-state owner that advances the dispatch cursor under
// admission control, drains worker completions through the
// deterministic committer, and honors pause/stop/kill requests only at
// safe (non-mid-commit) boundaries. All run-level mutation happens on
// this one goroutine; workers communicate only through
// model.Completion and the typed control acks in internal/control.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentlab/runner/internal/committer"
	"github.com/agentlab/runner/internal/control"
	"github.com/agentlab/runner/internal/dispatch"
	"github.com/agentlab/runner/internal/durafs"
	"github.com/agentlab/runner/internal/ids"
	"github.com/agentlab/runner/internal/lease"
	"github.com/agentlab/runner/internal/metrics"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
	"github.com/agentlab/runner/internal/worker"
)

// Config parameterizes one coordinator loop invocation.
type Config struct {
	RunID           string
	RunDir          string
	OwnerID         string
	Host            string
	MaxConcurrency  int
	PollTimeout     time.Duration
	BoundaryTimeout time.Duration
	LeaseTTL        time.Duration
	HeartbeatEvery  time.Duration
	// RuntimeProfile is merged into every dispatch's RuntimeProfile
	// (agent_command, grader_command, timeout_seconds, default_image).
	RuntimeProfile map[string]any
}

// Coordinator is the run-level mutable-state owner.
type Coordinator struct {
	cfg       Config
	backend   worker.Backend
	committer *committer.Committer
	progress  *runstate.ScheduleProgress
	control   *runstate.RunControl
	store     *runstate.Store
	dispatch  *dispatch.State
	gate      *dispatch.Gate
	variants  map[string]model.Variant
	engine    *lease.EngineLeaseFile
	engineVal *lease.EngineLease
	ids       *ids.Source
	metrics   *metrics.Registry
	log       logr.Logger

	dispatchCursor int
	lastHeartbeat  time.Time
	tasksByID      map[string]model.Task
}

// New assembles a Coordinator from its already-opened dependencies.
// dispatchState is shared with cm (internal/committer marks slots
// completed on the same State the coordinator's gate reads admission
// decisions from) — callers build it once via NewDispatchState and
// pass the same pointer into both committer.New and this constructor.
// Callers (normally cmd/agentlabrunner) are responsible for Open()-ing
// the journal/sink/artifact store/schedule and constructing variants,
// progress, and control before calling New.
func New(cfg Config, backend worker.Backend, cm *committer.Committer, dispatchState *dispatch.State, progress *runstate.ScheduleProgress, ctrl *runstate.RunControl, store *runstate.Store, variants map[string]model.Variant, engine *lease.EngineLeaseFile, engineVal *lease.EngineLease, m *metrics.Registry, log logr.Logger) *Coordinator {
	cursor := progress.NextScheduleIndex
	for _, at := range ctrl.ActiveTrials {
		if at.ScheduleIdx >= cursor {
			cursor = at.ScheduleIdx + 1
		}
	}

	return &Coordinator{
		cfg: cfg, backend: backend, committer: cm, progress: progress, control: ctrl,
		store: store, dispatch: dispatchState, gate: dispatch.NewGate(dispatchState),
		variants: variants, engine: engine, engineVal: engineVal, ids: ids.NewSource(),
		metrics: m, log: log, dispatchCursor: cursor,
	}
}

// NewDispatchState builds the admission state shared between a
// Coordinator and its Committer, re-seeding in-flight accounting from
// whatever schedule_progress/run_control already record so a
// re-entrant `continue` never re-admits a slot that is already
// dispatched or already committed.
func NewDispatchState(maxConcurrency int, variants map[string]model.Variant, progress *runstate.ScheduleProgress, ctrl *runstate.RunControl) *dispatch.State {
	dispatchState := dispatch.NewState(maxConcurrency, variantSlice(variants))
	for _, v := range progress.PrunedVariants {
		dispatchState.Prune(v)
	}
	for _, at := range ctrl.ActiveTrials {
		dispatchState.MarkDispatched(progress.Schedule[at.ScheduleIdx])
	}
	return dispatchState
}

func variantSlice(m map[string]model.Variant) []model.Variant {
	out := make([]model.Variant, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Run drives the coordinator loop to completion, pause, or kill,
// returning the terminal model.RunStatus it persisted. It blocks until
// one of those terminal conditions or ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) (model.RunStatus, error) {
	c.control.Status = model.RunRunning
	if err := c.store.SaveControl(c.control); err != nil {
		return model.RunFailed, fmt.Errorf("coordinator: save control: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.interrupt("context canceled")
		}

		if !c.heartbeatFresh() {
			return c.interrupt("engine lease heartbeat failed")
		}

		if req, err := c.consumeControlRequest(); err != nil {
			c.log.Error(err, "read control request failed")
		} else if req != nil {
			return c.handleControlRequest(ctx, *req)
		}

		c.dispatchReady()

		timeout := c.cfg.PollTimeout
		if timeout <= 0 {
			timeout = 200 * time.Millisecond
		}
		completions, err := c.backend.PollCompletions(ctx, timeout)
		if err != nil {
			c.log.Error(err, "poll completions failed")
			return c.fail("poll_completions error: " + err.Error())
		}
		for _, comp := range completions {
			if err := c.handleCompletion(comp); err != nil {
				c.log.Error(err, "handle completion failed")
				return c.fail("commit error: " + err.Error())
			}
		}

		if c.isDone() {
			return c.complete()
		}
	}
}

// dispatchReady admits and submits every slot at the current cursor
// that the gate allows right now, advancing the cursor past each
// already-completed, admitted, or pruned-and-skipped slot. A blocked
// slot, a saturated or failed submit, or a failed skip ends the scan
// for this tick without advancing the cursor.
func (c *Coordinator) dispatchReady() {
	for c.dispatchCursor < len(c.progress.Schedule) {
		slot := c.progress.Schedule[c.dispatchCursor]
		if c.progress.IsCompleted(slot.ScheduleIdx) {
			c.dispatchCursor++
			continue
		}
		admitted, reason := c.gate.Admit(slot, c.dispatchCursor, c.leaseFresh, time.Now())
		if !admitted {
			if reason == dispatch.ReasonVariantPruned {
				if err := c.handleSkip(slot, reason); err != nil {
					c.log.Error(err, "skip pruned slot failed", "schedule_idx", slot.ScheduleIdx)
					return
				}
				c.dispatchCursor++
				continue
			}
			return
		}

		trialID := c.ids.New()
		dispatchPayload := model.DispatchPayload{
			RunID: c.cfg.RunID, TrialID: trialID, ScheduleIdx: slot.ScheduleIdx, Attempt: 1,
			Variant: c.variants[slot.VariantID], Task: c.taskForSlot(slot), RuntimeProfile: c.cfg.RuntimeProfile,
		}
		ticket, err := c.backend.Submit(context.Background(), dispatchPayload)
		if err != nil {
			if err == worker.ErrCapacitySaturated {
				return
			}
			c.log.Error(err, "submit failed, backend quarantined?", "schedule_idx", slot.ScheduleIdx)
			return
		}

		c.dispatch.MarkDispatched(slot)
		c.control.ActiveTrials[ticket.TrialID] = model.ActiveTrial{
			WorkerID: ticket.WorkerID, ScheduleIdx: slot.ScheduleIdx, VariantID: slot.VariantID,
			StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if c.metrics != nil {
			c.metrics.SlotsDispatched.Inc()
			c.metrics.InFlightGlobal.Set(float64(c.dispatch.InFlightGlobal))
		}
		_ = c.store.SaveControl(c.control)
		c.dispatchCursor++
	}
}

// taskForSlot resolves the task payload for slot; dataset tasks are
// supplied by the caller via WithTasks before Run is called.
func (c *Coordinator) taskForSlot(slot model.Slot) model.Task {
	if c.tasksByID == nil {
		return model.Task{TaskID: slot.TaskID}
	}
	if t, ok := c.tasksByID[slot.TaskID]; ok {
		return t
	}
	return model.Task{TaskID: slot.TaskID}
}

func (c *Coordinator) handleCompletion(comp model.Completion) error {
	at, ok := c.findActiveTrial(comp.TrialID)
	if !ok {
		c.backend.Quarantine()
		return fmt.Errorf("completion for unknown trial_id %q: protocol fault", comp.TrialID)
	}
	slot := c.progress.Schedule[at.ScheduleIdx]

	committedRows, pruned, err := c.committer.Buffer(slot, comp)
	if err != nil {
		return err
	}
	for _, cr := range committedRows {
		delete(c.control.ActiveTrials, cr.Completion.TrialID)
	}
	for _, p := range pruned {
		c.log.Info("variant pruned", "variant_id", p.VariantID, "at_slot", p.AtSlot)
		if c.metrics != nil {
			c.metrics.VariantsPruned.Inc()
		}
	}
	if c.metrics != nil {
		if comp.TerminalStatus == model.TrialFailed {
			c.metrics.SlotsFailed.Inc()
		} else {
			c.metrics.SlotsCommitted.Inc()
		}
		c.metrics.TrialAttempts.WithLabelValues(string(comp.Classification)).Inc()
		c.metrics.InFlightGlobal.Set(float64(c.dispatch.InFlightGlobal))
	}
	return c.store.SaveControl(c.control)
}

// handleSkip resolves a slot the gate will never admit (its variant is
// already pruned) without a trial: it records a durable skip entry
// through the committer so next_schedule_index advances past it
// instead of stalling the drain forever.
func (c *Coordinator) handleSkip(slot model.Slot, reason dispatch.Reason) error {
	committedRows, pruned, err := c.committer.Skip(slot, string(reason))
	if err != nil {
		return err
	}
	for _, cr := range committedRows {
		delete(c.control.ActiveTrials, cr.Completion.TrialID)
	}
	for _, p := range pruned {
		c.log.Info("variant pruned", "variant_id", p.VariantID, "at_slot", p.AtSlot)
		if c.metrics != nil {
			c.metrics.VariantsPruned.Inc()
		}
	}
	if c.metrics != nil {
		c.metrics.SlotsSkipped.Inc()
	}
	return c.store.SaveControl(c.control)
}

func (c *Coordinator) findActiveTrial(trialID string) (model.ActiveTrial, bool) {
	at, ok := c.control.ActiveTrials[trialID]
	return at, ok
}

func (c *Coordinator) isDone() bool {
	return c.progress.NextScheduleIndex >= c.progress.TotalSlots && len(c.control.ActiveTrials) == 0
}

func (c *Coordinator) complete() (model.RunStatus, error) {
	c.control.Status = model.RunCompleted
	if err := c.store.SaveControl(c.control); err != nil {
		return model.RunFailed, err
	}
	return model.RunCompleted, nil
}

func (c *Coordinator) fail(reason string) (model.RunStatus, error) {
	c.control.Status = model.RunFailed
	_ = c.store.SaveControl(c.control)
	return model.RunFailed, fmt.Errorf("coordinator: %s", reason)
}

func (c *Coordinator) interrupt(reason string) (model.RunStatus, error) {
	c.control.Status = model.RunInterrupted
	_ = c.store.SaveControl(c.control)
	return model.RunInterrupted, fmt.Errorf("coordinator: interrupted: %s", reason)
}

func (c *Coordinator) leaseFresh(now time.Time) bool {
	return c.engineVal != nil && c.engineVal.Fresh(now)
}

// heartbeatFresh renews the engine lease at cfg.HeartbeatEvery
// intervals, fencing on epoch/owner, and reports whether ownership is
// still held.
func (c *Coordinator) heartbeatFresh() bool {
	interval := c.cfg.HeartbeatEvery
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now()
	if c.engineVal == nil || now.Sub(c.lastHeartbeat) < interval {
		return c.leaseFresh(now)
	}
	updated, err := c.engine.Heartbeat(c.engineVal, c.cfg.LeaseTTL, now)
	if err != nil {
		c.log.Error(err, "engine lease heartbeat failed")
		return false
	}
	c.engineVal = updated
	c.lastHeartbeat = now
	return true
}

// controlRequestPath is the sentinel file pause/stop/kill CLI
// invocations write (under the operation lease) to signal the running
// coordinator process, since the two run as separate processes against
// the same run directory rather than sharing in-memory channels.
func controlRequestPath(runDir string) string {
	return filepath.Join(runDir, "runtime", "control_request.json")
}

// ControlRequest is the sentinel payload WriteControlRequest persists.
type ControlRequest struct {
	Action string `json:"action"` // "pause" | "stop" | "kill"
	Label  string `json:"label,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WriteControlRequest is called by the CLI's pause/stop/kill commands
// (holding the operation lease) to signal a running coordinator
// process. The coordinator consumes and deletes the file at its next
// safe boundary.
func WriteControlRequest(runDir string, req ControlRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("coordinator: encode control request: %w", err)
	}
	return durafs.WriteFile(controlRequestPath(runDir), data, 0o644)
}

func (c *Coordinator) consumeControlRequest() (*ControlRequest, error) {
	path := controlRequestPath(c.cfg.RunDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var req ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &req, nil
}

// handleControlRequest executes the two-phase pause handshake or the
// unconditional kill fan-out, persisting whichever terminal status
// results.
func (c *Coordinator) handleControlRequest(ctx context.Context, req ControlRequest) (model.RunStatus, error) {
	boundary := c.cfg.BoundaryTimeout
	if boundary <= 0 {
		boundary = 30 * time.Second
	}
	var result control.Result
	switch req.Action {
	case "pause":
		result = control.Pause(ctx, c.backend, c.control.ActiveTrials, boundary, c.log)
	case "stop", "kill":
		result = control.Kill(ctx, c.backend, c.control.ActiveTrials, req.Reason)
	default:
		return model.RunFailed, fmt.Errorf("coordinator: unrecognized control action %q", req.Action)
	}

	surviving := runstate.ActiveTrials{}
	for _, id := range result.Surviving {
		if at, ok := c.control.ActiveTrials[id]; ok {
			surviving[id] = at
		}
	}
	c.control.Status = result.Status
	c.control.ActiveTrials = surviving
	c.control.Pause = nil
	if err := c.store.SaveControl(c.control); err != nil {
		return model.RunFailed, fmt.Errorf("coordinator: save control after %s: %w", req.Action, err)
	}
	return result.Status, nil
}

// WithTasks attaches the dataset's task payloads by task_id, resolved
// once at coordinator construction from runconfig.LoadTasks.
func (c *Coordinator) WithTasks(tasks []model.Task) *Coordinator {
	c.tasksByID = make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		c.tasksByID[t.TaskID] = t
	}
	return c
}
