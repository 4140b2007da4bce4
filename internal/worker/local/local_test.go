package local

import (
	"context"
	"testing"
	"time"

	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/worker"
)

func TestSubmitAndPollCompletionsRoundTrip(t *testing.T) {
	b := New(2, 4, func(ctx context.Context, d model.DispatchPayload) model.Completion {
		return model.Completion{TrialID: d.TrialID, TerminalStatus: model.TrialSucceeded}
	})
	defer b.Close()

	ticket, err := b.Submit(context.Background(), model.DispatchPayload{TrialID: "t1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ticket.TrialID != "t1" {
		t.Errorf("ticket.TrialID = %q, want t1", ticket.TrialID)
	}

	completions, err := b.PollCompletions(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}
	if len(completions) != 1 {
		t.Fatalf("got %d completions, want 1", len(completions))
	}
	if completions[0].TrialID != "t1" || completions[0].TicketID != ticket.TicketID {
		t.Errorf("completion = %+v, want TrialID=t1 TicketID=%s", completions[0], ticket.TicketID)
	}
}

func TestPollCompletionsReturnsEmptyOnTimeoutWithoutLosingLaterCompletions(t *testing.T) {
	release := make(chan struct{})
	b := New(1, 4, func(ctx context.Context, d model.DispatchPayload) model.Completion {
		<-release
		return model.Completion{TrialID: d.TrialID, TerminalStatus: model.TrialSucceeded}
	})
	closeOnce := make(chan struct{})
	defer func() {
		select {
		case <-closeOnce:
		default:
			close(release)
		}
		b.Close()
	}()

	if _, err := b.Submit(context.Background(), model.DispatchPayload{TrialID: "slow"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	empty, err := b.PollCompletions(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no completions yet, got %+v", empty)
	}

	close(release)
	close(closeOnce)
	var got []model.Completion
	deadline := time.After(time.Second)
	for len(got) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the completion to surface")
		default:
		}
		more, err := b.PollCompletions(context.Background(), 50*time.Millisecond)
		if err != nil {
			t.Fatalf("PollCompletions: %v", err)
		}
		got = append(got, more...)
	}
	if got[0].TrialID != "slow" {
		t.Errorf("completion TrialID = %q, want slow", got[0].TrialID)
	}
}

func TestSubmitReturnsCapacitySaturatedWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	b := New(1, 1, func(ctx context.Context, d model.DispatchPayload) model.Completion {
		<-block
		return model.Completion{TrialID: d.TrialID}
	})
	defer func() {
		close(block)
		b.Close()
	}()

	// First submit is picked up by the single worker immediately
	// (blocking on `block`); the queue itself holds one more.
	if _, err := b.Submit(context.Background(), model.DispatchPayload{TrialID: "a"}); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	// Give the worker goroutine a moment to drain "a" from the queue so
	// "b" takes the free slot and "c" lands on a genuinely full queue
	// rather than racing the drain.
	time.Sleep(20 * time.Millisecond)
	if _, err := b.Submit(context.Background(), model.DispatchPayload{TrialID: "b"}); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	_, err := b.Submit(context.Background(), model.DispatchPayload{TrialID: "c"})
	if err != worker.ErrCapacitySaturated {
		t.Errorf("Submit c error = %v, want ErrCapacitySaturated", err)
	}
}

func TestQuarantineRejectsFurtherSubmits(t *testing.T) {
	b := New(1, 1, func(ctx context.Context, d model.DispatchPayload) model.Completion {
		return model.Completion{TrialID: d.TrialID}
	})
	defer b.Close()

	if b.Quarantined() {
		t.Fatal("expected fresh backend to not be quarantined")
	}
	b.Quarantine()
	if !b.Quarantined() {
		t.Fatal("expected Quarantine to mark the backend quarantined")
	}
	_, err := b.Submit(context.Background(), model.DispatchPayload{TrialID: "x"})
	if err != worker.ErrProtocolError {
		t.Errorf("Submit after quarantine error = %v, want ErrProtocolError", err)
	}
}
