package lease

import (
	"path/filepath"
	"testing"
	"time"
)

func TestEngineLeaseAcquireFreshStartsAtEpochOne(t *testing.T) {
	f := NewEngineLeaseFile(filepath.Join(t.TempDir(), "engine_lease.json"))
	now := time.Now()
	l, err := f.Acquire("owner-a", "host-a", time.Minute, now, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Epoch != 1 {
		t.Fatalf("Epoch = %d, want 1 on first acquire", l.Epoch)
	}
}

func TestEngineLeaseAcquireRejectsFreshHolder(t *testing.T) {
	f := NewEngineLeaseFile(filepath.Join(t.TempDir(), "engine_lease.json"))
	now := time.Now()
	if _, err := f.Acquire("owner-a", "host-a", time.Minute, now, false); err != nil {
		t.Fatalf("Acquire (1st): %v", err)
	}
	_, err := f.Acquire("owner-b", "host-b", time.Minute, now, false)
	if err != ErrLeaseHeld {
		t.Fatalf("Acquire (2nd, no force) = %v, want ErrLeaseHeld", err)
	}
}

func TestEngineLeaseForceTakeoverBumpsEpoch(t *testing.T) {
	f := NewEngineLeaseFile(filepath.Join(t.TempDir(), "engine_lease.json"))
	now := time.Now()
	first, err := f.Acquire("owner-a", "host-a", time.Minute, now, false)
	if err != nil {
		t.Fatalf("Acquire (1st): %v", err)
	}
	second, err := f.Acquire("owner-b", "host-b", time.Minute, now, true)
	if err != nil {
		t.Fatalf("Acquire (force takeover): %v", err)
	}
	if second.Epoch != first.Epoch+1 {
		t.Fatalf("Epoch after forced takeover = %d, want %d", second.Epoch, first.Epoch+1)
	}
	if second.OwnerID != "owner-b" {
		t.Fatalf("OwnerID after takeover = %q, want owner-b", second.OwnerID)
	}
}

func TestEngineLeaseAcquireExpiredTakesOverWithoutForce(t *testing.T) {
	f := NewEngineLeaseFile(filepath.Join(t.TempDir(), "engine_lease.json"))
	now := time.Now()
	if _, err := f.Acquire("owner-a", "host-a", time.Second, now, false); err != nil {
		t.Fatalf("Acquire (1st): %v", err)
	}
	later := now.Add(2 * time.Second)
	l, err := f.Acquire("owner-b", "host-b", time.Minute, later, false)
	if err != nil {
		t.Fatalf("Acquire after expiry (no force): %v", err)
	}
	if l.Epoch != 2 {
		t.Fatalf("Epoch after expiry takeover = %d, want 2", l.Epoch)
	}
}

func TestEngineLeaseHeartbeatFencesOnEpochMismatch(t *testing.T) {
	f := NewEngineLeaseFile(filepath.Join(t.TempDir(), "engine_lease.json"))
	now := time.Now()
	l, err := f.Acquire("owner-a", "host-a", time.Second, now, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// A second process steals the lease after expiry.
	later := now.Add(2 * time.Second)
	if _, err := f.Acquire("owner-b", "host-b", time.Minute, later, false); err != nil {
		t.Fatalf("Acquire (takeover): %v", err)
	}
	// The original holder's heartbeat must now fail its fencing check.
	if _, err := f.Heartbeat(l, time.Minute, later.Add(time.Second)); err == nil {
		t.Fatalf("Heartbeat with stale epoch should fail fencing check")
	}
}

func TestEngineLeaseHeartbeatExtendsExpiry(t *testing.T) {
	f := NewEngineLeaseFile(filepath.Join(t.TempDir(), "engine_lease.json"))
	now := time.Now()
	l, err := f.Acquire("owner-a", "host-a", time.Minute, now, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	later := now.Add(30 * time.Second)
	updated, err := f.Heartbeat(l, time.Minute, later)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !updated.ExpiresAt.After(l.ExpiresAt) {
		t.Fatalf("Heartbeat did not extend ExpiresAt: %v -> %v", l.ExpiresAt, updated.ExpiresAt)
	}
	if updated.Epoch != l.Epoch {
		t.Fatalf("Heartbeat must not change epoch: %d -> %d", l.Epoch, updated.Epoch)
	}
}

func TestOperationLeaseRejectsConcurrentAcquire(t *testing.T) {
	f := NewOperationLeaseFile(filepath.Join(t.TempDir(), "operation_lease.json"))
	now := time.Now()
	if _, err := f.Acquire(OpContinue, "owner-a", time.Minute, now); err != nil {
		t.Fatalf("Acquire (1st): %v", err)
	}
	_, err := f.Acquire(OpPause, "owner-b", time.Minute, now)
	if err != ErrOperationInProgress {
		t.Fatalf("Acquire (2nd, concurrent) = %v, want ErrOperationInProgress", err)
	}
}

func TestOperationLeaseStealsAfterExpiry(t *testing.T) {
	f := NewOperationLeaseFile(filepath.Join(t.TempDir(), "operation_lease.json"))
	now := time.Now()
	if _, err := f.Acquire(OpContinue, "owner-a", time.Second, now); err != nil {
		t.Fatalf("Acquire (1st): %v", err)
	}
	later := now.Add(2 * time.Second)
	l, err := f.Acquire(OpRecover, "owner-b", time.Minute, later)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if l.Operation != OpRecover || l.OwnerID != "owner-b" {
		t.Fatalf("Acquire after expiry returned %+v, want operation=recover owner=owner-b", l)
	}
}

func TestOperationLeaseReleaseThenReacquire(t *testing.T) {
	f := NewOperationLeaseFile(filepath.Join(t.TempDir(), "operation_lease.json"))
	now := time.Now()
	if _, err := f.Acquire(OpContinue, "owner-a", time.Minute, now); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := f.Acquire(OpPause, "owner-b", time.Minute, now); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestOperationLeaseReleaseIsIdempotent(t *testing.T) {
	f := NewOperationLeaseFile(filepath.Join(t.TempDir(), "operation_lease.json"))
	if err := f.Release(); err != nil {
		t.Fatalf("Release on a lease that was never acquired: %v", err)
	}
}
