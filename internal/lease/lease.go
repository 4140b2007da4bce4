// Package lease implements the engine lease and operation lease:
// single-writer ownership of a run with epoch-fenced
// stale takeover, and a short-lived mutex guarding mutating operations
// (continue, recover, pause, kill, resume, fork, replay). Both are
// small JSON files written with the same durable temp-file + fsync +
// rename discipline as every other piece of run state, upgraded from a
// plain os.WriteFile checkpoint write to durafs since a lease file
// losing a crash race is exactly the failure mode a fencing token
// exists to rule out.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agentlab/runner/internal/durafs"
)

// ErrLeaseHeld is returned by Acquire when a fresh lease is already owned.
var ErrLeaseHeld = errors.New("lease: held by another owner")

// ErrOperationInProgress corresponds to the operation_in_progress error kind.
var ErrOperationInProgress = errors.New("lease: operation_in_progress")

// EngineLease is the JSON file identifying the run's owning process.
type EngineLease struct {
	OwnerID    string    `json:"owner_id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Epoch      int64     `json:"epoch"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Fresh reports whether the lease has not yet expired as of now.
func (l EngineLease) Fresh(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// EngineLeaseFile manages runtime/engine_lease.json.
type EngineLeaseFile struct {
	path string
}

// NewEngineLeaseFile wraps the lease file at path (normally
// runtime/engine_lease.json within the run directory).
func NewEngineLeaseFile(path string) *EngineLeaseFile {
	return &EngineLeaseFile{path: path}
}

// Load reads the current lease, if any. Returns (nil, nil) if absent.
func (f *EngineLeaseFile) Load() (*EngineLease, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease: read %s: %w", f.path, err)
	}
	var l EngineLease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("lease: decode %s: %w", f.path, err)
	}
	return &l, nil
}

// Acquire takes ownership of the lease. If no lease exists, epoch
// starts at 1. If a lease exists and is fresh, Acquire fails with
// ErrLeaseHeld unless force is set. If the lease exists but is
// expired, Acquire performs a takeover: the new lease's epoch is the
// prior epoch + 1.
func (f *EngineLeaseFile) Acquire(ownerID, host string, ttl time.Duration, now time.Time, force bool) (*EngineLease, error) {
	prior, err := f.Load()
	if err != nil {
		return nil, err
	}
	epoch := int64(1)
	if prior != nil {
		if prior.Fresh(now) && !force {
			return nil, ErrLeaseHeld
		}
		epoch = prior.Epoch + 1
	}
	l := &EngineLease{
		OwnerID:     ownerID,
		PID:         os.Getpid(),
		Host:        host,
		Epoch:       epoch,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := f.write(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Heartbeat extends the lease's expiry, keeping epoch and owner fixed.
// It reloads the on-disk lease first and fails the fencing check if
// its epoch or owner no longer matches l, which detects a takeover
// that happened underneath the caller: all subsequent writes carry
// epoch as a fencing token.
func (f *EngineLeaseFile) Heartbeat(l *EngineLease, ttl time.Duration, now time.Time) (*EngineLease, error) {
	current, err := f.Load()
	if err != nil {
		return nil, err
	}
	if current == nil || current.Epoch != l.Epoch || current.OwnerID != l.OwnerID {
		return nil, fmt.Errorf("lease: fencing check failed: epoch/owner changed underneath us")
	}
	updated := *l
	updated.HeartbeatAt = now
	updated.ExpiresAt = now.Add(ttl)
	if err := f.write(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (f *EngineLeaseFile) write(l *EngineLease) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("lease: encode: %w", err)
	}
	return durafs.WriteFile(f.path, data, 0o644)
}

// OperationKind enumerates the mutating operations guarded by the operation lease.
type OperationKind string

const (
	OpContinue OperationKind = "continue"
	OpRecover  OperationKind = "recover"
	OpPause    OperationKind = "pause"
	OpKill     OperationKind = "kill"
	OpResume   OperationKind = "resume"
	OpFork     OperationKind = "fork"
	OpReplay   OperationKind = "replay"
)

// OperationLease is the short-lived mutex file guarding mutating
// operations.
type OperationLease struct {
	Operation OperationKind `json:"operation"`
	OwnerID   string        `json:"owner_id"`
	StartedAt time.Time     `json:"started_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Stale     bool          `json:"stale,omitempty"`
}

// OperationLeaseFile manages runtime/operation_lease.json.
type OperationLeaseFile struct {
	path string
}

// NewOperationLeaseFile wraps the lease file at path.
func NewOperationLeaseFile(path string) *OperationLeaseFile {
	return &OperationLeaseFile{path: path}
}

// Acquire attempts to atomically create the operation lease. If one
// already exists and has not expired, Acquire fails with
// ErrOperationInProgress. An expired lease is stolen (overwritten)
// after being marked stale for observability.
func (f *OperationLeaseFile) Acquire(op OperationKind, ownerID string, ttl time.Duration, now time.Time) (*OperationLease, error) {
	l := &OperationLease{Operation: op, OwnerID: ownerID, StartedAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("lease: encode: %w", err)
	}
	if err := durafs.CreateExclusive(f.path, data, 0o644); err == nil {
		return l, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("lease: create operation lease: %w", err)
	}

	existing, err := f.load()
	if err != nil {
		return nil, err
	}
	if existing != nil && now.Before(existing.ExpiresAt) {
		return nil, ErrOperationInProgress
	}
	if existing != nil {
		existing.Stale = true
		staleData, _ := json.MarshalIndent(existing, "", "  ")
		_ = durafs.WriteFile(f.path+".stale-history", staleData, 0o644)
	}
	if err := durafs.WriteFile(f.path, data, 0o644); err != nil {
		return nil, fmt.Errorf("lease: steal operation lease: %w", err)
	}
	return l, nil
}

// Release removes the operation lease file, normally via a deferred
// call from whichever coordinator method Acquired it.
func (f *OperationLeaseFile) Release() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}

func (f *OperationLeaseFile) load() (*OperationLease, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease: read %s: %w", f.path, err)
	}
	var l OperationLease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("lease: decode %s: %w", f.path, err)
	}
	return &l, nil
}
