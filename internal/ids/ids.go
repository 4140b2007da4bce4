// Package ids generates the identifiers the coordinator hands out:
// run_id, trial_id, and ticket_id. All three are ULIDs so that
// lexicographic sort order matches creation order without a shared
// counter, and the 48-bit timestamp prefix makes them visually
// time-seeded, as required for run_id.
package ids

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source is a monotonic ULID generator safe for concurrent use. The
// coordinator keeps exactly one Source per run so that trial_ids
// generated within the same millisecond still sort in allocation
// order.
type Source struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewSource returns a Source seeded from crypto-independent
// pseudo-randomness plus monotonic entropy. Determinism across process
// restarts is not required: trial/ticket ids are never re-derived, only
// minted once and then persisted.
func NewSource() *Source {
	seed := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Source{entropy: ulid.Monotonic(seed, 0)}
}

// New mints a new ULID string under the current wall-clock time.
func (s *Source) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// NewRunID mints a fresh run identifier with ulid.Make, which draws on
// the ulid package's process-wide default entropy rather than on a
// per-run Source.
func NewRunID() string {
	return ulid.Make().String()
}
