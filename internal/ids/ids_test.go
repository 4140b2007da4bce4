package ids

import "testing"

func TestSourceNewProducesMonotonicallySortedIDs(t *testing.T) {
	s := NewSource()
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = s.New()
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("id %d (%q) does not sort after id %d (%q)", i, ids[i], i-1, ids[i-1])
		}
	}
}

func TestSourceNewProducesUniqueIDs(t *testing.T) {
	s := NewSource()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := s.New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestNewRunIDProducesNonEmptyDistinctIDs(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty run ids")
	}
	if a == b {
		t.Fatal("expected two calls to NewRunID to differ")
	}
	if len(a) != 26 {
		t.Errorf("run id length = %d, want 26 (ULID canonical length)", len(a))
	}
}
