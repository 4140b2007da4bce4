package hashchain

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/agentlab/runner/internal/artifact"
)

func TestAppendChainsHashesAndVerifies(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "run1", "trial1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := r.Append("2026-01-01T00:00:00Z", "started", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Hashchain.Prev != "" {
		t.Errorf("first line Prev = %q, want empty", first.Hashchain.Prev)
	}
	if first.Hashchain.Self == "" {
		t.Error("first line Self is empty")
	}

	second, err := r.Append("2026-01-01T00:00:01Z", "finished", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.Hashchain.Prev != first.Hashchain.Self {
		t.Errorf("second.Prev = %q, want %q", second.Hashchain.Prev, first.Hashchain.Self)
	}
	if second.Seq != first.Seq+1 {
		t.Errorf("second.Seq = %d, want %d", second.Seq, first.Seq+1)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	head, ok, err := VerifyFile(filepath.Join(dir, "events.jsonl"), r.Head())
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !ok {
		t.Error("VerifyFile reported inconsistent chain")
	}
	if head != second.Hashchain.Self {
		t.Errorf("VerifyFile head = %q, want %q", head, second.Hashchain.Self)
	}
}

func TestOpenRecoversHeadAndSeqFromExistingLog(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open(dir, "run1", "trial1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r1.Append("t0", "a", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := r1.Append("t1", "b", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	wantHead := r1.Head()

	r2, err := Open(dir, "run1", "trial1", nil)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	if r2.Head() != wantHead {
		t.Errorf("recovered head = %q, want %q", r2.Head(), wantHead)
	}

	third, err := r2.Append("t2", "c", nil)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if third.Seq != 2 {
		t.Errorf("recovered seq produced Seq=%d, want 2", third.Seq)
	}
	if third.Hashchain.Prev != wantHead {
		t.Errorf("Prev after reopen = %q, want %q", third.Hashchain.Prev, wantHead)
	}
}

func TestVerifyFileDetectsBrokenChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	broken := `{"seq":0,"ts":"t0","kind":"a","hashchain":{"prev":"","self":"deadbeef"}}
{"seq":1,"ts":"t1","kind":"b","hashchain":{"prev":"WRONG","self":"cafebabe"}}
`
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ok, err := VerifyFile(path, "")
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if ok {
		t.Error("expected VerifyFile to detect the broken chain link")
	}
}

func TestVerifyFileMissingFileMatchesEmptyWantHead(t *testing.T) {
	head, ok, err := VerifyFile(filepath.Join(t.TempDir(), "missing.jsonl"), "")
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !ok || head != "" {
		t.Errorf("VerifyFile on missing file = (%q, %v), want (\"\", true)", head, ok)
	}
}

func TestOffloadsLargePayloadToArtifactStore(t *testing.T) {
	dir := t.TempDir()
	store, err := artifact.Open(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("artifact.Open: %v", err)
	}
	r, err := Open(dir, "run1", "trial1", store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	big := make(map[string]any, 2000)
	for i := 0; i < 2000; i++ {
		big[pad(i)] = "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	}
	ln, err := r.Append("t0", "big", big)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ln.PayloadRef == "" {
		t.Error("expected large payload to be offloaded with a non-empty PayloadRef")
	}
	if ln.Payload != nil {
		t.Error("expected inline Payload to be cleared when offloaded")
	}
}

func pad(i int) string {
	return "key_field_name_padding_" + strconv.Itoa(i)
}
