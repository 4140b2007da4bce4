package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ref, err := store.Put([]byte("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Hex() == "" {
		t.Fatalf("Put returned malformed ref %q", ref)
	}
	if !store.Exists(ref) {
		t.Fatalf("Exists(%s) = false after Put", ref)
	}
	got, err := store.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Get() = %q, want %q", got, "hello world")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("same bytes twice")
	ref1, err := store.Put(data)
	if err != nil {
		t.Fatalf("Put (1st): %v", err)
	}
	ref2, err := store.Put(data)
	if err != nil {
		t.Fatalf("Put (2nd): %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("Put not idempotent: %s != %s", ref1, ref2)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = store.Get(NewRef("deadbeef"))
	if err != ErrNotFound {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetCorruptReturnsErrCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ref, err := store.Put([]byte("original content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := filepath.Join(dir, "sha256", ref.Hex())
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered content"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}
	_, err = store.Get(ref)
	if err != ErrCorrupt {
		t.Fatalf("Get(tampered) = %v, want ErrCorrupt", err)
	}
}

func TestVerifyFindsCorruptBlobs(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	good, err := store.Put([]byte("untouched"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	bad, err := store.Put([]byte("will be tampered"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := filepath.Join(dir, "sha256", bad.Hex())
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	corrupt, err := store.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(corrupt) != 1 || corrupt[0] != bad {
		t.Fatalf("Verify() = %v, want exactly [%s]", corrupt, bad)
	}
	_ = good
}

func TestRefHexRoundTrip(t *testing.T) {
	ref := NewRef("abc123")
	if ref.Hex() != "abc123" {
		t.Fatalf("Hex() = %q, want %q", ref.Hex(), "abc123")
	}
	if Ref("not-a-ref").Hex() != "" {
		t.Fatalf("Hex() on malformed ref should return empty string")
	}
}
