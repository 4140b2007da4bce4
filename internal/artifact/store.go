// Package artifact implements a content-addressed blob store:
// immutable byte blobs under artifacts/sha256/<hex>,
// written via temp-file + fsync + rename, addressed by their SHA-256
// content hash.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentlab/runner/internal/durafs"
)

// ErrNotFound is returned by Get when the referenced artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// ErrCorrupt is returned by Get when the stored bytes don't hash to the
// name under which they were found — on-disk corruption or a filename
// that was tampered with.
var ErrCorrupt = errors.New("artifact: corrupt")

// Ref is a content-addressed artifact reference, e.g. "artifact://sha256/<hex>".
type Ref string

// NewRef builds a Ref from a raw SHA-256 hex digest.
func NewRef(hexDigest string) Ref {
	return Ref("artifact://sha256/" + hexDigest)
}

// Hex extracts the hex digest from a Ref. Returns "" if ref is not a
// recognized sha256 artifact URI.
func (r Ref) Hex() string {
	const prefix = "artifact://sha256/"
	s := string(r)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.TrimPrefix(s, prefix)
}

func (r Ref) String() string { return string(r) }

// Store is a content-addressed blob store rooted at a directory
// (normally {run_dir}/artifacts).
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating the directory tree if needed.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, "sha256")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) pathFor(hexDigest string) string {
	return filepath.Join(s.root, "sha256", hexDigest)
}

// Put writes bytes content-addressed by their SHA-256 hash and returns
// the resulting Ref. Idempotent: writing the same bytes twice is a
// no-op on the second call.
func (s *Store) Put(data []byte) (Ref, error) {
	sum := sha256.Sum256(data)
	hexDigest := hex.EncodeToString(sum[:])
	path := s.pathFor(hexDigest)
	if _, err := os.Stat(path); err == nil {
		return NewRef(hexDigest), nil
	}
	if err := durafs.WriteFile(path, data, 0o444); err != nil {
		return "", fmt.Errorf("artifact: put %s: %w", hexDigest, err)
	}
	return NewRef(hexDigest), nil
}

// PutFile reads the file at srcPath fully into memory and stores it
// via Put. Used by the trial executor for workspace snapshots.
func (s *Store) PutFile(srcPath string) (Ref, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("artifact: read %s: %w", srcPath, err)
	}
	return s.Put(data)
}

// Get reads the bytes for ref, verifying content hash on every read.
func (s *Store) Get(ref Ref) ([]byte, error) {
	hexDigest := ref.Hex()
	if hexDigest == "" {
		return nil, fmt.Errorf("artifact: malformed ref %q", ref)
	}
	data, err := os.ReadFile(s.pathFor(hexDigest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hexDigest {
		return nil, ErrCorrupt
	}
	return data, nil
}

// Exists reports whether ref's blob is present, without verifying its hash.
func (s *Store) Exists(ref Ref) bool {
	hexDigest := ref.Hex()
	if hexDigest == "" {
		return false
	}
	_, err := os.Stat(s.pathFor(hexDigest))
	return err == nil
}

// Verify re-hashes every stored blob and returns refs whose filename
// disagrees with their content — used by recovery/attestation, never on
// the hot path.
func (s *Store) Verify() ([]Ref, error) {
	dir := filepath.Join(s.root, "sha256")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var bad []Ref
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ref := NewRef(e.Name())
		if _, err := s.Get(ref); errors.Is(err, ErrCorrupt) {
			bad = append(bad, ref)
		}
	}
	return bad, nil
}
