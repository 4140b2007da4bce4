// Package durafs implements the durable write discipline 
// mandates everywhere: temp-file + fsync + rename, followed by an
// fsync of the parent directory so the rename itself survives a crash.
// It generalizes the rename-probe pattern the original uses for
// filesystem compatibility checks (detecting cross-device renames)
// into a general-purpose durable writer plus a startup preflight that
// downgrades to a warning instead of failing outright, per 
// durability_downgrade.
package durafs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// WriteFile atomically replaces path with data: write to a sibling temp
// file, fsync it, rename over path, then fsync the parent directory.
// Callers that need to know whether fsync is actually durable on this
// filesystem should run Preflight once at run start instead of
// inspecting errors here — a successful Sync() call does not prove the
// underlying device honored it.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("durafs: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("durafs: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("durafs: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("durafs: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("durafs: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("durafs: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("durafs: rename: %w", err)
	}
	cleanupTmp = false
	if err := FsyncDir(dir); err != nil {
		return fmt.Errorf("durafs: fsync dir %s: %w", dir, err)
	}
	return nil
}

// FsyncDir fsyncs a directory's own inode so a preceding rename/create
// within it is durable. Directories cannot be opened for write on some
// platforms; open read-only, which is sufficient for fsync.
func FsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		// Some filesystems (notably certain FUSE/network mounts) reject
		// fsync on directory file descriptors outright; that's exactly
		// the condition Preflight exists to detect ahead of time, so
		// don't fail the caller's write for it here.
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) {
			return nil
		}
		return err
	}
	return nil
}

// AppendFile opens path for append, writes data, and fsyncs the file
// (not the parent — callers appending many rows in a loop should call
// FsyncDir once after the batch, matching the "fsync the
// touched file" / "flush() fsyncs the parent directory" split).
func AppendFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("durafs: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("durafs: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("durafs: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("durafs: fsync: %w", err)
	}
	return nil
}

// CreateExclusive atomically creates path iff it does not already
// exist, used by the engine/operation lease for atomic acquisition.
func CreateExclusive(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("durafs: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("durafs: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("durafs: fsync: %w", err)
	}
	return FsyncDir(filepath.Dir(path))
}

// PreflightResult reports whether the run directory's filesystem
// demonstrably honors fsync+rename durability.
type PreflightResult struct {
	Durable bool
	Warning string
}

// Preflight probes dir before it's trusted for durable writes: create
// a temp file, write, fsync, and rename it, watching specifically for
// EXDEV (cross-device rename, meaning dir spans filesystems in a way
// that breaks the atomic-rename assumption) and fsync rejection.
func Preflight(dir string) PreflightResult {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PreflightResult{Durable: false, Warning: fmt.Sprintf("durability preflight: mkdir failed: %v", err)}
	}
	probe := filepath.Join(dir, fmt.Sprintf(".durafs-preflight-%d", os.Getpid()))
	if err := WriteFile(probe, []byte("durafs-preflight"), 0o644); err != nil {
		lower := strings.ToLower(err.Error())
		if errors.Is(err, syscall.EXDEV) || strings.Contains(lower, "cross-device link") {
			return PreflightResult{Durable: false, Warning: fmt.Sprintf("run directory %s spans a cross-device rename boundary; durability cannot be guaranteed", dir)}
		}
		return PreflightResult{Durable: false, Warning: fmt.Sprintf("durability preflight failed: %v", err)}
	}
	_ = os.Remove(probe)
	return PreflightResult{Durable: true}
}
