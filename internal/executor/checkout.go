// Checkout pack hydration and workspace overlay staging: materialize
// an immutable, content-addressed
// checkout pack into the trial workspace, then apply task-declared
// workspace_files overlays and dependency-file destinations, matched
// with doublestar glob patterns so overlay specs can use "**" the way
// task authors expect from a .gitignore-adjacent mental model.
package executor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

// PackKey identifies an immutable checkout pack, content-addressed by
// (repo, commit, subdir, pack_format_version).
type PackKey struct {
	Repo              string
	Commit            string
	Subdir            string
	PackFormatVersion string
}

// Digest returns the pack's content-addressing key as a single string,
// used both to locate the pack's cached materialization and to check
// baseline/treatment parity: baseline and treatment runs against the
// same task must resolve to an identical pack digest unless overridden.
func (k PackKey) Digest() string {
	return fmt.Sprintf("%s@%s:%s#%s", k.Repo, k.Commit, k.Subdir, k.PackFormatVersion)
}

// HydrateMethod records which materialization strategy actually ran,
// for the runtime_summary evidence a trial record needs.
type HydrateMethod string

const (
	HydrateReflink  HydrateMethod = "reflink"
	HydrateHardlink HydrateMethod = "hardlink"
	HydrateCopy     HydrateMethod = "copy"
)

// HydrateCheckoutPack materializes the pack cached at packRoot into
// destDir by hard-linking each file, falling back to a plain copy for a
// file that cannot be linked. Reflink (FICLONE) is never attempted: the
// returned method is HydrateHardlink or HydrateCopy, never
// HydrateReflink.
func HydrateCheckoutPack(packRoot, destDir string) (HydrateMethod, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("executor: mkdir %s: %w", destDir, err)
	}
	entries, err := listFilesRecursive(packRoot)
	if err != nil {
		return "", fmt.Errorf("executor: list pack %s: %w", packRoot, err)
	}

	method := HydrateHardlink
	for _, rel := range entries {
		src := filepath.Join(packRoot, rel)
		dst := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("executor: mkdir %s: %w", filepath.Dir(dst), err)
		}
		if err := os.Link(src, dst); err != nil {
			// isCrossDevice distinguishes the expected EXDEV fallback
			// from an unexpected link failure; both still fall back to
			// a plain copy, but only the former is the documented path.
			_ = isCrossDevice(err)
			method = HydrateCopy
			if err := copyFile(src, dst); err != nil {
				return "", fmt.Errorf("executor: materialize %s: %w", rel, err)
			}
		}
	}
	return method, nil
}

func listFilesRecursive(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// ApplyOverlays copies every file under srcRoot matching one of
// globs into destRoot at the same relative path, applied after base
// hydration so task-declared overlays win over the base checkout.
func ApplyOverlays(srcRoot, destRoot string, globs []string) ([]string, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	fsys := os.DirFS(srcRoot)
	seen := make(map[string]bool)
	var applied []string
	for _, g := range globs {
		g = strings.TrimPrefix(g, "./")
		matches, err := doublestar.Glob(fsys, g)
		if err != nil {
			return nil, fmt.Errorf("executor: overlay glob %q: %w", g, err)
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true
			src := filepath.Join(srcRoot, rel)
			info, err := os.Stat(src)
			if err != nil || info.IsDir() {
				continue
			}
			dst := filepath.Join(destRoot, rel)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, fmt.Errorf("executor: overlay mkdir: %w", err)
			}
			if err := copyFile(src, dst); err != nil {
				return nil, fmt.Errorf("executor: overlay copy %s: %w", rel, err)
			}
			applied = append(applied, rel)
		}
	}
	return applied, nil
}

// StageDependencyFiles materializes declared (src -> dest) dependency
// file pairs into the sandbox's /deps mount at their declared
// destinations.
func StageDependencyFiles(depsRoot string, files map[string]string) error {
	for src, dest := range files {
		destPath := filepath.Join(depsRoot, dest)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("executor: mkdir dep dest: %w", err)
		}
		if err := copyFile(src, destPath); err != nil {
			return fmt.Errorf("executor: stage dep %s -> %s: %w", src, dest, err)
		}
	}
	return nil
}

// isCrossDevice reports whether err is the cross-filesystem rename
// error that forces a copy instead of a link, mirroring durafs's own
// EXDEV detection so the two packages agree on what "cross-device"
// means.
func isCrossDevice(err error) bool {
	return err != nil && strings.Contains(err.Error(), "cross-device") || err == syscall.EXDEV
}
