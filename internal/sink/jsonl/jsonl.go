// Package jsonl is the default RunSink implementation:
// append-only JSONL fact files under facts/, evidence/, and
// benchmark/, each fsynced on every append, with a seen-primary-key
// set in memory (rebuilt from disk on Open) providing idempotent
// reappend semantics.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentlab/runner/internal/durafs"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/sink"
)

// Sink is a filesystem-backed RunSink rooted at a run directory.
type Sink struct {
	mu       sync.Mutex
	runDir   string
	factsDir string
	evidenceDir string
	benchDir string
	seen     map[string]bool
}

// Open creates (or resumes) a Sink rooted at runDir, creating the
// facts/evidence/benchmark subdirectories and rebuilding the
// idempotency set from whatever rows already exist on disk.
func Open(runDir string) (*Sink, error) {
	s := &Sink{
		runDir:      runDir,
		factsDir:    filepath.Join(runDir, "facts"),
		evidenceDir: filepath.Join(runDir, "evidence"),
		benchDir:    filepath.Join(runDir, "benchmark"),
		seen:        make(map[string]bool),
	}
	for _, d := range []string{s.factsDir, s.evidenceDir, s.benchDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("jsonl: mkdir %s: %w", d, err)
		}
	}
	if err := s.rebuildSeen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) streamPath(kind model.FactRowKind) string {
	switch kind {
	case model.KindTrial:
		return filepath.Join(s.factsDir, "trials.jsonl")
	case model.KindMetricLong:
		return filepath.Join(s.factsDir, "metrics_long.jsonl")
	case model.KindEvent:
		return filepath.Join(s.factsDir, "events.jsonl")
	case model.KindVariantSnapshot:
		return filepath.Join(s.factsDir, "variant_snapshots.jsonl")
	case model.KindEvidence:
		return filepath.Join(s.evidenceDir, "evidence_records.jsonl")
	case model.KindTaskChainState:
		return filepath.Join(s.evidenceDir, "task_chain_states.jsonl")
	case model.KindBenchmarkPrediction:
		return filepath.Join(s.benchDir, "predictions.jsonl")
	case model.KindBenchmarkScore:
		return filepath.Join(s.benchDir, "scores.jsonl")
	default:
		return filepath.Join(s.factsDir, string(kind)+".jsonl")
	}
}

func (s *Sink) rebuildSeen() error {
	paths := map[model.FactRowKind]string{}
	for _, k := range []model.FactRowKind{
		model.KindTrial, model.KindMetricLong, model.KindEvent, model.KindVariantSnapshot,
		model.KindEvidence, model.KindTaskChainState, model.KindBenchmarkPrediction, model.KindBenchmarkScore,
	} {
		paths[k] = s.streamPath(k)
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("jsonl: open %s: %w", path, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var row model.FactRow
			if err := json.Unmarshal([]byte(line), &row); err != nil {
				continue
			}
			s.seen[row.PrimaryKey()] = true
		}
		f.Close()
	}
	return nil
}

func (s *Sink) appendRows(kind model.FactRowKind, rows []model.FactRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.streamPath(kind)
	var buf strings.Builder
	wrote := 0
	for _, row := range rows {
		key := row.PrimaryKey()
		if s.seen[key] {
			continue
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("jsonl: marshal row: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
		s.seen[key] = true
		wrote++
	}
	if wrote == 0 {
		return nil
	}
	return durafs.AppendFile(path, []byte(buf.String()), 0o644)
}

func (s *Sink) WriteRunManifest(m sink.RunManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonl: marshal manifest: %w", err)
	}
	return durafs.WriteFile(filepath.Join(s.factsDir, "run_manifest.json"), data, 0o644)
}

func (s *Sink) AppendTrialRecord(row model.FactRow) error {
	return s.appendRows(model.KindTrial, []model.FactRow{row})
}

func (s *Sink) AppendMetricRows(rows []model.FactRow) error {
	return s.appendRows(model.KindMetricLong, rows)
}

func (s *Sink) AppendEventRows(rows []model.FactRow) error {
	return s.appendRows(model.KindEvent, rows)
}

func (s *Sink) AppendVariantSnapshot(rows []model.FactRow) error {
	return s.appendRows(model.KindVariantSnapshot, rows)
}

func (s *Sink) AppendEvidenceRows(rows []model.FactRow) error {
	for _, row := range rows {
		kind := model.KindEvidence
		if row.Kind == model.KindTaskChainState {
			kind = model.KindTaskChainState
		}
		if err := s.appendRows(kind, []model.FactRow{row}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) AppendBenchmarkPredictionRows(rows []model.FactRow) error {
	return s.appendRows(model.KindBenchmarkPrediction, rows)
}

func (s *Sink) AppendBenchmarkScoreRows(rows []model.FactRow) error {
	return s.appendRows(model.KindBenchmarkScore, rows)
}

// Flush fsyncs the parent directory of every fact stream.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range []string{s.factsDir, s.evidenceDir, s.benchDir} {
		if err := durafs.FsyncDir(d); err != nil {
			return fmt.Errorf("jsonl: flush %s: %w", d, err)
		}
	}
	return nil
}

// Close is a no-op for the JSONL sink: every append already fsyncs its
// own file, so there is no pooled resource to release.
func (s *Sink) Close() error { return nil }

var _ sink.RunSink = (*Sink)(nil)
