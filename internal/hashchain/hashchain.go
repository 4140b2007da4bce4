// Package hashchain implements the per-trial event log:
// an append-only JSONL file where each line embeds hashchain.prev /
// hashchain.self, self being sha256(prev || canonical_json(event minus
// hashchain)). A sidecar events.head file records the terminal head so
// resuming writers (or readers wanting to verify without replaying the
// whole log) don't need to re-derive it.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentlab/runner/internal/artifact"
	"github.com/agentlab/runner/internal/canonjson"
	"github.com/agentlab/runner/internal/durafs"
)

// Hashchain holds a prev/self pair linking one event line to the prior.
type Hashchain struct {
	Prev string `json:"prev"`
	Self string `json:"self"`
}

// Line is one event log entry. Payload carries the event-kind-specific
// fields as a generic map; large payloads are off-loaded to the
// artifact store and referenced by PayloadRef instead of inlined.
type Line struct {
	Seq        int64          `json:"seq"`
	TS         string         `json:"ts"`
	RunID      string         `json:"run_id"`
	TrialID    string         `json:"trial_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	PayloadRef artifact.Ref   `json:"payload_ref,omitempty"`
	Hashchain  Hashchain      `json:"hashchain"`
}

// maxInlinePayloadBytes bounds how large an event payload may be before
// it is off-loaded to the artifact store.
const maxInlinePayloadBytes = 16 * 1024

// Recorder appends events for a single trial, maintaining the running
// hashchain head. One Recorder per trial; trials never share a log, so
// the mutex here only guards concurrent writers within one trial's
// executor (e.g. a stdout-drain goroutine racing the main one).
type Recorder struct {
	mu       sync.Mutex
	path     string
	headPath string
	store    *artifact.Store
	runID    string
	trialID  string
	seq      int64
	head     string
}

// Open creates or resumes a Recorder for trialDir (normally
// trials/<trial_id>/). If events.jsonl already has lines (resume after
// crash), the head and next seq are recovered from it, tolerating a
// truncated final line under the recorder's failure semantics.
func Open(trialDir, runID, trialID string, store *artifact.Store) (*Recorder, error) {
	path := filepath.Join(trialDir, "events.jsonl")
	r := &Recorder{
		path:     path,
		headPath: filepath.Join(trialDir, "events.head"),
		store:    store,
		runID:    runID,
		trialID:  trialID,
	}
	if err := r.recoverHead(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) recoverHead() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hashchain: read %s: %w", r.path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var lastGood *Line
	var lastGoodSeq int64
	for _, raw := range lines {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var ln Line
		if err := json.Unmarshal([]byte(raw), &ln); err != nil {
			// Partial/truncated trailing line: the prior head remains
			// authoritative and the truncated line is discarded.
			break
		}
		lastGood = &ln
		lastGoodSeq = ln.Seq
	}
	if lastGood != nil {
		r.head = lastGood.Hashchain.Self
		r.seq = lastGoodSeq + 1
	}
	return nil
}

// Append writes one event of the given kind, returning the resulting
// Line (with hashchain fields populated). Payloads larger than the
// inline budget are stored as an artifact and referenced instead.
func (r *Recorder) Append(ts, kind string, payload map[string]any) (Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ln := Line{
		Seq:     r.seq,
		TS:      ts,
		RunID:   r.runID,
		TrialID: r.trialID,
		Kind:    kind,
		Payload: payload,
	}

	body, err := canonjson.Marshal(struct {
		Seq     int64          `json:"seq"`
		TS      string         `json:"ts"`
		RunID   string         `json:"run_id"`
		TrialID string         `json:"trial_id"`
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload,omitempty"`
	}{ln.Seq, ln.TS, ln.RunID, ln.TrialID, ln.Kind, ln.Payload})
	if err != nil {
		return Line{}, fmt.Errorf("hashchain: canonicalize: %w", err)
	}

	if len(body) > maxInlinePayloadBytes && r.store != nil {
		payloadBody, err := canonjson.Marshal(payload)
		if err != nil {
			return Line{}, fmt.Errorf("hashchain: canonicalize payload: %w", err)
		}
		ref, err := r.store.Put(payloadBody)
		if err != nil {
			return Line{}, fmt.Errorf("hashchain: offload payload: %w", err)
		}
		ln.PayloadRef = ref
		ln.Payload = nil
		body, err = canonjson.Marshal(struct {
			Seq        int64        `json:"seq"`
			TS         string       `json:"ts"`
			RunID      string       `json:"run_id"`
			TrialID    string       `json:"trial_id"`
			Kind       string       `json:"kind"`
			PayloadRef artifact.Ref `json:"payload_ref"`
		}{ln.Seq, ln.TS, ln.RunID, ln.TrialID, ln.Kind, ln.PayloadRef})
		if err != nil {
			return Line{}, fmt.Errorf("hashchain: canonicalize offloaded: %w", err)
		}
	}

	sum := sha256.New()
	sum.Write([]byte(r.head))
	sum.Write(body)
	self := hex.EncodeToString(sum.Sum(nil))
	ln.Hashchain = Hashchain{Prev: r.head, Self: self}

	full, err := json.Marshal(ln)
	if err != nil {
		return Line{}, fmt.Errorf("hashchain: marshal line: %w", err)
	}
	if err := durafs.AppendFile(r.path, append(full, '\n'), 0o644); err != nil {
		return Line{}, fmt.Errorf("hashchain: append: %w", err)
	}

	r.head = self
	r.seq++
	return ln, nil
}

// Close persists the terminal head to events.head, fsyncing the parent
// directory so the sidecar survives a crash alongside the log itself.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return durafs.WriteFile(r.headPath, []byte(r.head+"\n"), 0o644)
}

// Head returns the current hashchain head.
func (r *Recorder) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// VerifyFile re-derives the hashchain head from bytes on disk and
// reports whether it is internally consistent and, if wantHead is
// non-empty, whether it matches. Used by attestation: the hashchain
// head of each trial must be reproducible from its events.jsonl bytes.
func VerifyFile(path string, wantHead string) (head string, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", wantHead == "", nil
		}
		return "", false, err
	}
	prev := ""
	for _, raw := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var ln Line
		if err := json.Unmarshal([]byte(raw), &ln); err != nil {
			break
		}
		if ln.Hashchain.Prev != prev {
			return prev, false, nil
		}
		prev = ln.Hashchain.Self
	}
	if wantHead == "" {
		return prev, true, nil
	}
	return prev, prev == wantHead, nil
}
