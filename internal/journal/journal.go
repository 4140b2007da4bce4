// Package journal implements the slot commit journal:
// the authoritative append-only log of slot publication, recording
// intent/commit/abort records keyed by slot_commit_id. Recovery (see
// internal/recovery) replays this file to decide which slots are
// actually committed versus merely attempted.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentlab/runner/internal/canonjson"
	"github.com/agentlab/runner/internal/durafs"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RecordKind distinguishes intent, commit, and abort journal lines.
type RecordKind string

const (
	KindIntent RecordKind = "intent"
	KindCommit RecordKind = "commit"
	KindAbort  RecordKind = "abort"
	// KindSkip resolves a schedule_idx whose variant was pruned before
	// the slot was ever dispatched: no trial, no fact rows, but the
	// index still needs a durable resolution so next_schedule_index can
	// advance past it.
	KindSkip RecordKind = "skip"
)

// Record is one line of runtime/slot_commit_journal.jsonl.
type Record struct {
	Kind                RecordKind     `json:"kind"`
	SlotCommitID        string         `json:"slot_commit_id"`
	ScheduleIdx         int            `json:"schedule_idx"`
	TrialID             string         `json:"trial_id"`
	Attempt             int            `json:"attempt"`
	ExpectedRows        map[string]int `json:"expected_rows,omitempty"` // by_kind, intent only
	PayloadDigest       string         `json:"payload_digest,omitempty"`
	WrittenRows         map[string]int `json:"written_rows,omitempty"` // by_kind, commit only
	FactsFsyncCompleted bool           `json:"facts_fsync_completed,omitempty"`
	RuntimeFsyncCompleted bool         `json:"runtime_fsync_completed,omitempty"`
	AbortReason         string         `json:"abort_reason,omitempty"`
	SkipReason          string         `json:"skip_reason,omitempty"` // skip only
}

// Journal appends records to a single JSONL file, fsyncing the file
// and its parent directory on every write.
type Journal struct {
	path string
}

// Open wraps the journal file at path (normally
// runtime/slot_commit_journal.jsonl). It creates nothing itself; the
// file is first written by the first append.
func Open(path string) (*Journal, error) {
	return &Journal{path: path}, nil
}

func (j *Journal) appendLine(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	if err := durafs.AppendFile(j.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return durafs.FsyncDir(dirOf(j.path))
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// Intent writes the intent record for a slot commit: step 2 of
// write protocol, appended before any fact rows.
func (j *Journal) Intent(slotCommitID string, scheduleIdx int, trialID string, attempt int, expectedRows map[string]int, payloadDigest string) error {
	return j.appendLine(Record{
		Kind:          KindIntent,
		SlotCommitID:  slotCommitID,
		ScheduleIdx:   scheduleIdx,
		TrialID:       trialID,
		Attempt:       attempt,
		ExpectedRows:  expectedRows,
		PayloadDigest: payloadDigest,
	})
}

// Commit writes the commit record, the final step of the journal's write
// protocol, appended only after every fact/evidence/benchmark row for
// the slot has been durably written.
func (j *Journal) Commit(slotCommitID string, scheduleIdx int, trialID string, attempt int, writtenRows map[string]int) error {
	return j.appendLine(Record{
		Kind:                  KindCommit,
		SlotCommitID:          slotCommitID,
		ScheduleIdx:           scheduleIdx,
		TrialID:               trialID,
		Attempt:               attempt,
		WrittenRows:           writtenRows,
		FactsFsyncCompleted:   true,
		RuntimeFsyncCompleted: true,
	})
}

// Abort writes an abort record for a slot commit that will not be
// retried under this slot_commit_id (e.g. a stale intent discovered
// during recovery that is being explicitly superseded).
func (j *Journal) Abort(slotCommitID string, scheduleIdx int, trialID string, attempt int, reason string) error {
	return j.appendLine(Record{
		Kind:         KindAbort,
		SlotCommitID: slotCommitID,
		ScheduleIdx:  scheduleIdx,
		TrialID:      trialID,
		Attempt:      attempt,
		AbortReason:  reason,
	})
}

// Skip writes a skip record for scheduleIdx: its variant was pruned
// before a trial was ever dispatched for it.
func (j *Journal) Skip(scheduleIdx int, reason string) error {
	return j.appendLine(Record{
		Kind:        KindSkip,
		ScheduleIdx: scheduleIdx,
		SkipReason:  reason,
	})
}

// SlotCommitID computes the deterministic digest over a slot's full
// deferred payload: slot_commit_id =
// sha256(canonical_json(payload)).
func SlotCommitID(payload any) (string, error) {
	body, err := canonjson.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize payload: %w", err)
	}
	return sha256Hex(body), nil
}

// Replay reads every well-formed record in the journal file in order.
// A truncated trailing line (crash mid-write) is silently dropped, the
// same tolerance the hashchain applies to its own log.
func Replay(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			break
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan %s: %w", path, err)
	}
	return records, nil
}

// CommittedByScheduleIdx derives the set of committed schedule indices
// from a replayed record set, keyed by schedule_idx of each commit
// record.
func CommittedByScheduleIdx(records []Record) map[int]Record {
	out := make(map[int]Record)
	for _, r := range records {
		if r.Kind == KindCommit {
			out[r.ScheduleIdx] = r
		}
	}
	return out
}

// ResolvedByScheduleIdx derives the set of schedule indices that need
// no further dispatch action — either committed (a trial ran and its
// facts are durable) or skipped (the variant was pruned before
// dispatch) — keyed by schedule_idx. Recovery treats both the same way
// when healing the contiguous completed prefix.
func ResolvedByScheduleIdx(records []Record) map[int]Record {
	out := make(map[int]Record)
	for _, r := range records {
		if r.Kind == KindCommit || r.Kind == KindSkip {
			out[r.ScheduleIdx] = r
		}
	}
	return out
}

// IntentOnly returns slot_commit_ids that have an intent record but no
// matching commit — the "uncommitted, rerun" case of
// recovery semantics.
func IntentOnly(records []Record) []Record {
	intents := make(map[string]Record)
	committed := make(map[string]bool)
	for _, r := range records {
		switch r.Kind {
		case KindIntent:
			intents[r.SlotCommitID] = r
		case KindCommit:
			committed[r.SlotCommitID] = true
		case KindAbort:
			delete(intents, r.SlotCommitID)
		}
	}
	var out []Record
	for id, r := range intents {
		if !committed[id] {
			out = append(out, r)
		}
	}
	return out
}
