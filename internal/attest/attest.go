// Package attest renders a single human-readable summary of a run
// from whatever is already on disk: schedule_progress, run_control,
// the commit journal, and the durability preflight result. It never
// re-derives state the coordinator already persisted; it only reads
// and formats it.
package attest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentlab/runner/internal/durafs"
	"github.com/agentlab/runner/internal/journal"
	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/runstate"
)

// Report is the rendered attestation of one run directory.
type Report struct {
	RunDir            string    `json:"run_dir"`
	GeneratedAt       time.Time `json:"generated_at"`
	Status            model.RunStatus `json:"status"`
	TotalSlots        int       `json:"total_slots"`
	CommittedSlots    int       `json:"committed_slots"`
	SucceededSlots    int       `json:"succeeded_slots"`
	FailedSlots       int       `json:"failed_slots"`
	IntentOnlySlots   int       `json:"intent_only_slots"`
	PrunedVariants    []string  `json:"pruned_variants"`
	DurableFS         bool      `json:"durable_fs"`
	DurabilityWarning string    `json:"durability_warning,omitempty"`
}

// Build reads runDir's runtime state and journal and assembles a
// Report. It tolerates a missing journal (a run that crashed before
// its first intent record) but requires schedule_progress/run_control
// to already exist.
func Build(runDir string) (*Report, error) {
	runtimeDir := filepath.Join(runDir, "runtime")
	store := runstate.Open(runtimeDir)

	progress, err := store.LoadProgress()
	if err != nil {
		return nil, fmt.Errorf("attest: load schedule_progress: %w", err)
	}
	ctrl, err := store.LoadControl()
	if err != nil {
		return nil, fmt.Errorf("attest: load run_control: %w", err)
	}

	records, err := journal.Replay(filepath.Join(runtimeDir, "slot_commit_journal.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("attest: replay journal: %w", err)
	}
	committed := journal.CommittedByScheduleIdx(records)
	intentOnly := journal.IntentOnly(records)

	r := &Report{
		RunDir:          runDir,
		GeneratedAt:     time.Now(),
		Status:          ctrl.Status,
		TotalSlots:      progress.TotalSlots,
		CommittedSlots:  len(committed),
		IntentOnlySlots: len(intentOnly),
	}
	for _, entry := range progress.CompletedSlots {
		if entry.Status == model.TrialSucceeded {
			r.SucceededSlots++
		} else if entry.Status != model.TrialSkipped {
			r.FailedSlots++
		}
	}
	r.PrunedVariants = append([]string(nil), progress.PrunedVariants...)
	sort.Strings(r.PrunedVariants)

	pre := durafs.Preflight(runtimeDir)
	r.DurableFS = pre.Durable
	r.DurabilityWarning = pre.Warning

	return r, nil
}

// Render formats a Report as a short plain-text summary, the way a
// terminal operator would want it printed.
func Render(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run: %s\n", r.RunDir)
	fmt.Fprintf(&b, "status: %s\n", r.Status)
	fmt.Fprintf(&b, "slots: %d total, %d committed (%d succeeded, %d failed), %d intent-only\n",
		r.TotalSlots, r.CommittedSlots, r.SucceededSlots, r.FailedSlots, r.IntentOnlySlots)
	if len(r.PrunedVariants) > 0 {
		fmt.Fprintf(&b, "pruned variants: %s\n", strings.Join(r.PrunedVariants, ", "))
	}
	if !r.DurableFS {
		fmt.Fprintf(&b, "WARNING: %s\n", r.DurabilityWarning)
	}
	return b.String()
}

// WriteJSON marshals r as indented JSON, matching the run directory's
// other durable artifacts.
func WriteJSON(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
