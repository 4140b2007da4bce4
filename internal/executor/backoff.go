// Retry backoff for the trial executor's internal retry envelope: an
// initial/factor/cap/jitter shape computed by DelayForAttempt, with
// jitter seeded through blake3 rather than sha256, keeping sha256
// reserved for content addressing.
package executor

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// BackoffConfig configures retry delays between attempts of one trial.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DelayForAttempt computes the delay before the given 1-indexed
// attempt, applying exponential backoff capped at MaxDelayMS and
// optional jitter in [0.5, 1.5) keyed off jitterSeed.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit maps seed to a pseudo-random value in [0, 1) via blake3.
func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

// delayForTrial builds the jitter seed from (run_id, trial_id, attempt)
// so two trials in the same run never share a jitter draw.
func delayForTrial(runID, trialID string, attempt int, cfg BackoffConfig) time.Duration {
	seed := fmt.Sprintf("%s:%s:%d", runID, trialID, attempt)
	return DelayForAttempt(attempt, cfg, seed)
}
