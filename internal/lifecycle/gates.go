package lifecycle

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/basket/policyd/internal/policy"
)

// Gates are the externally supplied thresholds for one policy kind. There are
// no built-in defaults: a kind without configured gates has no strategy.
type Gates struct {
	// MinRuns and MaxFailureRatio form the candidate -> validated gate. The
	// ratio is cumulative over the policy's whole history.
	MinRuns         int64   `yaml:"min_runs" json:"min_runs"`
	MaxFailureRatio float64 `yaml:"max_failure_ratio" json:"max_failure_ratio"`

	// SustainRuns and MinSustainedReward form the validated -> promoted gate:
	// at least SustainRuns runs since validation, none of the last SustainRuns
	// samples failing, and their mean reward at or above MinSustainedReward.
	SustainRuns        int64   `yaml:"sustain_runs" json:"sustain_runs"`
	MinSustainedReward float64 `yaml:"min_sustained_reward" json:"min_sustained_reward"`

	// Deprecation fires when the failure ratio over the evaluation window
	// exceeds DeprecateFailureRatio with at least DeprecateMinSamples samples.
	DeprecateFailureRatio float64 `yaml:"deprecate_failure_ratio" json:"deprecate_failure_ratio"`
	DeprecateMinSamples   int     `yaml:"deprecate_min_samples" json:"deprecate_min_samples"`

	// BlacklistCeiling is the number of failures within the evaluation window
	// that may be tolerated; one more sets the blacklist flag.
	BlacklistCeiling int `yaml:"blacklist_ceiling" json:"blacklist_ceiling"`
	EvaluationWindow int `yaml:"evaluation_window" json:"evaluation_window"`

	// FailureThreshold is the reward_delta boundary below which (or, for
	// pattern-effectiveness, at or below which) a run counts as a failure.
	FailureThreshold float64 `yaml:"failure_threshold" json:"failure_threshold"`
	// Smoothing is the EWMA weight for kinds that keep a moving estimate.
	// Zero selects a plain running mean.
	Smoothing float64 `yaml:"smoothing" json:"smoothing"`
}

// Validate rejects gate sets that cannot drive the state machine.
func (g Gates) Validate() error {
	for name, f := range map[string]float64{
		"max_failure_ratio":       g.MaxFailureRatio,
		"min_sustained_reward":    g.MinSustainedReward,
		"deprecate_failure_ratio": g.DeprecateFailureRatio,
		"failure_threshold":       g.FailureThreshold,
		"smoothing":               g.Smoothing,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	if g.MinRuns < 1 {
		return fmt.Errorf("min_runs must be >= 1")
	}
	if g.MaxFailureRatio < 0 || g.MaxFailureRatio > 1 {
		return fmt.Errorf("max_failure_ratio must be within [0,1]")
	}
	if g.SustainRuns < 1 {
		return fmt.Errorf("sustain_runs must be >= 1")
	}
	if g.EvaluationWindow < 1 {
		return fmt.Errorf("evaluation_window must be >= 1")
	}
	if int64(g.EvaluationWindow) < g.SustainRuns {
		return fmt.Errorf("evaluation_window (%d) must cover sustain_runs (%d)", g.EvaluationWindow, g.SustainRuns)
	}
	if g.DeprecateFailureRatio < 0 || g.DeprecateFailureRatio > 1 {
		return fmt.Errorf("deprecate_failure_ratio must be within [0,1]")
	}
	if g.DeprecateMinSamples < 1 || g.DeprecateMinSamples > g.EvaluationWindow {
		return fmt.Errorf("deprecate_min_samples must be within [1,evaluation_window]")
	}
	if g.BlacklistCeiling < 0 {
		return fmt.Errorf("blacklist_ceiling must be >= 0")
	}
	if g.Smoothing < 0 || g.Smoothing > 1 {
		return fmt.Errorf("smoothing must be within [0,1]")
	}
	return nil
}

// Version is a stable fingerprint of the gate values, pinned into audit
// records so replay can tell whether the current gates produced them.
func (g Gates) Version() string {
	raw, _ := json.Marshal(g)
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return fmt.Sprintf("gates-%x", h.Sum64())
}

// GatesSet maps each configured kind to its gates.
type GatesSet map[policy.Kind]Gates

// Validate checks every entry and rejects kinds outside the closed set.
func (s GatesSet) Validate() error {
	for _, kind := range s.Kinds() {
		if !kind.Valid() {
			return fmt.Errorf("gates: unknown policy kind %q", kind)
		}
		if err := s[kind].Validate(); err != nil {
			return fmt.Errorf("gates[%s]: %w", kind, err)
		}
	}
	return nil
}

// Kinds returns the configured kinds in sorted order.
func (s GatesSet) Kinds() []policy.Kind {
	kinds := make([]policy.Kind, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Version fingerprints the whole set.
func (s GatesSet) Version() string {
	h := fnv.New64a()
	for _, kind := range s.Kinds() {
		_, _ = h.Write([]byte(kind))
		_, _ = h.Write([]byte(s[kind].Version()))
	}
	return fmt.Sprintf("gateset-%x", h.Sum64())
}
