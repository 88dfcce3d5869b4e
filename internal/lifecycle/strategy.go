package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/basket/policyd/internal/policy"
)

// Assessment is a strategy's reading of a freshly updated state against its
// gates. The state machine turns it into lifecycle edges.
type Assessment struct {
	SufficientEvidence bool
	SustainedReward    bool
	Deprecate          bool
	Blacklist          bool
	Detail             string
}

// Strategy is the per-kind capability the state machine delegates to. All
// methods are pure.
type Strategy interface {
	Kind() policy.Kind
	Gates() Gates
	// IsFailure decides whether the event counts toward failure_count.
	IsFailure(ev policy.OutcomeEvent) bool
	// UpdatePayload folds the event into the kind-specific metrics blob.
	UpdatePayload(prev json.RawMessage, ev policy.OutcomeEvent, failed bool) (json.RawMessage, error)
	// Assess evaluates the gates against a state whose counters and payload
	// already include the event.
	Assess(next policy.PolicyState) (Assessment, error)
}

// NewStrategy builds the strategy for kind driven by gates.
func NewStrategy(kind policy.Kind, gates Gates) (Strategy, error) {
	if err := gates.Validate(); err != nil {
		return nil, fmt.Errorf("gates for %s: %w", kind, err)
	}
	b := base{kind: kind, gates: gates}
	switch kind {
	case policy.KindToolReliability:
		return toolReliability{b}, nil
	case policy.KindPatternEffectiveness:
		return patternEffectiveness{b}, nil
	case policy.KindModelRoutingConfidence:
		return routingConfidence{b}, nil
	case policy.KindRetryThreshold:
		return retryThreshold{b}, nil
	}
	return nil, fmt.Errorf("%w: %q", policy.ErrUnknownKind, kind)
}

type base struct {
	kind  policy.Kind
	gates Gates
}

func (b base) Kind() policy.Kind { return b.kind }
func (b base) Gates() Gates      { return b.gates }

func (b base) IsFailure(ev policy.OutcomeEvent) bool {
	return ev.RewardDelta < b.gates.FailureThreshold
}

// assess applies the shared gate arithmetic to the window carried in the
// payload.
func (b base) assess(next policy.PolicyState, w Window) Assessment {
	g := b.gates
	var a Assessment

	ratio := next.FailureRatio()
	a.SufficientEvidence = next.RunCount >= g.MinRuns && ratio <= g.MaxFailureRatio

	inState := next.RunCount - next.StateEnteredRun
	if inState >= g.SustainRuns {
		ok, mean := w.Sustained(int(g.SustainRuns), g.MinSustainedReward)
		a.SustainedReward = ok
		if ok {
			a.Detail = fmt.Sprintf("mean reward %.3f over last %d runs", mean, g.SustainRuns)
		}
	}

	if w.Len() >= g.DeprecateMinSamples && w.FailureRatio() > g.DeprecateFailureRatio {
		a.Deprecate = true
		a.Detail = fmt.Sprintf("window failure ratio %.3f exceeds %.3f over %d samples",
			w.FailureRatio(), g.DeprecateFailureRatio, w.Len())
	}
	if w.Failures() > g.BlacklistCeiling {
		a.Blacklist = true
		if a.Detail == "" {
			a.Detail = fmt.Sprintf("%d failures in window exceed ceiling %d", w.Failures(), g.BlacklistCeiling)
		}
	}
	if a.Detail == "" && a.SufficientEvidence {
		a.Detail = fmt.Sprintf("%d runs, failure ratio %.3f <= %.3f", next.RunCount, ratio, g.MaxFailureRatio)
	}
	return a
}

func (b base) smooth(prev, x float64, n int64) float64 {
	if n <= 1 {
		return x
	}
	alpha := b.gates.Smoothing
	if alpha == 0 {
		alpha = 1 / float64(n)
	}
	return alpha*x + (1-alpha)*prev
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// toolReliability tracks a smoothed success rate.
type toolReliability struct{ base }

type toolPayload struct {
	SuccessRate float64 `json:"success_rate"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	LastReward  float64 `json:"last_reward"`
	Window      Window  `json:"window"`
}

func (s toolReliability) UpdatePayload(prev json.RawMessage, ev policy.OutcomeEvent, failed bool) (json.RawMessage, error) {
	var p toolPayload
	if err := decode(prev, &p); err != nil {
		return nil, err
	}
	x := 1.0
	if failed {
		x = 0
		p.Failures++
	} else {
		p.Successes++
	}
	p.SuccessRate = s.smooth(p.SuccessRate, x, p.Successes+p.Failures)
	p.LastReward = ev.RewardDelta
	p.Window.Push(Sample{Reward: ev.RewardDelta, Failed: failed}, s.gates.EvaluationWindow)
	return json.Marshal(p)
}

func (s toolReliability) Assess(next policy.PolicyState) (Assessment, error) {
	var p toolPayload
	if err := decode(next.Payload, &p); err != nil {
		return Assessment{}, err
	}
	return s.assess(next, p.Window), nil
}

// patternEffectiveness treats a non-improving application as a failure and
// tracks reward accumulation and streaks.
type patternEffectiveness struct{ base }

type patternPayload struct {
	Applications     int64   `json:"applications"`
	CumulativeReward float64 `json:"cumulative_reward"`
	MeanReward       float64 `json:"mean_reward"`
	CurrentStreak    int64   `json:"current_streak"`
	BestStreak       int64   `json:"best_streak"`
	Window           Window  `json:"window"`
}

func (s patternEffectiveness) IsFailure(ev policy.OutcomeEvent) bool {
	return ev.RewardDelta <= s.gates.FailureThreshold
}

func (s patternEffectiveness) UpdatePayload(prev json.RawMessage, ev policy.OutcomeEvent, failed bool) (json.RawMessage, error) {
	var p patternPayload
	if err := decode(prev, &p); err != nil {
		return nil, err
	}
	p.Applications++
	p.CumulativeReward += ev.RewardDelta
	p.MeanReward = p.CumulativeReward / float64(p.Applications)
	if failed {
		p.CurrentStreak = 0
	} else {
		p.CurrentStreak++
		if p.CurrentStreak > p.BestStreak {
			p.BestStreak = p.CurrentStreak
		}
	}
	p.Window.Push(Sample{Reward: ev.RewardDelta, Failed: failed}, s.gates.EvaluationWindow)
	return json.Marshal(p)
}

func (s patternEffectiveness) Assess(next policy.PolicyState) (Assessment, error) {
	var p patternPayload
	if err := decode(next.Payload, &p); err != nil {
		return Assessment{}, err
	}
	return s.assess(next, p.Window), nil
}

// routingConfidence keeps a Beta(alpha, beta) posterior over routing success
// and a Brier score of how well the prior confidence predicted each outcome.
type routingConfidence struct{ base }

type routingPayload struct {
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	Confidence float64 `json:"confidence"`
	Brier      float64 `json:"brier"`
	Samples    int64   `json:"samples"`
	Window     Window  `json:"window"`
}

func (s routingConfidence) UpdatePayload(prev json.RawMessage, ev policy.OutcomeEvent, failed bool) (json.RawMessage, error) {
	var p routingPayload
	if err := decode(prev, &p); err != nil {
		return nil, err
	}
	if p.Alpha == 0 && p.Beta == 0 {
		// uniform prior
		p.Alpha, p.Beta = 1, 1
		p.Confidence = 0.5
	}
	outcome := 1.0
	if failed {
		outcome = 0
		p.Beta++
	} else {
		p.Alpha++
	}
	p.Samples++
	sq := (p.Confidence - outcome) * (p.Confidence - outcome)
	p.Brier = s.smooth(p.Brier, sq, p.Samples)
	p.Confidence = p.Alpha / (p.Alpha + p.Beta)
	p.Window.Push(Sample{Reward: ev.RewardDelta, Failed: failed}, s.gates.EvaluationWindow)
	return json.Marshal(p)
}

func (s routingConfidence) Assess(next policy.PolicyState) (Assessment, error) {
	var p routingPayload
	if err := decode(next.Payload, &p); err != nil {
		return Assessment{}, err
	}
	return s.assess(next, p.Window), nil
}

// retryThreshold tracks failure runs and recommends the retry budget that
// would have covered the longest one observed.
type retryThreshold struct{ base }

type retryPayload struct {
	Attempts               int64  `json:"attempts"`
	ConsecutiveFailures    int64  `json:"consecutive_failures"`
	MaxConsecutiveFailures int64  `json:"max_consecutive_failures"`
	RecommendedThreshold   int64  `json:"recommended_threshold"`
	Window                 Window `json:"window"`
}

func (s retryThreshold) UpdatePayload(prev json.RawMessage, ev policy.OutcomeEvent, failed bool) (json.RawMessage, error) {
	var p retryPayload
	if err := decode(prev, &p); err != nil {
		return nil, err
	}
	p.Attempts++
	if failed {
		p.ConsecutiveFailures++
		if p.ConsecutiveFailures > p.MaxConsecutiveFailures {
			p.MaxConsecutiveFailures = p.ConsecutiveFailures
		}
	} else {
		p.ConsecutiveFailures = 0
	}
	p.RecommendedThreshold = p.MaxConsecutiveFailures + 1
	p.Window.Push(Sample{Reward: ev.RewardDelta, Failed: failed}, s.gates.EvaluationWindow)
	return json.Marshal(p)
}

func (s retryThreshold) Assess(next policy.PolicyState) (Assessment, error) {
	var p retryPayload
	if err := decode(next.Payload, &p); err != nil {
		return Assessment{}, err
	}
	return s.assess(next, p.Window), nil
}
