package detector

import (
	"math"
)

// Weights are the non-negative coefficients of the heuristic combination.
type Weights struct {
	Z float64
	D float64
	B float64
}

// ScorerConfig is the immutable admission policy for one scorer instance.
// Thresholds default to 0.0, a fully open baseline operators tune up from
// while watching score distributions.
type ScorerConfig struct {
	ZMin    float64
	DRMin   float64
	HMin    float64
	Weights Weights
}

// AnomalyScorer combines a bet's signals into one heuristic score and decides
// admission. Scoring is a pure total function over the signal set; it holds
// no mutable state.
type AnomalyScorer struct {
	cfg ScorerConfig
}

// NewAnomalyScorer builds a scorer with the given policy.
func NewAnomalyScorer(cfg ScorerConfig) *AnomalyScorer {
	return &AnomalyScorer{cfg: cfg}
}

// Score returns the weighted heuristic score for sig and whether the bet is
// admitted as an anomaly. Only the positive direction of the z-score counts:
// unusually small bets are not flagged. The directional term measures
// distance from balance on either side; the burst term is magnitude-based.
// Admission requires every configured minimum simultaneously.
func (s *AnomalyScorer) Score(sig SignalSet) (float64, bool) {
	w := s.cfg.Weights
	heuristic := w.Z*math.Max(sig.ZScore, 0) +
		w.D*math.Abs(sig.DirectionalRatio-0.5)*2 +
		w.B*sig.BurstScore

	admitted := sig.ZScore >= s.cfg.ZMin &&
		sig.DirectionalRatio >= s.cfg.DRMin &&
		heuristic >= s.cfg.HMin

	return heuristic, admitted
}
