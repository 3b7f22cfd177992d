package detector

import (
	"math"
	"time"

	"github.com/flowsentry/flowsentry/internal/models"
)

const (
	// Epsilon is the tolerance used when comparing bet sizes against the mean.
	Epsilon = 1e-9

	// zeroVarianceZ stands in for "maximally anomalous" when every prior bet
	// had the identical size and the new one differs. A finite cap keeps the
	// heuristic combination and ranking arithmetic well behaved.
	zeroVarianceZ = 10.0
)

// SignalSet holds the three per-bet anomaly signals, each derived solely from
// the pre-update snapshot.
type SignalSet struct {
	ZScore           float64
	DirectionalRatio float64
	BurstScore       float64
}

// SignalComputer derives the anomaly signals for one incoming bet. It never
// mutates market state; mutation is RollingStats's exclusive responsibility.
type SignalComputer struct {
	horizon           time.Duration
	expectedPerWindow float64
}

// NewSignalComputer creates a computer for the given clustering horizon.
// expectedPerWindow is the baseline number of bets expected inside one
// horizon window (typically horizon divided by the poll interval); values
// below 1 are floored at 1 so sparse feeds don't inflate every burst score.
func NewSignalComputer(horizon time.Duration, expectedPerWindow float64) *SignalComputer {
	if expectedPerWindow < 1 {
		expectedPerWindow = 1
	}
	return &SignalComputer{horizon: horizon, expectedPerWindow: expectedPerWindow}
}

// Compute derives the signal set for bet against snap. Cold markets yield
// neutral signals rather than errors: with fewer than two prior bets both
// the z-score and the burst score are 0, so insufficient history can never
// trigger a false flag.
func (c *SignalComputer) Compute(bet *models.Bet, snap Snapshot) SignalSet {
	return SignalSet{
		ZScore:           c.zScore(bet, snap),
		DirectionalRatio: c.directionalRatio(bet, snap),
		BurstScore:       c.burstScore(bet, snap),
	}
}

func (c *SignalComputer) zScore(bet *models.Bet, snap Snapshot) float64 {
	if snap.Count < 2 {
		return 0
	}
	if snap.Variance > 0 {
		return (bet.Size - snap.Mean) / math.Sqrt(snap.Variance)
	}
	// Zero variance: all prior sizes identical. A matching size is perfectly
	// ordinary; a differing one is off the scale and gets the capped value.
	if math.Abs(bet.Size-snap.Mean) <= Epsilon {
		return 0
	}
	return zeroVarianceZ
}

func (c *SignalComputer) directionalRatio(bet *models.Bet, snap Snapshot) float64 {
	total := snap.BuyVolume + snap.SellVolume
	if total <= 0 {
		// A lone bet is maximally directional by convention.
		return 1.0
	}
	return (snap.SideVolume(bet.Side) + bet.Size) / (total + bet.Size)
}

func (c *SignalComputer) burstScore(bet *models.Bet, snap Snapshot) float64 {
	if len(snap.Timestamps) < 2 {
		return 0
	}
	cutoff := bet.Timestamp.Add(-c.horizon)
	observed := 0
	for _, ts := range snap.Timestamps {
		if !ts.Before(cutoff) && !ts.After(bet.Timestamp) {
			observed++
		}
	}
	return float64(observed) / c.expectedPerWindow
}
