// Package detector implements the rolling anomaly-detection engine: per-market
// rolling statistics, multi-signal scoring of each incoming bet against its
// market's own recent history, and threshold-based admission.
package detector

import (
	"sync"
	"time"

	"github.com/flowsentry/flowsentry/internal/models"
)

// Snapshot is a read-only view of a market's state as it was before a bet was
// folded in. Bets are always scored against a snapshot that excludes
// themselves.
type Snapshot struct {
	Count    int
	Mean     float64
	Variance float64 // population variance; meaningful only when Count >= 2

	BuyVolume  float64
	SellVolume float64

	Timestamps []time.Time
}

// SideVolume returns the window volume on the given side.
func (s Snapshot) SideVolume(side models.Side) float64 {
	if side == models.SideBuy {
		return s.BuyVolume
	}
	return s.SellVolume
}

// RollingStats owns the market-ID to MarketState map. All mutation goes
// through Update, serialized by a mutex; callers never touch states directly.
type RollingStats struct {
	mu     sync.Mutex
	states map[string]*models.MarketState

	horizon   time.Duration
	maxRecent int
}

// NewRollingStats creates an empty store. horizon bounds the recent-bet
// window by age, maxRecent by entry count.
func NewRollingStats(horizon time.Duration, maxRecent int) *RollingStats {
	return &RollingStats{
		states:    make(map[string]*models.MarketState),
		horizon:   horizon,
		maxRecent: maxRecent,
	}
}

// Update returns the market's state as it was before incorporating bet, then
// mutates the state to include it. A never-seen market ID creates a fresh
// state with Count=0; the cold start is signalled through the snapshot, not
// an error.
func (r *RollingStats) Update(bet *models.Bet) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.getOrCreate(bet.MarketID)
	snap := r.snapshot(state, bet.Timestamp)

	// Welford over bet size.
	state.Count++
	delta := bet.Size - state.Mean
	state.Mean += delta / float64(state.Count)
	delta2 := bet.Size - state.Mean
	state.M2 += delta * delta2

	state.Window = append(state.Window, models.WindowEntry{
		Timestamp: bet.Timestamp,
		Side:      bet.Side,
		Size:      bet.Size,
	})
	r.prune(state, bet.Timestamp)
	state.UpdatedAt = time.Now()

	return snap
}

// Replay folds bet into the state without producing a snapshot. Used when
// rebuilding a market from persisted history after a restart; replayed bets
// are never scored.
func (r *RollingStats) Replay(bet *models.Bet) {
	r.Update(bet)
}

func (r *RollingStats) getOrCreate(marketID string) *models.MarketState {
	if state, exists := r.states[marketID]; exists {
		return state
	}
	state := &models.MarketState{MarketID: marketID}
	r.states[marketID] = state
	return state
}

// snapshot copies the pre-update view, skipping window entries that have
// already aged past the horizon relative to the incoming bet.
func (r *RollingStats) snapshot(state *models.MarketState, now time.Time) Snapshot {
	snap := Snapshot{
		Count: state.Count,
		Mean:  state.Mean,
	}
	if state.Count >= 2 {
		snap.Variance = state.M2 / float64(state.Count)
		if snap.Variance < 0 { // floating-point noise
			snap.Variance = 0
		}
	}

	cutoff := now.Add(-r.horizon)
	for _, e := range state.Window {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if e.Side == models.SideBuy {
			snap.BuyVolume += e.Size
		} else {
			snap.SellVolume += e.Size
		}
		snap.Timestamps = append(snap.Timestamps, e.Timestamp)
	}
	return snap
}

func (r *RollingStats) prune(state *models.MarketState, now time.Time) {
	cutoff := now.Add(-r.horizon)
	keep := 0
	for keep < len(state.Window) && state.Window[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		state.Window = append(state.Window[:0], state.Window[keep:]...)
	}
	if r.maxRecent > 0 && len(state.Window) > r.maxRecent {
		excess := len(state.Window) - r.maxRecent
		state.Window = append(state.Window[:0], state.Window[excess:]...)
	}
}

// Has reports whether a state exists for marketID.
func (r *RollingStats) Has(marketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[marketID]
	return ok
}

// Len returns the number of tracked markets.
func (r *RollingStats) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Restore installs previously checkpointed states, replacing any current
// entry for the same market.
func (r *RollingStats) Restore(states map[string]*models.MarketState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, state := range states {
		r.states[id] = state
	}
}

// Export returns a deep copy of all states for checkpointing.
func (r *RollingStats) Export() map[string]*models.MarketState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*models.MarketState, len(r.states))
	for id, state := range r.states {
		cp := *state
		cp.Window = append([]models.WindowEntry(nil), state.Window...)
		out[id] = &cp
	}
	return out
}
