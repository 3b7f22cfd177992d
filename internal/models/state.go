package models

import (
	"time"
)

// WindowEntry is one recent bet retained inside a market's clustering window.
type WindowEntry struct {
	Timestamp time.Time `json:"ts"`
	Side      Side      `json:"side"`
	Size      float64   `json:"size"`
}

// MarketState holds the rolling baseline for a single market: all-time
// Welford accumulators over bet size plus a bounded window of recent bets.
// The window serves both the directional side totals and the burst
// timestamps, so both always share the same horizon. Entries are ordered by
// timestamp, oldest first, and evicted FIFO as they age past the horizon or
// the retention cap.
type MarketState struct {
	MarketID string

	Count int
	Mean  float64
	M2    float64

	Window []WindowEntry

	UpdatedAt time.Time
}
