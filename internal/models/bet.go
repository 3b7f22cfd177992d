// Package models defines the core domain entities: bets, market states, and
// anomaly records.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Side identifies which side of a market a bet backs.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Bet is a single trade observed in a P2P betting market. It is immutable
// once received; the detector only ever reads it.
type Bet struct {
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Size      float64   `json:"size"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price,omitempty"` // odds as probability; 0 = not reported
}

// Validate checks bet field constraints. A bet that fails validation must be
// rejected at the ingestion boundary: folding it into the rolling statistics
// would poison them irreversibly.
func (b *Bet) Validate() error {
	if b.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if b.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if b.Size <= 0 {
		return fmt.Errorf("bet size must be positive, got %v", b.Size)
	}
	if !b.Side.Valid() {
		return fmt.Errorf("unknown side %q, want %s or %s", string(b.Side), SideBuy, SideSell)
	}
	if b.Price < 0 || b.Price > 1 {
		return fmt.Errorf("price must be within [0, 1], got %v", b.Price)
	}
	return nil
}
