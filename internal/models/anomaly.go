package models

import (
	"time"
)

// AnomalyRecord is emitted for every bet admitted by the detection engine.
// It carries the originating bet's fields plus the signal breakdown, and is
// immutable once created; ownership passes to storage immediately.
type AnomalyRecord struct {
	ID       string
	MarketID string

	Timestamp time.Time
	Size      float64
	Side      Side
	Price     float64

	ZScore           float64
	DirectionalRatio float64
	BurstScore       float64
	HeuristicScore   float64

	DetectedAt time.Time
	Notified   bool
}
