package detector

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/flowsentry/internal/logger"
	"github.com/flowsentry/flowsentry/internal/models"
)

// Config collects the engine's tunables.
type Config struct {
	ClusteringHorizon time.Duration
	HistoryRetention  int
	ExpectedPerWindow float64

	ZMin    float64
	DRMin   float64
	HMin    float64
	Weights Weights

	TopK               int
	CooldownMultiplier int
	CheckpointInterval int
}

// DefaultConfig returns the permissive baseline: every threshold at its
// floor, equal weights.
func DefaultConfig() Config {
	return Config{
		ClusteringHorizon:  30 * time.Minute,
		HistoryRetention:   256,
		ExpectedPerWindow:  30,
		ZMin:               0.0,
		DRMin:              0.0,
		HMin:               0.0,
		Weights:            Weights{Z: 1.0, D: 1.0, B: 1.0},
		TopK:               10,
		CooldownMultiplier: 5,
		CheckpointInterval: 12,
	}
}

// Store is the slice of the persistence collaborator the engine needs:
// anomaly emission plus state checkpointing.
type Store interface {
	AddAnomaly(record *models.AnomalyRecord) error
	SaveState(marketID string, state *models.MarketState) error
	LoadAllStates() (map[string]*models.MarketState, error)
}

type notifiedRecord struct {
	Score  float64
	SentAt time.Time
}

// Engine orchestrates per-bet detection: update rolling stats, compute
// signals against the pre-update snapshot, score, and emit an AnomalyRecord
// on admission. It holds no memory of a bet after processing it; only the
// aggregate market state persists.
type Engine struct {
	store           Store
	stats           *RollingStats
	signals         *SignalComputer
	scorer          *AnomalyScorer
	notifiedMarkets map[string]notifiedRecord
	config          Config
	cycleCount      int
}

// New builds an engine over store and rehydrates any checkpointed market
// states.
func New(store Store, config Config) *Engine {
	e := &Engine{
		store:           store,
		stats:           NewRollingStats(config.ClusteringHorizon, config.HistoryRetention),
		signals:         NewSignalComputer(config.ClusteringHorizon, config.ExpectedPerWindow),
		scorer:          NewAnomalyScorer(ScorerConfig{ZMin: config.ZMin, DRMin: config.DRMin, HMin: config.HMin, Weights: config.Weights}),
		notifiedMarkets: make(map[string]notifiedRecord),
		config:          config,
	}

	persisted, err := store.LoadAllStates()
	if err != nil {
		logger.Warn("Failed to load persisted states: %v", err)
	} else if len(persisted) > 0 {
		e.stats.Restore(persisted)
		logger.Info("Loaded %d persisted market states", len(persisted))
	}

	return e
}

// Process runs the full pipeline for one bet. It returns the emitted record
// when the bet is admitted, nil when it is not, and an error only for a
// precondition violation (the bet never reaches the rolling statistics) or a
// persistence failure.
func (e *Engine) Process(bet *models.Bet) (*models.AnomalyRecord, error) {
	if err := bet.Validate(); err != nil {
		return nil, fmt.Errorf("rejecting malformed bet: %w", err)
	}

	snap := e.stats.Update(bet)
	sig := e.signals.Compute(bet, snap)
	heuristic, admitted := e.scorer.Score(sig)
	if !admitted {
		return nil, nil
	}

	record := &models.AnomalyRecord{
		ID:               uuid.New().String(),
		MarketID:         bet.MarketID,
		Timestamp:        bet.Timestamp,
		Size:             bet.Size,
		Side:             bet.Side,
		Price:            bet.Price,
		ZScore:           sig.ZScore,
		DirectionalRatio: sig.DirectionalRatio,
		BurstScore:       sig.BurstScore,
		HeuristicScore:   heuristic,
		DetectedAt:       time.Now(),
	}
	if err := e.store.AddAnomaly(record); err != nil {
		return nil, fmt.Errorf("failed to persist anomaly: %w", err)
	}
	return record, nil
}

// ProcessBatch runs one poll cycle's bets through the pipeline in order and
// returns the admitted records. Malformed bets are logged and skipped; they
// never reach the statistics.
func (e *Engine) ProcessBatch(bets []models.Bet) []models.AnomalyRecord {
	var records []models.AnomalyRecord
	var processed, rejected int
	var maxScore float64

	for i := range bets {
		record, err := e.Process(&bets[i])
		if err != nil {
			rejected++
			logger.Warn("Bet for market %s dropped: %v", bets[i].MarketID, err)
			continue
		}
		processed++
		if record != nil {
			records = append(records, *record)
			if record.HeuristicScore > maxScore {
				maxScore = record.HeuristicScore
			}
			logger.Debug("Anomaly %s: market=%s side=%s size=%.2f z=%.3f ratio=%.3f burst=%.3f score=%.3f",
				record.ID, record.MarketID, record.Side, record.Size,
				record.ZScore, record.DirectionalRatio, record.BurstScore, record.HeuristicScore)
		}
	}

	logger.Debug("Processed %d bets across %d markets: %d admitted (max_score=%.3f), %d rejected",
		processed, e.stats.Len(), len(records), maxScore, rejected)

	e.cycleCount++
	if e.config.CheckpointInterval > 0 && e.cycleCount%e.config.CheckpointInterval == 0 {
		e.checkpoint()
	}

	return records
}

// Rehydrate replays persisted bet history for a market that has no
// checkpointed state, rebuilding its baseline without scoring or emitting.
func (e *Engine) Rehydrate(marketID string, history []models.Bet) {
	if e.stats.Has(marketID) {
		return
	}
	replayed := 0
	for i := range history {
		if history[i].MarketID != marketID {
			continue
		}
		if err := history[i].Validate(); err != nil {
			continue
		}
		e.stats.Replay(&history[i])
		replayed++
	}
	if replayed > 0 {
		logger.Debug("Rehydrated market %s from %d historical bets", marketID, replayed)
	}
}

// TrackedMarkets returns the number of markets with live state.
func (e *Engine) TrackedMarkets() int {
	return e.stats.Len()
}

func (e *Engine) checkpoint() {
	for marketID, state := range e.stats.Export() {
		if err := e.store.SaveState(marketID, state); err != nil {
			logger.Warn("Failed to checkpoint state for %s: %v", marketID, err)
		}
	}
}

// Shutdown checkpoints all market states before the process exits.
func (e *Engine) Shutdown() {
	logger.Info("Checkpointing %d market states before shutdown", e.stats.Len())
	e.checkpoint()
}

// TopForNotification ranks admitted records by heuristic score, caps the
// result at TopK, and drops markets already notified within the cooldown
// window. pollInterval scales the cooldown.
func (e *Engine) TopForNotification(records []models.AnomalyRecord, pollInterval time.Duration) []models.AnomalyRecord {
	sorted := append([]models.AnomalyRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].HeuristicScore > sorted[j].HeuristicScore
	})
	if e.config.TopK > 0 && len(sorted) > e.config.TopK {
		sorted = sorted[:e.config.TopK]
	}

	cooldown := time.Duration(e.config.CooldownMultiplier) * pollInterval
	now := time.Now()
	var result []models.AnomalyRecord
	for _, record := range sorted {
		rec, exists := e.notifiedMarkets[record.MarketID]
		if exists && now.Sub(rec.SentAt) < cooldown && record.HeuristicScore <= rec.Score {
			continue
		}
		result = append(result, record)
	}
	return result
}

// RecordNotified marks the given records' markets as recently notified.
func (e *Engine) RecordNotified(records []models.AnomalyRecord) {
	now := time.Now()
	for _, record := range records {
		e.notifiedMarkets[record.MarketID] = notifiedRecord{
			Score:  record.HeuristicScore,
			SentAt: now,
		}
	}
}
