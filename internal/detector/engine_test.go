package detector

import (
	"errors"
	"testing"
	"time"

	"github.com/flowsentry/flowsentry/internal/models"
)

type fakeStore struct {
	anomalies   []models.AnomalyRecord
	states      map[string]*models.MarketState
	failAnomaly bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*models.MarketState)}
}

func (f *fakeStore) AddAnomaly(record *models.AnomalyRecord) error {
	if f.failAnomaly {
		return errors.New("disk full")
	}
	f.anomalies = append(f.anomalies, *record)
	return nil
}

func (f *fakeStore) SaveState(marketID string, state *models.MarketState) error {
	f.states[marketID] = state
	return nil
}

func (f *fakeStore) LoadAllStates() (map[string]*models.MarketState, error) {
	return f.states, nil
}

func openConfig() Config {
	cfg := DefaultConfig()
	cfg.ClusteringHorizon = 2 * time.Hour
	cfg.ExpectedPerWindow = 10
	return cfg
}

func TestEngine_AdmitsOversizedBetOnOneSidedMarket(t *testing.T) {
	store := newFakeStore()
	cfg := openConfig()
	cfg.DRMin = 0.5
	e := New(store, cfg)

	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := e.Process(betAt("m-1", now.Add(time.Duration(i)*time.Minute), 100, models.SideBuy)); err != nil {
			t.Fatalf("prior bet %d: %v", i, err)
		}
	}

	record, err := e.Process(betAt("m-1", now.Add(3*time.Minute), 1000, models.SideBuy))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if record == nil {
		t.Fatal("oversized same-side bet not admitted")
	}
	if record.ZScore != zeroVarianceZ {
		t.Errorf("z-score = %v, want the zero-variance cap %v", record.ZScore, zeroVarianceZ)
	}
	if record.DirectionalRatio != 1.0 {
		t.Errorf("directional ratio = %v, want 1.0", record.DirectionalRatio)
	}
	if record.HeuristicScore <= 0 {
		t.Errorf("heuristic score = %v, want > 0", record.HeuristicScore)
	}
	if record.ID == "" {
		t.Error("record has no ID")
	}
	if record.MarketID != "m-1" || record.Size != 1000 || record.Side != models.SideBuy {
		t.Errorf("record carries wrong bet fields: %+v", record)
	}
}

func TestEngine_ColdStartCannotTriggerWithZFloor(t *testing.T) {
	store := newFakeStore()
	cfg := openConfig()
	cfg.ZMin = 0.1
	e := New(store, cfg)

	record, err := e.Process(betAt("fresh", time.Now(), 1e6, models.SideBuy))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if record != nil {
		t.Errorf("first bet of a cold market admitted: %+v", record)
	}
}

func TestEngine_BalancedMarketNotAdmittedUnderDirectionalFloor(t *testing.T) {
	store := newFakeStore()
	cfg := openConfig()
	cfg.DRMin = 0.6
	e := New(store, cfg)

	now := time.Now().Add(-time.Hour)
	for i := 0; i < 50; i++ {
		side := models.SideBuy
		if i%2 == 1 {
			side = models.SideSell
		}
		if _, err := e.Process(betAt("m-1", now.Add(time.Duration(i)*time.Minute), 100, side)); err != nil {
			t.Fatalf("bet %d: %v", i, err)
		}
	}

	record, err := e.Process(betAt("m-1", now.Add(51*time.Minute), 100, models.SideSell))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if record != nil {
		t.Errorf("average bet on a balanced market admitted: ratio=%v", record.DirectionalRatio)
	}
}

func TestEngine_RejectsMalformedBetBeforeStats(t *testing.T) {
	store := newFakeStore()
	e := New(store, openConfig())
	now := time.Now()

	bad := []*models.Bet{
		{MarketID: "m-1", Timestamp: now, Size: -5, Side: models.SideBuy},
		{MarketID: "m-1", Timestamp: now, Size: 0, Side: models.SideSell},
		{MarketID: "m-1", Timestamp: now, Size: 10, Side: "HOLD"},
		{MarketID: "", Timestamp: now, Size: 10, Side: models.SideBuy},
	}
	for _, bet := range bad {
		if _, err := e.Process(bet); err == nil {
			t.Errorf("malformed bet accepted: %+v", bet)
		}
	}

	// The rejected bets must not have poisoned the state: the next valid bet
	// still sees a cold market.
	if e.TrackedMarkets() != 0 {
		t.Fatalf("rejected bets created state for %d markets", e.TrackedMarkets())
	}
}

func TestEngine_PersistsAnomaliesInDetectionOrder(t *testing.T) {
	store := newFakeStore()
	e := New(store, openConfig()) // fully open thresholds admit everything
	now := time.Now()

	markets := []string{"a", "b", "c"}
	for i, m := range markets {
		if _, err := e.Process(betAt(m, now.Add(time.Duration(i)*time.Second), 100, models.SideBuy)); err != nil {
			t.Fatalf("Process %s: %v", m, err)
		}
	}

	if len(store.anomalies) != 3 {
		t.Fatalf("persisted %d anomalies, want 3", len(store.anomalies))
	}
	for i, m := range markets {
		if store.anomalies[i].MarketID != m {
			t.Errorf("anomaly %d is for market %s, want %s", i, store.anomalies[i].MarketID, m)
		}
	}
}

func TestEngine_PersistenceFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	store.failAnomaly = true
	e := New(store, openConfig())

	if _, err := e.Process(betAt("m-1", time.Now(), 100, models.SideBuy)); err == nil {
		t.Error("expected error when anomaly persistence fails")
	}
}

func TestEngine_ProcessBatchSkipsMalformed(t *testing.T) {
	store := newFakeStore()
	e := New(store, openConfig())
	now := time.Now()

	bets := []models.Bet{
		*betAt("m-1", now, 100, models.SideBuy),
		{MarketID: "m-1", Timestamp: now, Size: -1, Side: models.SideBuy},
		*betAt("m-1", now.Add(time.Second), 120, models.SideBuy),
	}
	records := e.ProcessBatch(bets)
	if len(records) != 2 {
		t.Errorf("admitted %d records, want 2", len(records))
	}
}

func TestEngine_CheckpointsOnInterval(t *testing.T) {
	store := newFakeStore()
	cfg := openConfig()
	cfg.CheckpointInterval = 2
	e := New(store, cfg)
	now := time.Now()

	e.ProcessBatch([]models.Bet{*betAt("m-1", now, 100, models.SideBuy)})
	if len(store.states) != 0 {
		t.Fatal("checkpointed before the interval elapsed")
	}
	e.ProcessBatch([]models.Bet{*betAt("m-1", now.Add(time.Second), 100, models.SideBuy)})
	if len(store.states) != 1 {
		t.Fatalf("checkpointed %d states, want 1", len(store.states))
	}
}

func TestEngine_ShutdownCheckpoints(t *testing.T) {
	store := newFakeStore()
	e := New(store, openConfig())
	e.ProcessBatch([]models.Bet{*betAt("m-1", time.Now(), 100, models.SideBuy)})

	e.Shutdown()
	if _, ok := store.states["m-1"]; !ok {
		t.Error("shutdown did not checkpoint market state")
	}
}

func TestEngine_RestoresCheckpointedStates(t *testing.T) {
	store := newFakeStore()
	first := New(store, openConfig())
	now := time.Now()
	for i := 0; i < 5; i++ {
		first.ProcessBatch([]models.Bet{*betAt("m-1", now.Add(time.Duration(i)*time.Second), 100, models.SideBuy)})
	}
	first.Shutdown()

	second := New(store, openConfig())
	if second.TrackedMarkets() != 1 {
		t.Fatalf("restored %d markets, want 1", second.TrackedMarkets())
	}

	// A wildly oversized bet against the restored baseline scores high.
	record, err := second.Process(betAt("m-1", now.Add(time.Minute), 1000, models.SideBuy))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if record == nil || record.ZScore != zeroVarianceZ {
		t.Errorf("restored baseline not applied: %+v", record)
	}
}

func TestEngine_RehydrateFromHistory(t *testing.T) {
	store := newFakeStore()
	e := New(store, openConfig())
	now := time.Now()

	history := []models.Bet{
		*betAt("m-1", now.Add(-3*time.Minute), 100, models.SideBuy),
		*betAt("m-1", now.Add(-2*time.Minute), 100, models.SideBuy),
		*betAt("other", now.Add(-2*time.Minute), 7, models.SideSell),
		*betAt("m-1", now.Add(-time.Minute), 100, models.SideBuy),
	}
	e.Rehydrate("m-1", history)

	if e.TrackedMarkets() != 1 {
		t.Fatalf("rehydration tracked %d markets, want 1 (filtered to requested market)", e.TrackedMarkets())
	}
	// Replay never emits anomalies.
	if len(store.anomalies) != 0 {
		t.Fatalf("rehydration emitted %d anomalies", len(store.anomalies))
	}

	record, err := e.Process(betAt("m-1", now, 1000, models.SideBuy))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if record == nil || record.ZScore != zeroVarianceZ {
		t.Errorf("replayed baseline not applied: %+v", record)
	}
}

func TestEngine_TopForNotification(t *testing.T) {
	store := newFakeStore()
	cfg := openConfig()
	cfg.TopK = 2
	cfg.CooldownMultiplier = 10
	e := New(store, cfg)

	records := []models.AnomalyRecord{
		{ID: "1", MarketID: "a", HeuristicScore: 1.0},
		{ID: "2", MarketID: "b", HeuristicScore: 5.0},
		{ID: "3", MarketID: "c", HeuristicScore: 3.0},
	}

	top := e.TopForNotification(records, time.Minute)
	if len(top) != 2 {
		t.Fatalf("selected %d records, want 2", len(top))
	}
	if top[0].MarketID != "b" || top[1].MarketID != "c" {
		t.Errorf("wrong ranking: %s, %s", top[0].MarketID, top[1].MarketID)
	}

	// Markets notified moments ago are suppressed unless they beat their
	// previous score.
	e.RecordNotified(top)
	again := e.TopForNotification(records, time.Minute)
	if len(again) != 0 {
		t.Errorf("cooldown did not suppress repeat notifications: %d records", len(again))
	}

	hotter := []models.AnomalyRecord{{ID: "4", MarketID: "b", HeuristicScore: 9.0}}
	escalated := e.TopForNotification(hotter, time.Minute)
	if len(escalated) != 1 {
		t.Error("escalating score suppressed by cooldown")
	}
}
