// Package storage provides SQLite-backed persistence for observed bets,
// market states, and detected anomalies.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowsentry/flowsentry/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/flowsentry/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "flowsentry", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bets (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			market_id  TEXT NOT NULL,
			ts         INTEGER NOT NULL,
			size       REAL NOT NULL,
			side       TEXT NOT NULL,
			price      REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bets_market_ts ON bets(market_id, ts)`,
		`CREATE TABLE IF NOT EXISTS market_state (
			market_id  TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0,
			mean       REAL NOT NULL DEFAULT 0,
			m2         REAL NOT NULL DEFAULT 0,
			window     TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id                TEXT PRIMARY KEY,
			market_id         TEXT NOT NULL,
			ts                INTEGER NOT NULL,
			size              REAL NOT NULL,
			side              TEXT NOT NULL,
			price             REAL NOT NULL DEFAULT 0,
			z_score           REAL NOT NULL,
			directional_ratio REAL NOT NULL,
			burst_score       REAL NOT NULL,
			heuristic_score   REAL NOT NULL,
			detected_at       INTEGER NOT NULL,
			notified          INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON anomalies(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_score ON anomalies(heuristic_score DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddBet appends one observed bet to the append-only observation log.
func (s *Storage) AddBet(bet *models.Bet) error {
	if err := bet.Validate(); err != nil {
		return fmt.Errorf("invalid bet: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT INTO bets (market_id, ts, size, side, price)
		VALUES (?,?,?,?,?)`,
		bet.MarketID, bet.Timestamp.UnixNano(), bet.Size, string(bet.Side), bet.Price,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bet: %w", err)
	}
	return nil
}

// BetHistory returns the bets observed for a market within [from, to],
// ordered by event time ascending.
func (s *Storage) BetHistory(marketID string, from, to time.Time) ([]models.Bet, error) {
	rows, err := s.db.Query(`
		SELECT market_id, ts, size, side, price FROM bets
		WHERE market_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`,
		marketID, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bet history: %w", err)
	}
	defer rows.Close()

	var bets []models.Bet
	for rows.Next() {
		var b models.Bet
		var side string
		var tsNano int64
		if err := rows.Scan(&b.MarketID, &tsNano, &b.Size, &side, &b.Price); err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		b.Side = models.Side(side)
		b.Timestamp = time.Unix(0, tsNano)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// PruneBets removes observations older than cutoff and returns the number
// deleted.
func (s *Storage) PruneBets(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM bets WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune bets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveState checkpoints one market's rolling state.
func (s *Storage) SaveState(marketID string, state *models.MarketState) error {
	windowJSON, err := json.Marshal(state.Window)
	if err != nil {
		return fmt.Errorf("failed to marshal window: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO market_state (market_id, count, mean, m2, window, updated_at)
		VALUES (?,?,?,?,?,?)`,
		marketID, state.Count, state.Mean, state.M2, string(windowJSON), state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState returns the checkpointed state for marketID, or nil if none
// exists.
func (s *Storage) LoadState(marketID string) (*models.MarketState, error) {
	row := s.db.QueryRow(`
		SELECT market_id, count, mean, m2, window, updated_at
		FROM market_state WHERE market_id = ?`, marketID)

	state, err := scanState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}

// LoadAllStates returns every checkpointed market state keyed by market ID.
func (s *Storage) LoadAllStates() (map[string]*models.MarketState, error) {
	rows, err := s.db.Query(`
		SELECT market_id, count, mean, m2, window, updated_at FROM market_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*models.MarketState)
	for rows.Next() {
		state, err := scanState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		states[state.MarketID] = state
	}
	return states, rows.Err()
}

func scanState(scan func(...any) error) (*models.MarketState, error) {
	var state models.MarketState
	var windowJSON string
	var updatedAtNano int64

	if err := scan(&state.MarketID, &state.Count, &state.Mean, &state.M2, &windowJSON, &updatedAtNano); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(windowJSON), &state.Window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal window: %w", err)
	}
	state.UpdatedAt = time.Unix(0, updatedAtNano)
	return &state, nil
}

// AddAnomaly inserts one detected anomaly.
func (s *Storage) AddAnomaly(record *models.AnomalyRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO anomalies
			(id, market_id, ts, size, side, price, z_score, directional_ratio,
			 burst_score, heuristic_score, detected_at, notified)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		record.ID, record.MarketID, record.Timestamp.UnixNano(), record.Size,
		string(record.Side), record.Price,
		record.ZScore, record.DirectionalRatio, record.BurstScore, record.HeuristicScore,
		record.DetectedAt.UnixNano(), boolToInt(record.Notified),
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

// TopAnomalies returns the k highest-scoring anomalies.
func (s *Storage) TopAnomalies(k int) ([]models.AnomalyRecord, error) {
	return s.queryAnomalies(`
		SELECT `+anomalyCols+` FROM anomalies
		ORDER BY heuristic_score DESC LIMIT ?`, k)
}

// RecentAnomalies returns the anomalies detected since the given time,
// newest first.
func (s *Storage) RecentAnomalies(since time.Time) ([]models.AnomalyRecord, error) {
	return s.queryAnomalies(`
		SELECT `+anomalyCols+` FROM anomalies
		WHERE detected_at >= ? ORDER BY detected_at DESC`, since.UnixNano())
}

// MarkNotified flags the given anomaly IDs as having been sent out.
func (s *Storage) MarkNotified(ids []string) error {
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE anomalies SET notified = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to mark anomaly %s notified: %w", id, err)
		}
	}
	return nil
}

const anomalyCols = `id, market_id, ts, size, side, price, z_score,
	directional_ratio, burst_score, heuristic_score, detected_at, notified`

func (s *Storage) queryAnomalies(query string, args ...any) ([]models.AnomalyRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var records []models.AnomalyRecord
	for rows.Next() {
		var a models.AnomalyRecord
		var side string
		var tsNano, detectedAtNano int64
		var notified int

		err := rows.Scan(
			&a.ID, &a.MarketID, &tsNano, &a.Size, &side, &a.Price,
			&a.ZScore, &a.DirectionalRatio, &a.BurstScore, &a.HeuristicScore,
			&detectedAtNano, &notified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.Side = models.Side(side)
		a.Timestamp = time.Unix(0, tsNano)
		a.DetectedAt = time.Unix(0, detectedAtNano)
		a.Notified = notified != 0
		records = append(records, a)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
