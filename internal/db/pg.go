package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	_ "github.com/lib/pq"

	"github.com/aonescu/tiops/internal/types"
)

const defaultRecentLimit = 100

type PostgresLedger struct {
	db  *sql.DB
	log logr.Logger
	mu  sync.RWMutex
	// In-memory cache of processed keys for fast dispatch checks
	processed map[string]types.OutcomeStatus
}

func NewPostgresLedger(connStr string, log logr.Logger) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.NewError(types.KindConnectivity, "ping postgres", err)
	}

	ledger := &PostgresLedger{
		db:        db,
		log:       log,
		processed: make(map[string]types.OutcomeStatus),
	}

	if err := ledger.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := ledger.loadCache(); err != nil {
		log.Error(err, "Failed to load processed keys, falling back to queries")
	}

	return ledger, nil
}

func (l *PostgresLedger) initSchema() error {
	schema := `
	-- Signal outcomes: append-only record of every loop decision
	CREATE TABLE IF NOT EXISTS signal_outcomes (
		id BIGSERIAL PRIMARY KEY,
		signal_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		identifier TEXT NOT NULL,
		mode TEXT,
		source TEXT,
		status TEXT NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT,
		detail JSONB NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signal_outcomes_key ON signal_outcomes(signal_key);
	CREATE INDEX IF NOT EXISTS idx_signal_outcomes_recorded ON signal_outcomes(recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_signal_outcomes_status ON signal_outcomes(status);

	-- Processed signals: keys that reached a final outcome
	CREATE TABLE IF NOT EXISTS processed_signals (
		signal_key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`

	_, err := l.db.Exec(schema)
	return err
}

func (l *PostgresLedger) Record(ctx context.Context, outcome types.Outcome) error {
	detail, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewError(types.KindConnectivity, "record outcome", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signal_outcomes (signal_key, kind, identifier, mode, source, status, degraded, error, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, outcome.SignalKey, string(outcome.Kind), outcome.Identifier, outcome.Mode, outcome.Source,
		string(outcome.Status), outcome.Degraded, outcome.Error, detail, outcome.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}

	final := outcome.Status.Final() && outcome.SignalKey != ""
	if final {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO processed_signals (signal_key, status)
			VALUES ($1, $2)
			ON CONFLICT (signal_key) DO NOTHING
		`, outcome.SignalKey, string(outcome.Status))
		if err != nil {
			return fmt.Errorf("failed to mark signal processed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if final {
		l.mu.Lock()
		l.processed[outcome.SignalKey] = outcome.Status
		l.mu.Unlock()
	}
	return nil
}

// Processed consults the cache first, then the table, since another
// instance may have processed the key.
func (l *PostgresLedger) Processed(ctx context.Context, key string) (bool, error) {
	l.mu.RLock()
	_, ok := l.processed[key]
	l.mu.RUnlock()
	if ok {
		return true, nil
	}

	var status string
	err := l.db.QueryRowContext(ctx, `SELECT status FROM processed_signals WHERE signal_key = $1`, key).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, types.NewError(types.KindConnectivity, "lookup processed signal", err)
	}

	l.mu.Lock()
	l.processed[key] = types.OutcomeStatus(status)
	l.mu.Unlock()
	return true, nil
}

func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]types.Outcome, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT detail
		FROM signal_outcomes
		ORDER BY recorded_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "query outcomes", err)
	}
	defer rows.Close()

	var outcomes []types.Outcome
	for rows.Next() {
		var detail []byte
		if err := rows.Scan(&detail); err != nil {
			continue
		}
		var o types.Outcome
		if err := json.Unmarshal(detail, &o); err != nil {
			l.log.Error(err, "Skipping undecodable outcome")
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (l *PostgresLedger) Stats(ctx context.Context) (map[types.OutcomeStatus]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM signal_outcomes GROUP BY status`)
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "query outcome stats", err)
	}
	defer rows.Close()

	stats := make(map[types.OutcomeStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		stats[types.OutcomeStatus(status)] = count
	}
	return stats, rows.Err()
}

func (l *PostgresLedger) loadCache() error {
	rows, err := l.db.Query(`SELECT signal_key, status FROM processed_signals`)
	if err != nil {
		return err
	}
	defer rows.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			continue
		}
		l.processed[key] = types.OutcomeStatus(status)
	}

	l.log.V(1).Info("Loaded processed signals into cache", "count", len(l.processed))
	return rows.Err()
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// Ping checks the database connection
func (l *PostgresLedger) Ping() error {
	return l.db.Ping()
}
