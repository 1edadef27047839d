package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"whalewatch/models"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite persistence for whale records, signals, simulations,
// and price samples. Used when no PostgreSQL host is configured.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath. A
// snapshot that cannot be opened or migrated is backed up to
// <path>.corrupt-<unix> and replaced with a fresh database; losing state is
// acceptable as a last resort, silently continuing with bad data is not.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	store, err := open(dbPath)
	if err == nil {
		return store, nil
	}

	backup := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	log.Printf("[storage] CORRUPT SNAPSHOT: %v — backing up to %s and starting empty", err, backup)
	if renameErr := os.Rename(dbPath, backup); renameErr != nil {
		return nil, fmt.Errorf("storage: backup corrupt db: %w", renameErr)
	}
	return open(dbPath)
}

func open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS whale_records (
			address TEXT PRIMARY KEY,
			trade_count INTEGER NOT NULL,
			notional_usd REAL NOT NULL,
			markets TEXT NOT NULL,
			confidence REAL NOT NULL,
			elite INTEGER NOT NULL DEFAULT 0,
			last_activity TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trader TEXT NOT NULL,
			market TEXT NOT NULL,
			side TEXT NOT NULL,
			discount_pct REAL NOT NULL,
			size_usd REAL NOT NULL,
			trade_count INTEGER NOT NULL,
			confidence REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS simulations (
			id TEXT PRIMARY KEY,
			trader TEXT NOT NULL,
			market TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_status ON simulations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_market ON simulations(market)`,
		`CREATE TABLE IF NOT EXISTS price_samples (
			market TEXT NOT NULL,
			price REAL NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_samples_market ON price_samples(market, ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveWhaleRecords upserts the full registry snapshot in one transaction.
func (s *Store) SaveWhaleRecords(ctx context.Context, records []models.ConfidenceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		markets, err := json.Marshal(rec.Markets)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO whale_records (address, trade_count, notional_usd, markets, confidence, elite, last_activity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				trade_count = excluded.trade_count,
				notional_usd = excluded.notional_usd,
				markets = excluded.markets,
				confidence = excluded.confidence,
				elite = excluded.elite,
				last_activity = excluded.last_activity`,
			rec.Address, rec.TradeCount, rec.NotionalUSD, string(markets),
			rec.Confidence, boolToInt(rec.Elite), rec.LastActivity.UTC(), rec.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadWhaleRecords returns every persisted registry record.
func (s *Store) LoadWhaleRecords(ctx context.Context) ([]models.ConfidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, trade_count, notional_usd, markets, confidence, elite, last_activity, created_at
		FROM whale_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ConfidenceRecord
	for rows.Next() {
		var rec models.ConfidenceRecord
		var markets string
		var elite int
		if err := rows.Scan(&rec.Address, &rec.TradeCount, &rec.NotionalUSD, &markets,
			&rec.Confidence, &elite, &rec.LastActivity, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Elite = elite != 0
		if err := json.Unmarshal([]byte(markets), &rec.Markets); err != nil {
			rec.Markets = make(map[string]bool)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteWhaleRecord removes a pruned trader.
func (s *Store) DeleteWhaleRecord(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM whale_records WHERE address = ?`, address)
	return err
}

// SaveSignal appends an emitted signal.
func (s *Store) SaveSignal(ctx context.Context, sig models.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (trader, market, side, discount_pct, size_usd, trade_count, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.Trader, sig.Market, sig.Side, sig.DiscountPct, sig.SizeUSD,
		sig.TradeCount, sig.Confidence, sig.Timestamp.UTC())
	return err
}

// ListSignals returns the most recent signals, newest first.
func (s *Store) ListSignals(ctx context.Context, limit int) ([]models.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trader, market, side, discount_pct, size_usd, trade_count, confidence, created_at
		FROM signals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		var sig models.Signal
		if err := rows.Scan(&sig.Trader, &sig.Market, &sig.Side, &sig.DiscountPct,
			&sig.SizeUSD, &sig.TradeCount, &sig.Confidence, &sig.Timestamp); err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// SaveSimulation upserts a simulation record. The full record travels as a
// JSON payload so per-delay updates stay a single-row write.
func (s *Store) SaveSimulation(ctx context.Context, rec models.SimulationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO simulations (id, trader, market, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Trader, rec.Market, rec.Status, string(payload), time.Now().UTC())
	return err
}

// GetSimulation returns one simulation record by id, or nil.
func (s *Store) GetSimulation(ctx context.Context, id string) (*models.SimulationRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM simulations WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.SimulationRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("storage: decode simulation %s: %w", id, err)
	}
	return &rec, nil
}

// ListPendingSimulations returns all records still awaiting delay checks.
func (s *Store) ListPendingSimulations(ctx context.Context) ([]models.SimulationRecord, error) {
	return s.listSimulations(ctx, `SELECT payload FROM simulations WHERE status = ?`, models.SimulationPending)
}

// ListSimulationsByMarket returns all simulations for a market.
func (s *Store) ListSimulationsByMarket(ctx context.Context, market string) ([]models.SimulationRecord, error) {
	return s.listSimulations(ctx, `SELECT payload FROM simulations WHERE market = ?`, market)
}

func (s *Store) listSimulations(ctx context.Context, query string, arg interface{}) ([]models.SimulationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SimulationRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec models.SimulationRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			log.Printf("[storage] skipping undecodable simulation row: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SavePriceSamples replaces the persisted rings with the given snapshot.
func (s *Store) SavePriceSamples(ctx context.Context, samples []models.PriceSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM price_samples`); err != nil {
		return err
	}
	for _, sample := range samples {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO price_samples (market, price, ts) VALUES (?, ?, ?)`,
			sample.Market, sample.Price, sample.Timestamp.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadPriceSamples returns all persisted samples in timestamp order.
func (s *Store) LoadPriceSamples(ctx context.Context) ([]models.PriceSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market, price, ts FROM price_samples ORDER BY ts ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.PriceSample
	for rows.Next() {
		var sample models.PriceSample
		if err := rows.Scan(&sample.Market, &sample.Price, &sample.Timestamp); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
