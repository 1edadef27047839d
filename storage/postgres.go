package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"whalewatch/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const simulationCacheTTL = 6 * time.Hour

// PostgresStore wraps PostgreSQL persistence with Redis caching of hot
// simulation records.
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a new PostgreSQL store with connection pooling and a
// Redis cache, configured from the environment.
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "whalewatch")
	password := getEnv("POSTGRES_PASSWORD", "whalewatch")
	dbname := getEnv("POSTGRES_DB", "whalewatch")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		user, password, host, port, dbname)

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 4
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	cfg.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           0,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, redis: rdb}
	if err := store.runMigrations(context.Background()); err != nil {
		pool.Close()
		rdb.Close()
		return nil, err
	}
	return store, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS whale_records (
			address TEXT PRIMARY KEY,
			trade_count INTEGER NOT NULL,
			notional_usd DOUBLE PRECISION NOT NULL,
			markets JSONB NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			elite BOOLEAN NOT NULL DEFAULT FALSE,
			last_activity TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			trader TEXT NOT NULL,
			market TEXT NOT NULL,
			side TEXT NOT NULL,
			discount_pct DOUBLE PRECISION NOT NULL,
			size_usd DOUBLE PRECISION NOT NULL,
			trade_count INTEGER NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS simulations (
			id TEXT PRIMARY KEY,
			trader TEXT NOT NULL,
			market TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_status ON simulations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_market ON simulations(market)`,
		`CREATE TABLE IF NOT EXISTS price_samples (
			market TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_samples_market ON price_samples(market, ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration failed: %w", err)
		}
	}
	return nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// SaveWhaleRecords upserts the full registry snapshot in one transaction.
func (s *PostgresStore) SaveWhaleRecords(ctx context.Context, records []models.ConfidenceRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		markets, err := json.Marshal(rec.Markets)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO whale_records (address, trade_count, notional_usd, markets, confidence, elite, last_activity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (address) DO UPDATE SET
				trade_count = EXCLUDED.trade_count,
				notional_usd = EXCLUDED.notional_usd,
				markets = EXCLUDED.markets,
				confidence = EXCLUDED.confidence,
				elite = EXCLUDED.elite,
				last_activity = EXCLUDED.last_activity`,
			rec.Address, rec.TradeCount, rec.NotionalUSD, markets,
			rec.Confidence, rec.Elite, rec.LastActivity.UTC(), rec.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadWhaleRecords returns every persisted registry record.
func (s *PostgresStore) LoadWhaleRecords(ctx context.Context) ([]models.ConfidenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, trade_count, notional_usd, markets, confidence, elite, last_activity, created_at
		FROM whale_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ConfidenceRecord
	for rows.Next() {
		var rec models.ConfidenceRecord
		var markets []byte
		if err := rows.Scan(&rec.Address, &rec.TradeCount, &rec.NotionalUSD, &markets,
			&rec.Confidence, &rec.Elite, &rec.LastActivity, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(markets, &rec.Markets); err != nil {
			rec.Markets = make(map[string]bool)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteWhaleRecord removes a pruned trader.
func (s *PostgresStore) DeleteWhaleRecord(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM whale_records WHERE address = $1`, address)
	return err
}

// SaveSignal appends an emitted signal.
func (s *PostgresStore) SaveSignal(ctx context.Context, sig models.Signal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signals (trader, market, side, discount_pct, size_usd, trade_count, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sig.Trader, sig.Market, sig.Side, sig.DiscountPct, sig.SizeUSD,
		sig.TradeCount, sig.Confidence, sig.Timestamp.UTC())
	return err
}

// ListSignals returns the most recent signals, newest first.
func (s *PostgresStore) ListSignals(ctx context.Context, limit int) ([]models.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT trader, market, side, discount_pct, size_usd, trade_count, confidence, created_at
		FROM signals ORDER BY created_at DESC LIMIT $1`, limit)
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

func simulationCacheKey(id string) string {
	return "whalewatch:sim:" + id
}

// SaveSimulation upserts a simulation record and refreshes its cache entry.
func (s *PostgresStore) SaveSimulation(ctx context.Context, rec models.SimulationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO simulations (id, trader, market, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Trader, rec.Market, rec.Status, payload, time.Now().UTC())
	if err != nil {
		return err
	}

	// Cache failures are non-fatal; Postgres is the source of truth.
	if cacheErr := s.redis.Set(ctx, simulationCacheKey(rec.ID), payload, simulationCacheTTL).Err(); cacheErr != nil {
		log.Printf("[storage] failed to cache simulation %s: %v", rec.ID, cacheErr)
	}
	return nil
}

// GetSimulation returns one simulation record by id, or nil. Reads through
// the Redis cache first.
func (s *PostgresStore) GetSimulation(ctx context.Context, id string) (*models.SimulationRecord, error) {
	if cached, err := s.redis.Get(ctx, simulationCacheKey(id)).Result(); err == nil {
		var rec models.SimulationRecord
		if err := json.Unmarshal([]byte(cached), &rec); err == nil {
			return &rec, nil
		}
	}

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM simulations WHERE id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.SimulationRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("postgres: decode simulation %s: %w", id, err)
	}
	return &rec, nil
}

// ListPendingSimulations returns all records still awaiting delay checks.
func (s *PostgresStore) ListPendingSimulations(ctx context.Context) ([]models.SimulationRecord, error) {
	return s.listSimulations(ctx, `SELECT payload FROM simulations WHERE status = $1`, models.SimulationPending)
}

// ListSimulationsByMarket returns all simulations for a market.
func (s *PostgresStore) ListSimulationsByMarket(ctx context.Context, market string) ([]models.SimulationRecord, error) {
	return s.listSimulations(ctx, `SELECT payload FROM simulations WHERE market = $1`, market)
}

func (s *PostgresStore) listSimulations(ctx context.Context, query string, arg interface{}) ([]models.SimulationRecord, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SimulationRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec models.SimulationRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SavePriceSamples replaces the persisted rings with the given snapshot.
func (s *PostgresStore) SavePriceSamples(ctx context.Context, samples []models.PriceSample) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE price_samples`); err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, []interface{}{sample.Market, sample.Price, sample.Timestamp.UTC()})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"price_samples"},
		[]string{"market", "price", "ts"}, pgx.CopyFromRows(rows)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadPriceSamples returns all persisted samples in timestamp order.
func (s *PostgresStore) LoadPriceSamples(ctx context.Context) ([]models.PriceSample, error) {
	rows, err := s.pool.Query(ctx,
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
