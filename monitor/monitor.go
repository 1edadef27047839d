// Package monitor tracks pipeline counters and emits a periodic
// operational summary.
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"whalewatch/config"
)

// Snapshot is one summary interval's worth of counters plus point-in-time
// gauges.
type Snapshot struct {
	TradesIngested       int64 `json:"trades_ingested"`
	DuplicateTrades      int64 `json:"duplicate_trades"`
	WhaleTrades          int64 `json:"whale_trades"`
	SignalsEmitted       int64 `json:"signals_emitted"`
	SimulationsOpened    int64 `json:"simulations_opened"`
	SimulationsCompleted int64 `json:"simulations_completed"`
	FallbackPrices       int64 `json:"fallback_prices"`
	MalformedEvents      int64 `json:"malformed_events"`
	PersistErrors        int64 `json:"persist_errors"`

	TrackedWhales      int            `json:"tracked_whales"`
	TrackedMarkets     int            `json:"tracked_markets"`
	ActiveClusters     int            `json:"active_clusters"`
	PendingSimulations int            `json:"pending_simulations"`
	FeedState          string         `json:"feed_state"`
	Rejections         map[string]int `json:"rejections"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// Counters accumulates interval counts. The reporter snapshots and resets
// them; increments landing during a publish are never lost because the
// reset subtracts exactly what the snapshot captured.
type Counters struct {
	mu                   sync.Mutex
	tradesIngested       int64
	duplicateTrades      int64
	whaleTrades          int64
	signalsEmitted       int64
	simulationsOpened    int64
	simulationsCompleted int64
	fallbackPrices       int64
	malformedEvents      int64
	persistErrors        int64
}

func NewCounters() *Counters { return &Counters{} }

func (c *Counters) TradeIngested()       { c.add(&c.tradesIngested) }
func (c *Counters) DuplicateTrade()      { c.add(&c.duplicateTrades) }
func (c *Counters) WhaleTrade()          { c.add(&c.whaleTrades) }
func (c *Counters) SignalEmitted()       { c.add(&c.signalsEmitted) }
func (c *Counters) SimulationOpened()    { c.add(&c.simulationsOpened) }
func (c *Counters) SimulationCompleted() { c.add(&c.simulationsCompleted) }
func (c *Counters) FallbackPrice()       { c.add(&c.fallbackPrices) }
func (c *Counters) MalformedEvent()      { c.add(&c.malformedEvents) }
func (c *Counters) PersistError()        { c.add(&c.persistErrors) }

func (c *Counters) add(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Snapshot copies the current counts without resetting them.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		TradesIngested:       c.tradesIngested,
		DuplicateTrades:      c.duplicateTrades,
		WhaleTrades:          c.whaleTrades,
		SignalsEmitted:       c.signalsEmitted,
		SimulationsOpened:    c.simulationsOpened,
		SimulationsCompleted: c.simulationsCompleted,
		FallbackPrices:       c.fallbackPrices,
		MalformedEvents:      c.malformedEvents,
		PersistErrors:        c.persistErrors,
	}
}

// CommitReset subtracts an already-published snapshot from the live
// counters, leaving anything counted since the snapshot intact.
func (c *Counters) CommitReset(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradesIngested -= snap.TradesIngested
	c.duplicateTrades -= snap.DuplicateTrades
	c.whaleTrades -= snap.WhaleTrades
	c.signalsEmitted -= snap.SignalsEmitted
	c.simulationsOpened -= snap.SimulationsOpened
	c.simulationsCompleted -= snap.SimulationsCompleted
	c.fallbackPrices -= snap.FallbackPrices
	c.malformedEvents -= snap.MalformedEvents
	c.persistErrors -= snap.PersistErrors
}

// Gauges supplies point-in-time values for the summary. Each callback is
// optional.
type Gauges struct {
	TrackedWhales      func() int
	TrackedMarkets     func() int
	ActiveClusters     func() int
	PendingSimulations func() int
	FeedState          func() string
	Rejections         func() map[string]int
}

// Publisher stores a published snapshot somewhere others can read it.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Reporter logs and publishes a summary every interval.
type Reporter struct {
	counters  *Counters
	gauges    Gauges
	publisher Publisher
	interval  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReporter creates a reporter. publisher may be nil.
func NewReporter(cfg config.MonitorConfig, counters *Counters, gauges Gauges, publisher Publisher) *Reporter {
	return &Reporter{
		counters:  counters,
		gauges:    gauges,
		publisher: publisher,
		interval:  time.Duration(cfg.SummaryIntervalSec) * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the summary loop.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Emit(ctx)
			}
		}
	}()
	log.Printf("[monitor] started (summary every %v)", r.interval)
}

// Stop halts the loop after emitting a final summary.
func (r *Reporter) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Emit(ctx)
}

// Emit builds, logs, and publishes one summary. The counter reset commits
// only after a successful publish so a transient publish failure carries
// the interval's counts into the next one.
func (r *Reporter) Emit(ctx context.Context) {
	snap := r.counters.Snapshot()
	snap.GeneratedAt = time.Now().UTC()
	if r.gauges.TrackedWhales != nil {
		snap.TrackedWhales = r.gauges.TrackedWhales()
	}
	if r.gauges.TrackedMarkets != nil {
		snap.TrackedMarkets = r.gauges.TrackedMarkets()
	}
	if r.gauges.ActiveClusters != nil {
		snap.ActiveClusters = r.gauges.ActiveClusters()
	}
	if r.gauges.PendingSimulations != nil {
		snap.PendingSimulations = r.gauges.PendingSimulations()
	}
	if r.gauges.FeedState != nil {
		snap.FeedState = r.gauges.FeedState()
	}
	if r.gauges.Rejections != nil {
		snap.Rejections = r.gauges.Rejections()
	}

	log.Printf("[monitor] summary: trades=%d whales=%d signals=%d sims=%d/%d fallbacks=%d malformed=%d | tracking %d whales / %d markets, %d clusters, %d pending sims, feed=%s",
		snap.TradesIngested, snap.WhaleTrades, snap.SignalsEmitted, snap.SimulationsOpened,
		snap.SimulationsCompleted, snap.FallbackPrices, snap.MalformedEvents,
		snap.TrackedWhales, snap.TrackedMarkets, snap.ActiveClusters, snap.PendingSimulations, snap.FeedState)

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, snap); err != nil {
			log.Printf("[monitor] publish failed, keeping interval counts: %v", err)
			return
		}
	}
	r.counters.CommitReset(snap)
}

// MetricsStore publishes summaries to Redis for external dashboards.
type MetricsStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewMetricsStore wraps an existing Redis client. nil client disables
// publishing.
func NewMetricsStore(client *redis.Client) *MetricsStore {
	if client == nil {
		return nil
	}
	return &MetricsStore{
		client: client,
		key:    "whalewatch:summary",
		ttl:    24 * time.Hour,
	}
}

// Publish stores the snapshot as JSON under the summary key.
func (m *MetricsStore) Publish(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.key, data, m.ttl).Err()
}

// Latest returns the most recently published snapshot, or nil if none.
func (m *MetricsStore) Latest(ctx context.Context) (*Snapshot, error) {
	data, err := m.client.Get(ctx, m.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
