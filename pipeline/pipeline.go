// Package pipeline wires the ingestion path: every feed trade flows through
// the price tracker, whale registry, signal generator, and simulator in
// order.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"whalewatch/cluster"
	"whalewatch/config"
	"whalewatch/models"
	"whalewatch/monitor"
	"whalewatch/registry"
	"whalewatch/simulator"
	"whalewatch/storage"
	"whalewatch/tracker"
	"whalewatch/utils"
)

// Pipeline owns the per-trade processing order. Stages are independent:
// one stage rejecting a trade never stops the earlier stages' effects.
type Pipeline struct {
	counters  *monitor.Counters
	tracker   *tracker.PriceHistory
	registry  *registry.Registry
	generator *cluster.Generator
	simulator *simulator.Simulator
	store     storage.DataStore

	seenMu   sync.Mutex
	seen     map[string]bool
	seenKeys []string
	maxSeen  int

	flushInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New assembles the pipeline from its stages.
func New(cfg *config.Config, counters *monitor.Counters, prices *tracker.PriceHistory,
	reg *registry.Registry, gen *cluster.Generator, sim *simulator.Simulator,
	store storage.DataStore) *Pipeline {
	return &Pipeline{
		counters:      counters,
		tracker:       prices,
		registry:      reg,
		generator:     gen,
		simulator:     sim,
		store:         store,
		seen:          make(map[string]bool),
		maxSeen:       cfg.Cluster.MaxSeenKeys,
		flushInterval: time.Duration(cfg.Tracker.FlushIntervalSec) * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// HandleTrade processes one feed event through every stage. Called from
// the feed read loop.
func (p *Pipeline) HandleTrade(trade models.TradeEvent) {
	p.counters.TradeIngested()
	if !trade.Valid() {
		p.counters.MalformedEvent()
		return
	}

	// The feed replays fills across reconnects; a replayed trade must not
	// step confidence or re-cluster, so dedup sits ahead of every stage.
	if p.duplicate(trade.Key()) {
		p.counters.DuplicateTrade()
		return
	}

	// Every trade feeds the price history, whale or not; the simulator
	// needs dense coverage for its delayed lookups.
	p.tracker.Record(trade.Market, trade.Price, trade.Timestamp)

	rec := p.registry.Observe(trade)
	if rec == nil {
		return
	}
	p.counters.WhaleTrade()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sig, err := p.generator.Process(ctx, trade)
	if err != nil {
		log.Printf("[pipeline] signal processing failed for %s: %v", utils.ShortAddress(trade.Trader), err)
	}
	if sig != nil {
		p.counters.SignalEmitted()
	}

	class := models.ClassFor(rec.Elite)
	if p.simulator.Admit(rec.Confidence, class) {
		if _, err := p.simulator.Simulate(ctx, trade, rec.Elite); err != nil {
			p.counters.PersistError()
			log.Printf("[pipeline] failed to open simulation for %s: %v", utils.ShortAddress(trade.Trader), err)
		} else {
			p.counters.SimulationOpened()
		}
	}
}

// duplicate records the trade key and reports whether it was already seen.
// The set is bounded; once full, the oldest half is dropped.
func (p *Pipeline) duplicate(key string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if p.seen[key] {
		return true
	}
	p.seen[key] = true
	p.seenKeys = append(p.seenKeys, key)
	if p.maxSeen > 0 && len(p.seenKeys) > p.maxSeen {
		cut := len(p.seenKeys) / 2
		for _, k := range p.seenKeys[:cut] {
			delete(p.seen, k)
		}
		p.seenKeys = append([]string(nil), p.seenKeys[cut:]...)
	}
	return false
}

// Restore seeds the price tracker from the persisted samples.
func (p *Pipeline) Restore(ctx context.Context) error {
	samples, err := p.store.LoadPriceSamples(ctx)
	if err != nil {
		log.Printf("[pipeline] FAILED to load price samples, starting empty: %v", err)
		return err
	}
	p.tracker.Restore(samples)
	log.Printf("[pipeline] restored %d price samples across %d markets", len(samples), p.tracker.MarketCount())
	return nil
}

// Start launches the background price-sample flush and cluster sweep loops.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.flushPrices(ctx)
			}
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.generator.Sweep(time.Now())
			}
		}
	}()

	log.Printf("[pipeline] started (price flush every %v)", p.flushInterval)
}

// Stop halts the loops and writes a final price snapshot.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.flushPrices(ctx)
	log.Printf("[pipeline] stopped")
}

func (p *Pipeline) flushPrices(ctx context.Context) {
	snapshot := p.tracker.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	if err := p.store.SavePriceSamples(ctx, snapshot); err != nil {
		p.counters.PersistError()
		log.Printf("[pipeline] price snapshot write failed (%d samples): %v", len(snapshot), err)
	}
}
