// Package simulator runs delayed-execution analysis for qualifying whale
// trades: for each configured delay it checks what a follower would have
// paid, applies size-based slippage, and persists every step so a restart
// can resume mid-simulation.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"whalewatch/config"
	"whalewatch/models"
	"whalewatch/storage"
	"whalewatch/tracker"
	"whalewatch/utils"
)

// PriceLookup answers "what did this market trade at, at or just before
// time T" queries.
type PriceLookup interface {
	Lookup(market string, ts time.Time) (float64, error)
}

// CheckCounters receives delay-check events for the operational summary.
// Implementations must be safe for concurrent use.
type CheckCounters interface {
	FallbackPrice()
	SimulationCompleted()
}

// Simulator owns all in-flight simulation records. Delay checks run on
// their own timers; the caller never blocks past record creation.
type Simulator struct {
	mu      sync.RWMutex
	records map[string]*models.SimulationRecord

	cfg      config.SimulatorConfig
	prices   PriceLookup
	store    storage.DataStore
	counters CheckCounters

	fallbacks int64
	completed int64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a simulator wired to its price source and store.
func New(cfg config.SimulatorConfig, prices PriceLookup, store storage.DataStore) *Simulator {
	return &Simulator{
		records: make(map[string]*models.SimulationRecord),
		cfg:     cfg,
		prices:  prices,
		store:   store,
		stopCh:  make(chan struct{}),
	}
}

// SetCounters registers the summary counters notified on fallback pricing
// and simulation completion. Call before Start.
func (s *Simulator) SetCounters(c CheckCounters) {
	s.counters = c
}

// MinConfidenceFor returns the admission threshold for a trader class.
// Elite traders are pre-validated externally and get a lower bar.
func (s *Simulator) MinConfidenceFor(class models.TraderClass) float64 {
	if class == models.ClassElite {
		return s.cfg.EliteMinConfidence
	}
	return s.cfg.StandardMinConfidence
}

// Admit reports whether a trader's confidence clears the class threshold.
func (s *Simulator) Admit(confidence float64, class models.TraderClass) bool {
	return confidence >= s.MinConfidenceFor(class)
}

// Simulate creates a simulation record for the trade and schedules one
// check per configured delay. Returns the record id. Never blocks on the
// delays themselves.
func (s *Simulator) Simulate(ctx context.Context, trade models.TradeEvent, elite bool) (string, error) {
	now := time.Now()
	rec := &models.SimulationRecord{
		ID:         simulationID(trade),
		Trader:     utils.NormalizeAddress(trade.Trader),
		Market:     trade.Market,
		Side:       trade.Side,
		EntryPrice: trade.Price,
		SizeUSD:    trade.NotionalUSD,
		TradeTime:  trade.Timestamp,
		Elite:      elite,
		Delays:     append([]int(nil), s.cfg.DelaysSec...),
		Status:     models.SimulationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return rec.ID, nil
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	// The record must exist durably before any delay fires; a crash between
	// creation and the first check must be resumable.
	if err := s.persistWithRetry(ctx, rec.Clone()); err != nil {
		s.mu.Lock()
		delete(s.records, rec.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("simulator: persist new record: %w", err)
	}

	s.scheduleDelays(rec.ID, trade.Timestamp, rec.Delays)
	log.Printf("[simulator] scheduled %s %s %s $%.0f across %d delays",
		utils.ShortAddress(rec.Trader), rec.Side, rec.Market, rec.SizeUSD, len(rec.Delays))
	return rec.ID, nil
}

// Resume reloads pending simulations from the store and reschedules their
// remaining delays against the original trade time. Delays already in the
// past fire immediately.
func (s *Simulator) Resume(ctx context.Context) error {
	pending, err := s.store.ListPendingSimulations(ctx)
	if err != nil {
		return fmt.Errorf("simulator: load pending simulations: %w", err)
	}

	var resumed int
	for i := range pending {
		rec := pending[i]
		remaining := rec.RemainingDelays()
		if len(remaining) == 0 {
			// Persisted as pending but actually done; finalize it.
			rec.Status = models.SimulationCompleted
			rec.UpdatedAt = time.Now()
			if err := s.persistWithRetry(ctx, rec); err != nil {
				log.Printf("[simulator] failed to finalize %s on resume: %v", rec.ID, err)
			}
			continue
		}

		s.mu.Lock()
		if _, exists := s.records[rec.ID]; exists {
			s.mu.Unlock()
			continue
		}
		clone := rec.Clone()
		s.records[rec.ID] = &clone
		s.mu.Unlock()

		s.scheduleDelays(rec.ID, rec.TradeTime, remaining)
		resumed++
	}

	if resumed > 0 {
		log.Printf("[simulator] resumed %d pending simulations", resumed)
	}
	return nil
}

// scheduleDelays starts one goroutine per delay, each firing at the exact
// trade-relative time regardless of when scheduling happened.
func (s *Simulator) scheduleDelays(id string, tradeTime time.Time, delays []int) {
	for _, delay := range delays {
		scheduledAt := tradeTime.Add(time.Duration(delay) * time.Second)

		s.wg.Add(1)
		go func(delaySec int, at time.Time) {
			defer s.wg.Done()

			wait := time.Until(at)
			if wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				select {
				case <-s.stopCh:
					// Abandoned checks stay pending in the store; a restart
					// picks them up via Resume.
					return
				case <-timer.C:
				}
			}
			s.runDelayCheck(id, delaySec, at)
		}(delay, scheduledAt)
	}
}

// runDelayCheck records the follower's hypothetical entry for one delay.
// Idempotent per (simulation, delay).
func (s *Simulator) runDelayCheck(id string, delaySec int, scheduledAt time.Time) {
	price, source := s.priceAt(id, scheduledAt)

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.HasResult(delaySec) {
		s.mu.Unlock()
		return
	}

	slippage := s.slippagePct(rec.SizeUSD)
	entry := applySlippage(price, slippage, rec.Side)

	rec.Results = append(rec.Results, models.DelayResult{
		DelaySec:    delaySec,
		ScheduledAt: scheduledAt,
		Price:       price,
		PriceSource: source,
		SlippagePct: slippage,
		EntryPrice:  entry,
		CheckedAt:   time.Now(),
	})
	sort.Slice(rec.Results, func(i, j int) bool {
		return rec.Results[i].DelaySec < rec.Results[j].DelaySec
	})
	rec.UpdatedAt = time.Now()

	done := len(rec.RemainingDelays()) == 0
	if done {
		rec.Status = models.SimulationCompleted
	}
	if source == models.PriceSourceFallback {
		s.fallbacks++
	}
	if done {
		s.completed++
	}
	clone := rec.Clone()
	s.mu.Unlock()

	if s.counters != nil {
		if source == models.PriceSourceFallback {
			s.counters.FallbackPrice()
		}
		if done {
			s.counters.SimulationCompleted()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persistWithRetry(ctx, clone); err != nil {
		log.Printf("[simulator] DROPPED delay update %s +%ds after retries: %v", id, delaySec, err)
	}

	if done {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		log.Printf("[simulator] completed %s (%d delays)", id, len(clone.Results))
	}
}

// priceAt looks up the market price at the scheduled time, degrading to the
// whale's own entry price when the tracker has no sample in tolerance.
func (s *Simulator) priceAt(id string, at time.Time) (float64, string) {
	s.mu.RLock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.RUnlock()
		return 0, models.PriceSourceFallback
	}
	market := rec.Market
	fallback := rec.EntryPrice
	s.mu.RUnlock()

	price, err := s.prices.Lookup(market, at)
	if err != nil {
		if !errors.Is(err, tracker.ErrNoSample) {
			log.Printf("[simulator] price lookup failed for %s: %v", market, err)
		}
		return fallback, models.PriceSourceFallback
	}
	return price, models.PriceSourceObserved
}

// slippagePct returns the simulated market-impact fraction for a trade
// size. Tiers stack: a large trade pays the base, medium, and large
// increments.
func (s *Simulator) slippagePct(sizeUSD float64) float64 {
	pct := s.cfg.BaseSlippagePct
	if sizeUSD > s.cfg.MediumTradeUSD {
		pct += s.cfg.MediumSlippagePct
	}
	if sizeUSD > s.cfg.LargeTradeUSD {
		pct += s.cfg.LargeSlippagePct
	}
	return pct
}

// applySlippage moves the price against the follower: a BUY fills higher, a
// SELL fills lower. Probabilities stay clamped to (0,1) bounds.
func applySlippage(price, slippagePct float64, side string) float64 {
	if side == models.SideSell {
		return utils.Clamp(price*(1-slippagePct), 0, 1)
	}
	return utils.Clamp(price*(1+slippagePct), 0, 1)
}

// Resolve applies a market's resolution price to every simulation in that
// market, computing per-delay P&L and the record summary.
func (s *Simulator) Resolve(ctx context.Context, market string, resolutionPrice float64, at time.Time) (int, error) {
	records, err := s.store.ListSimulationsByMarket(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("simulator: list simulations for %s: %w", market, err)
	}

	var resolved int
	for i := range records {
		rec := records[i]
		if rec.Resolved || len(rec.Results) == 0 {
			continue
		}

		var totalPnL float64
		bestDelay := 0
		bestPnL := 0.0
		for j := range rec.Results {
			r := &rec.Results[j]
			pnl := resolutionPrice - r.EntryPrice
			if rec.Side == models.SideSell {
				pnl = r.EntryPrice - resolutionPrice
			}
			r.Resolved = true
			r.PnL = pnl
			if r.EntryPrice > 0 {
				r.PnLPct = pnl / r.EntryPrice * 100
			}
			r.ResolvedAt = at

			totalPnL += pnl
			if j == 0 || pnl > bestPnL {
				bestPnL = pnl
				bestDelay = r.DelaySec
			}
		}

		rec.Resolved = true
		rec.AvgPnL = totalPnL / float64(len(rec.Results))
		rec.Profitable = rec.AvgPnL > 0
		rec.BestDelaySec = bestDelay
		rec.UpdatedAt = time.Now()

		if err := s.persistWithRetry(ctx, rec); err != nil {
			log.Printf("[simulator] failed to persist resolution for %s: %v", rec.ID, err)
			continue
		}
		resolved++
	}

	if resolved > 0 {
		log.Printf("[simulator] resolved %d simulations in %s at %.4f", resolved, market, resolutionPrice)
	}
	return resolved, nil
}

// persistWithRetry writes a record with bounded retries and backoff. The
// caller decides what a final failure means.
func (s *Simulator) persistWithRetry(ctx context.Context, rec models.SimulationRecord) error {
	retries := s.cfg.PersistRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if lastErr = s.store.SaveSimulation(ctx, rec); lastErr == nil {
			return nil
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
	return lastErr
}

// PendingCount returns the number of simulations still in memory.
func (s *Simulator) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats returns completed and fallback counters.
func (s *Simulator) Stats() (completed, fallbacks int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed, s.fallbacks
}

// Start marks the simulator running.
func (s *Simulator) Start(ctx context.Context) {
	s.running = true
	log.Printf("[simulator] started (delays %v, admission elite %.2f / standard %.2f)",
		s.cfg.DelaysSec, s.cfg.EliteMinConfidence, s.cfg.StandardMinConfidence)
}

// Stop signals all delay timers to abandon their waits and gives in-flight
// checks a bounded window to finish persisting. Long waits are not drained;
// their records stay pending in the store and Resume picks them up.
func (s *Simulator) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[simulator] stopped cleanly")
	case <-time.After(s.cfg.DrainTimeout()):
		log.Printf("[simulator] drain timeout after %v, pending checks left for resume", s.cfg.DrainTimeout())
	}
}

func simulationID(trade models.TradeEvent) string {
	return fmt.Sprintf("sim-%s-%d", trade.Key(), trade.Timestamp.Unix())
}
