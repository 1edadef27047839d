package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"whalewatch/config"
	"whalewatch/models"
	"whalewatch/storage"
	"whalewatch/tracker"
)

func testConfig() config.SimulatorConfig {
	return config.SimulatorConfig{
		DelaysSec:             []int{60, 180, 300},
		BaseSlippagePct:       0.001,
		MediumTradeUSD:        5000,
		MediumSlippagePct:     0.001,
		LargeTradeUSD:         10000,
		LargeSlippagePct:      0.002,
		EliteMinConfidence:    0.50,
		StandardMinConfidence: 0.65,
		PersistRetries:        3,
		DrainTimeoutSec:       2,
	}
}

func whaleTrade(ts time.Time) models.TradeEvent {
	return models.TradeEvent{
		Trader:          "0xwhale",
		Market:          "m1",
		Side:            models.SideBuy,
		Price:           0.50,
		Size:            2000,
		NotionalUSD:     1000,
		TransactionHash: "0xtx1",
		Timestamp:       ts,
	}
}

func floatEquals(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.0001
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type countingSink struct {
	mu        sync.Mutex
	fallbacks int
	completed int
}

func (c *countingSink) FallbackPrice() {
	c.mu.Lock()
	c.fallbacks++
	c.mu.Unlock()
}

func (c *countingSink) SimulationCompleted() {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
}

func (c *countingSink) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.fallbacks
}

func TestCountersNotifiedOnFallbackAndCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.DelaysSec = []int{60}
	s := New(cfg, tracker.New(100, 2*time.Minute), storage.NewMockStore())
	sink := &countingSink{}
	s.SetCounters(sink)
	s.Start(context.Background())
	defer s.Stop()

	// Trade far enough in the past that the single delay fires right away;
	// the empty tracker forces the fallback path on the check.
	if _, err := s.Simulate(context.Background(), whaleTrade(time.Now().Add(-5*time.Minute)), false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		completed, fallbacks := sink.counts()
		return completed == 1 && fallbacks == 1
	})
}

func TestAdmissionThresholds(t *testing.T) {
	s := New(testConfig(), tracker.New(100, time.Minute), storage.NewMockStore())

	tests := []struct {
		name       string
		confidence float64
		class      models.TraderClass
		want       bool
	}{
		{"elite at elite bar", 0.50, models.ClassElite, true},
		{"elite below elite bar", 0.49, models.ClassElite, false},
		{"standard between bars", 0.55, models.ClassStandard, false},
		{"standard at standard bar", 0.65, models.ClassStandard, true},
		{"elite well above", 0.90, models.ClassElite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Admit(tt.confidence, tt.class); got != tt.want {
				t.Errorf("Admit(%v, %v) = %v, want %v", tt.confidence, tt.class, got, tt.want)
			}
		})
	}
}

func TestSlippageTiers(t *testing.T) {
	s := New(testConfig(), tracker.New(100, time.Minute), storage.NewMockStore())

	tests := []struct {
		sizeUSD float64
		want    float64
	}{
		{1000, 0.001},  // base only
		{5000, 0.001},  // at the boundary, not above
		{6000, 0.002},  // base + medium
		{10000, 0.002}, // at the boundary
		{15000, 0.004}, // base + medium + large
	}
	for _, tt := range tests {
		if got := s.slippagePct(tt.sizeUSD); !floatEquals(got, tt.want) {
			t.Errorf("slippagePct(%v) = %v, want %v", tt.sizeUSD, got, tt.want)
		}
	}
}

func TestApplySlippageDirection(t *testing.T) {
	// A buy fills higher, a sell fills lower.
	if got := applySlippage(0.50, 0.002, models.SideBuy); !floatEquals(got, 0.501) {
		t.Errorf("buy entry = %v, want 0.501", got)
	}
	if got := applySlippage(0.50, 0.002, models.SideSell); !floatEquals(got, 0.499) {
		t.Errorf("sell entry = %v, want 0.499", got)
	}
	if got := applySlippage(0.9999, 0.004, models.SideBuy); got > 1 {
		t.Errorf("entry price %v escaped probability bounds", got)
	}
}

func TestSimulatePersistsBeforeScheduling(t *testing.T) {
	store := storage.NewMockStore()
	s := New(testConfig(), tracker.New(100, time.Minute), store)
	s.Start(context.Background())
	defer s.Stop()

	id, err := s.Simulate(context.Background(), whaleTrade(time.Now()), false)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	rec, err := store.GetSimulation(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("record not durable after Simulate: %v", err)
	}
	if rec.Status != models.SimulationPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if len(rec.Delays) != 3 {
		t.Errorf("delays = %v, want 3 entries", rec.Delays)
	}
}

func TestSimulateFailedPersistReturnsError(t *testing.T) {
	store := storage.NewMockStore()
	store.FailSaveSimulation = true
	s := New(testConfig(), tracker.New(100, time.Minute), store)

	if _, err := s.Simulate(context.Background(), whaleTrade(time.Now()), false); err == nil {
		t.Fatal("expected error when the record cannot be persisted")
	}
	if store.SaveSimulationCalls != 3 {
		t.Errorf("save attempts = %d, want 3 retries", store.SaveSimulationCalls)
	}
	if s.PendingCount() != 0 {
		t.Error("failed simulation left in memory")
	}
}

func TestDelayChecksScheduledAtExactTradeOffsets(t *testing.T) {
	cfg := testConfig()
	cfg.DelaysSec = []int{60, 120}
	store := storage.NewMockStore()
	s := New(cfg, tracker.New(100, 2*time.Minute), store)
	s.Start(context.Background())
	defer s.Stop()

	// Trade happened 10 minutes ago: both delays are already due and fire
	// immediately, anchored to the trade time rather than wall clock.
	tradeTime := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	id, err := s.Simulate(context.Background(), whaleTrade(tradeTime), false)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.GetSimulation(context.Background(), id)
		return rec != nil && rec.Status == models.SimulationCompleted
	})

	rec, _ := store.GetSimulation(context.Background(), id)
	if len(rec.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(rec.Results))
	}
	for i, delay := range []int{60, 120} {
		want := tradeTime.Add(time.Duration(delay) * time.Second)
		if !rec.Results[i].ScheduledAt.Equal(want) {
			t.Errorf("delay %d scheduled at %v, want %v", delay, rec.Results[i].ScheduledAt, want)
		}
	}
}

func TestFallbackPriceWhenNoSample(t *testing.T) {
	cfg := testConfig()
	cfg.DelaysSec = []int{60}
	store := storage.NewMockStore()
	s := New(cfg, tracker.New(100, 2*time.Minute), store) // empty tracker
	s.Start(context.Background())
	defer s.Stop()

	id, _ := s.Simulate(context.Background(), whaleTrade(time.Now().Add(-5*time.Minute)), false)
	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.GetSimulation(context.Background(), id)
		return rec != nil && rec.Status == models.SimulationCompleted
	})

	rec, _ := store.GetSimulation(context.Background(), id)
	r := rec.Results[0]
	if r.PriceSource != models.PriceSourceFallback {
		t.Errorf("price source = %s, want fallback", r.PriceSource)
	}
	if !floatEquals(r.Price, 0.50) {
		t.Errorf("fallback price = %v, want whale entry 0.50", r.Price)
	}
	// Slippage still applies on top of the fallback.
	if !floatEquals(r.EntryPrice, 0.50*1.001) {
		t.Errorf("entry = %v, want 0.5005", r.EntryPrice)
	}
}

func TestObservedPriceWhenSampleExists(t *testing.T) {
	cfg := testConfig()
	cfg.DelaysSec = []int{60}
	store := storage.NewMockStore()
	prices := tracker.New(100, 2*time.Minute)
	s := New(cfg, prices, store)
	s.Start(context.Background())
	defer s.Stop()

	tradeTime := time.Now().Add(-5 * time.Minute)
	prices.Record("m1", 0.47, tradeTime.Add(50*time.Second))

	id, _ := s.Simulate(context.Background(), whaleTrade(tradeTime), false)
	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.GetSimulation(context.Background(), id)
		return rec != nil && rec.Status == models.SimulationCompleted
	})

	rec, _ := store.GetSimulation(context.Background(), id)
	r := rec.Results[0]
	if r.PriceSource != models.PriceSourceObserved {
		t.Errorf("price source = %s, want observed", r.PriceSource)
	}
	if !floatEquals(r.Price, 0.47) {
		t.Errorf("price = %v, want 0.47", r.Price)
	}
}

func TestDelayCheckIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.DelaysSec = []int{60, 180}
	store := storage.NewMockStore()
	s := New(cfg, tracker.New(100, time.Minute), store)

	tradeTime := time.Now().Add(-time.Hour)
	rec := &models.SimulationRecord{
		ID:         "sim-x",
		Trader:     "0xwhale",
		Market:     "m1",
		Side:       models.SideBuy,
		EntryPrice: 0.50,
		SizeUSD:    1000,
		TradeTime:  tradeTime,
		Delays:     []int{60, 180},
		Status:     models.SimulationPending,
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	at := tradeTime.Add(60 * time.Second)
	s.runDelayCheck("sim-x", 60, at)
	s.runDelayCheck("sim-x", 60, at)

	stored, _ := store.GetSimulation(context.Background(), "sim-x")
	if len(stored.Results) != 1 {
		t.Fatalf("results = %d, want 1 (second check must be a no-op)", len(stored.Results))
	}
}

func TestResumeReschedulesRemainingDelays(t *testing.T) {
	cfg := testConfig()
	cfg.DelaysSec = []int{60, 120}
	store := storage.NewMockStore()

	tradeTime := time.Now().Add(-10 * time.Minute)
	// Persisted mid-simulation: the 60s check ran before the crash.
	pending := models.SimulationRecord{
		ID:         "sim-resume",
		Trader:     "0xwhale",
		Market:     "m1",
		Side:       models.SideBuy,
		EntryPrice: 0.50,
		SizeUSD:    1000,
		TradeTime:  tradeTime,
		Delays:     []int{60, 120},
		Results: []models.DelayResult{{
			DelaySec:    60,
			ScheduledAt: tradeTime.Add(60 * time.Second),
			Price:       0.49,
			PriceSource: models.PriceSourceObserved,
			EntryPrice:  0.4905,
		}},
		Status: models.SimulationPending,
	}
	if err := store.SaveSimulation(context.Background(), pending); err != nil {
		t.Fatal(err)
	}

	s := New(cfg, tracker.New(100, time.Minute), store)
	s.Start(context.Background())
	defer s.Stop()
	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.GetSimulation(context.Background(), "sim-resume")
		return rec != nil && rec.Status == models.SimulationCompleted
	})

	rec, _ := store.GetSimulation(context.Background(), "sim-resume")
	if len(rec.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(rec.Results))
	}
	// The pre-crash result survives untouched.
	if !floatEquals(rec.Results[0].Price, 0.49) {
		t.Errorf("pre-crash result overwritten: %v", rec.Results[0].Price)
	}
	if !rec.Results[1].ScheduledAt.Equal(tradeTime.Add(120 * time.Second)) {
		t.Errorf("resumed delay anchored to %v, want trade time + 120s", rec.Results[1].ScheduledAt)
	}
}

func TestResolveComputesPnL(t *testing.T) {
	store := storage.NewMockStore()
	s := New(testConfig(), tracker.New(100, time.Minute), store)

	rec := models.SimulationRecord{
		ID:     "sim-r",
		Trader: "0xwhale",
		Market: "m1",
		Side:   models.SideBuy,
		Delays: []int{60, 180},
		Results: []models.DelayResult{
			{DelaySec: 60, EntryPrice: 0.50},
			{DelaySec: 180, EntryPrice: 0.40},
		},
		Status: models.SimulationCompleted,
	}
	if err := store.SaveSimulation(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	resolved, err := s.Resolve(context.Background(), "m1", 1.0, time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}

	got, _ := store.GetSimulation(context.Background(), "sim-r")
	if !got.Resolved || !got.Profitable {
		t.Errorf("summary flags wrong: resolved=%v profitable=%v", got.Resolved, got.Profitable)
	}
	// PnL: 0.50 and 0.60; the later entry at 0.40 did better.
	if got.BestDelaySec != 180 {
		t.Errorf("best delay = %d, want 180", got.BestDelaySec)
	}
	if !floatEquals(got.AvgPnL, 0.55) {
		t.Errorf("avg pnl = %v, want 0.55", got.AvgPnL)
	}
	if !floatEquals(got.Results[0].PnL, 0.50) {
		t.Errorf("delay 60 pnl = %v, want 0.50", got.Results[0].PnL)
	}
}

func TestResolveSellSide(t *testing.T) {
	store := storage.NewMockStore()
	s := New(testConfig(), tracker.New(100, time.Minute), store)

	rec := models.SimulationRecord{
		ID:     "sim-s",
		Trader: "0xwhale",
		Market: "m1",
		Side:   models.SideSell,
		Delays: []int{60},
		Results: []models.DelayResult{
			{DelaySec: 60, EntryPrice: 0.60},
		},
		Status: models.SimulationCompleted,
	}
	if err := store.SaveSimulation(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Resolve(context.Background(), "m1", 0.0, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetSimulation(context.Background(), "sim-s")
	// Sold at 0.60, market resolved NO: pnl = 0.60 - 0.00
	if !floatEquals(got.Results[0].PnL, 0.60) {
		t.Errorf("sell pnl = %v, want 0.60", got.Results[0].PnL)
	}
	if !got.Profitable {
		t.Error("winning sell marked unprofitable")
	}
}
