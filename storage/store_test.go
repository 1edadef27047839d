package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whalewatch/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWhaleRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	records := []models.ConfidenceRecord{
		{
			Address:      "0xaaa",
			TradeCount:   3,
			NotionalUSD:  15000,
			Markets:      map[string]bool{"m1": true, "m2": true},
			Confidence:   0.65,
			Elite:        true,
			LastActivity: now,
			CreatedAt:    now.Add(-time.Hour),
		},
	}
	if err := store.SaveWhaleRecords(ctx, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadWhaleRecords(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d records, want 1", len(loaded))
	}
	got := loaded[0]
	if got.Address != "0xaaa" || got.TradeCount != 3 || !got.Elite {
		t.Errorf("record fields lost: %+v", got)
	}
	if len(got.Markets) != 2 {
		t.Errorf("markets = %v, want 2 entries", got.Markets)
	}
	if got.LastActivity.Unix() != now.Unix() {
		t.Errorf("last activity = %v, want %v", got.LastActivity, now)
	}
}

func TestWhaleRecordUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.ConfidenceRecord{Address: "0xaaa", Markets: map[string]bool{}, Confidence: 0.50, LastActivity: now, CreatedAt: now}
	if err := store.SaveWhaleRecords(ctx, []models.ConfidenceRecord{rec}); err != nil {
		t.Fatal(err)
	}
	rec.Confidence = 0.70
	if err := store.SaveWhaleRecords(ctx, []models.ConfidenceRecord{rec}); err != nil {
		t.Fatal(err)
	}

	loaded, _ := store.LoadWhaleRecords(ctx)
	if len(loaded) != 1 {
		t.Fatalf("upsert produced %d rows", len(loaded))
	}
	if loaded[0].Confidence != 0.70 {
		t.Errorf("confidence = %v, want updated 0.70", loaded[0].Confidence)
	}
}

func TestDeleteWhaleRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.ConfidenceRecord{Address: "0xgone", Markets: map[string]bool{}, LastActivity: now, CreatedAt: now}
	store.SaveWhaleRecords(ctx, []models.ConfidenceRecord{rec})
	if err := store.DeleteWhaleRecord(ctx, "0xgone"); err != nil {
		t.Fatal(err)
	}
	loaded, _ := store.LoadWhaleRecords(ctx)
	if len(loaded) != 0 {
		t.Errorf("record survived deletion")
	}
}

func TestSignalsNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		sig := models.Signal{
			Trader:      "0xaaa",
			Market:      "m1",
			Side:        models.SideBuy,
			DiscountPct: float64(i),
			SizeUSD:     6000,
			TradeCount:  1,
			Confidence:  0.70,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveSignal(ctx, sig); err != nil {
			t.Fatal(err)
		}
	}

	signals, err := store.ListSignals(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 3 {
		t.Fatalf("got %d signals, want 3", len(signals))
	}
	if signals[0].DiscountPct != 4 {
		t.Errorf("newest signal first: got discount %v, want 4", signals[0].DiscountPct)
	}
}

func TestSimulationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := models.SimulationRecord{
		ID:         "sim-1",
		Trader:     "0xaaa",
		Market:     "m1",
		Side:       models.SideBuy,
		EntryPrice: 0.50,
		SizeUSD:    6000,
		TradeTime:  now,
		Delays:     []int{60, 180},
		Status:     models.SimulationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.SaveSimulation(ctx, rec); err != nil {
		t.Fatal(err)
	}

	pending, err := store.ListPendingSimulations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "sim-1" {
		t.Fatalf("pending = %v", pending)
	}

	rec.Results = append(rec.Results, models.DelayResult{DelaySec: 60, Price: 0.49, PriceSource: models.PriceSourceObserved, ScheduledAt: now.Add(time.Minute)})
	rec.Results = append(rec.Results, models.DelayResult{DelaySec: 180, Price: 0.48, PriceSource: models.PriceSourceFallback, ScheduledAt: now.Add(3 * time.Minute)})
	rec.Status = models.SimulationCompleted
	if err := store.SaveSimulation(ctx, rec); err != nil {
		t.Fatal(err)
	}

	pending, _ = store.ListPendingSimulations(ctx)
	if len(pending) != 0 {
		t.Error("completed simulation still listed as pending")
	}

	got, err := store.GetSimulation(ctx, "sim-1")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Results) != 2 || got.Results[1].PriceSource != models.PriceSourceFallback {
		t.Errorf("payload lost detail: %+v", got.Results)
	}

	byMarket, _ := store.ListSimulationsByMarket(ctx, "m1")
	if len(byMarket) != 1 {
		t.Errorf("by market = %d, want 1", len(byMarket))
	}
}

func TestGetSimulationMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetSimulation(context.Background(), "nope")
	if err != nil {
		t.Fatalf("missing id should not error: %v", err)
	}
	if got != nil {
		t.Error("missing id returned a record")
	}
}

func TestPriceSamplesSnapshotReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := []models.PriceSample{{Market: "m1", Price: 0.40, Timestamp: now}}
	if err := store.SavePriceSamples(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := []models.PriceSample{
		{Market: "m1", Price: 0.41, Timestamp: now.Add(time.Minute)},
		{Market: "m2", Price: 0.60, Timestamp: now.Add(2 * time.Minute)},
	}
	if err := store.SavePriceSamples(ctx, second); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadPriceSamples(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d samples, want 2 (snapshot replaces)", len(loaded))
	}
	if loaded[0].Price != 0.41 {
		t.Errorf("samples not in timestamp order: %+v", loaded)
	}
}

func TestCorruptDatabaseBackedUp(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// Not a SQLite file at all.
	if err := os.WriteFile(dbPath, []byte("this is not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("corrupt db should be replaced, got: %v", err)
	}
	defer store.Close()

	// The fresh database works.
	if _, err := store.LoadWhaleRecords(context.Background()); err != nil {
		t.Fatalf("fresh db unusable: %v", err)
	}

	// The corrupt original was preserved.
	entries, _ := os.ReadDir(dir)
	var backups int
	for _, e := range entries {
		if len(e.Name()) > len("test.db") && e.Name()[:8] == "test.db." {
			backups++
		}
	}
	if backups != 1 {
		t.Errorf("corrupt backup files = %d, want 1", backups)
	}
}
