package tracker

import (
	"errors"
	"testing"
	"time"
)

func floatEquals(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.0001
}

func TestLookupExactAndEarlier(t *testing.T) {
	p := New(100, 120*time.Second)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	p.Record("m1", 0.40, base)
	p.Record("m1", 0.45, base.Add(30*time.Second))
	p.Record("m1", 0.50, base.Add(60*time.Second))

	tests := []struct {
		name    string
		at      time.Time
		want    float64
		wantErr bool
	}{
		{"exact match", base.Add(30 * time.Second), 0.45, false},
		{"between samples picks earlier", base.Add(45 * time.Second), 0.45, false},
		{"after last within tolerance", base.Add(90 * time.Second), 0.50, false},
		{"before first sample", base.Add(-10 * time.Second), 0, true},
		{"beyond tolerance", base.Add(60*time.Second + 121*time.Second), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Lookup("m1", tt.at)
			if tt.wantErr {
				if !errors.Is(err, ErrNoSample) {
					t.Fatalf("expected ErrNoSample, got %v (price %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !floatEquals(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookupUnknownMarket(t *testing.T) {
	p := New(100, 120*time.Second)
	if _, err := p.Lookup("nope", time.Now()); !errors.Is(err, ErrNoSample) {
		t.Fatalf("expected ErrNoSample, got %v", err)
	}
}

func TestLateArrivalInsertedInOrder(t *testing.T) {
	p := New(100, 120*time.Second)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	p.Record("m1", 0.40, base)
	p.Record("m1", 0.50, base.Add(60*time.Second))
	// Late arrival between the two
	p.Record("m1", 0.45, base.Add(30*time.Second))

	got, err := p.Lookup("m1", base.Add(40*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !floatEquals(got, 0.45) {
		t.Errorf("late sample not inserted in order: got %v, want 0.45", got)
	}
}

func TestBoundEvictsOldest(t *testing.T) {
	p := New(5, time.Hour)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		p.Record("m1", float64(i), base.Add(time.Duration(i)*time.Minute))
	}

	// The oldest 5 samples are gone
	if _, err := p.Lookup("m1", base.Add(4*time.Minute)); !errors.Is(err, ErrNoSample) {
		t.Fatalf("expected evicted sample to be gone, got %v", err)
	}
	got, err := p.Lookup("m1", base.Add(9*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !floatEquals(got, 9) {
		t.Errorf("got %v, want 9", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	p := New(100, 120*time.Second)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	p.Record("m1", 0.40, base)
	p.Record("m2", 0.60, base.Add(10*time.Second))

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}

	restored := New(100, 120*time.Second)
	restored.Restore(snap)
	if restored.MarketCount() != 2 {
		t.Fatalf("restored market count = %d, want 2", restored.MarketCount())
	}
	got, err := restored.Lookup("m1", base)
	if err != nil || !floatEquals(got, 0.40) {
		t.Errorf("restored lookup = %v, %v; want 0.40", got, err)
	}
}

func TestLatest(t *testing.T) {
	p := New(100, 120*time.Second)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	p.Record("m1", 0.40, base)
	p.Record("m1", 0.55, base.Add(time.Minute))

	sample, ok := p.Latest("m1")
	if !ok || !floatEquals(sample.Price, 0.55) {
		t.Errorf("Latest = %v, %v; want 0.55", sample.Price, ok)
	}
	if _, ok := p.Latest("nope"); ok {
		t.Error("Latest on unknown market should report false")
	}
}
