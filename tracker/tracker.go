// Package tracker maintains a bounded per-market time series of observed
// trade prices and answers "price at or before time T" queries for the
// delayed-execution simulator.
package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"whalewatch/models"
)

// ErrNoSample is returned when no sample exists within tolerance of the
// requested time. Callers degrade to a fallback price.
var ErrNoSample = errors.New("tracker: no sample within tolerance")

// PriceHistory stores bounded per-market price rings. One writer (the
// ingestion path) and many readers (simulator, signal generator) share it
// behind a single RWMutex.
type PriceHistory struct {
	mu         sync.RWMutex
	samples    map[string][]models.PriceSample
	maxSamples int
	tolerance  time.Duration
}

// New creates a PriceHistory keeping at most maxSamples per market and
// answering lookups within the given tolerance.
func New(maxSamples int, tolerance time.Duration) *PriceHistory {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &PriceHistory{
		samples:    make(map[string][]models.PriceSample),
		maxSamples: maxSamples,
		tolerance:  tolerance,
	}
}

// Record appends a sample to the market's ring, evicting the oldest once
// the bound is exceeded. Feed events may arrive slightly out of order, so
// a late sample is inserted at its timestamp position.
func (p *PriceHistory) Record(market string, price float64, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ring := p.samples[market]
	sample := models.PriceSample{Market: market, Price: price, Timestamp: ts}

	n := len(ring)
	if n == 0 || !ts.Before(ring[n-1].Timestamp) {
		ring = append(ring, sample)
	} else {
		// Late arrival inside the jitter window: insert in order.
		i := sort.Search(n, func(i int) bool {
			return ring[i].Timestamp.After(ts)
		})
		ring = append(ring, models.PriceSample{})
		copy(ring[i+1:], ring[i:])
		ring[i] = sample
	}

	if len(ring) > p.maxSamples {
		ring = ring[len(ring)-p.maxSamples:]
	}
	p.samples[market] = ring
}

// Lookup returns the price of the closest exact-or-earlier sample within
// tolerance of ts, or ErrNoSample.
func (p *PriceHistory) Lookup(market string, ts time.Time) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ring := p.samples[market]
	if len(ring) == 0 {
		return 0, ErrNoSample
	}

	// First sample strictly after ts; the one before it is our candidate.
	i := sort.Search(len(ring), func(i int) bool {
		return ring[i].Timestamp.After(ts)
	})
	if i == 0 {
		return 0, ErrNoSample
	}
	candidate := ring[i-1]
	if ts.Sub(candidate.Timestamp) > p.tolerance {
		return 0, ErrNoSample
	}
	return candidate.Price, nil
}

// Latest returns the most recent sample for a market.
func (p *PriceHistory) Latest(market string) (models.PriceSample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ring := p.samples[market]
	if len(ring) == 0 {
		return models.PriceSample{}, false
	}
	return ring[len(ring)-1], true
}

// MarketCount returns the number of tracked markets.
func (p *PriceHistory) MarketCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.samples)
}

// Snapshot returns a flat copy of all rings for persistence.
func (p *PriceHistory) Snapshot() []models.PriceSample {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.PriceSample
	for _, ring := range p.samples {
		out = append(out, ring...)
	}
	return out
}

// Restore seeds the rings from persisted samples, keeping timestamp order
// and the per-market bound.
func (p *PriceHistory) Restore(samples []models.PriceSample) {
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	for _, s := range samples {
		p.Record(s.Market, s.Price, s.Timestamp)
	}
}
