// Package registry maintains per-trader confidence records derived from
// observed trade volume and frequency, with recency decay, pruning, and
// periodic persistence.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"whalewatch/config"
	"whalewatch/models"
	"whalewatch/storage"
	"whalewatch/utils"
)

// Registry is the single owner of all confidence records. The ingestion
// path is the only writer; the signal generator and simulator read through
// Get and Confidence.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.ConfidenceRecord
	elite   map[string]bool
	dirty   bool

	cfg   config.RegistryConfig
	store storage.DataStore

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a registry backed by the given store.
func New(cfg config.RegistryConfig, store storage.DataStore) *Registry {
	return &Registry{
		records: make(map[string]*models.ConfidenceRecord),
		elite:   make(map[string]bool),
		cfg:     cfg,
		store:   store,
		stopCh:  make(chan struct{}),
	}
}

// Load restores the persisted snapshot. Losing this state resets every
// trader's reputation, so a load failure is logged loudly but the registry
// still starts empty rather than crashing.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.LoadWhaleRecords(ctx)
	if err != nil {
		log.Printf("[registry] FAILED to load whale snapshot, starting empty: %v", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		rec := records[i]
		if rec.Markets == nil {
			rec.Markets = make(map[string]bool)
		}
		r.records[rec.Address] = &rec
	}
	log.Printf("[registry] loaded %d whale records", len(records))
	return nil
}

// LoadEliteList reads the externally supplied allow-list of elite trader
// addresses (a JSON array). An absent file is not an error; the list is
// optional.
func (r *Registry) LoadEliteList(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[registry] no elite allow-list at %s", path)
			return
		}
		log.Printf("[registry] failed to read elite allow-list: %v", err)
		return
	}

	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		log.Printf("[registry] failed to parse elite allow-list: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.elite = make(map[string]bool, len(addrs))
	for _, a := range addrs {
		r.elite[utils.NormalizeAddress(a)] = true
	}
	for addr, rec := range r.records {
		rec.Elite = r.elite[addr]
	}
	log.Printf("[registry] loaded %d elite addresses", len(addrs))
}

// Observe is the sole mutator. Trades below the discovery threshold are
// ignored; qualifying trades create or update the trader's record and
// return a copy of it.
func (r *Registry) Observe(trade models.TradeEvent) *models.ConfidenceRecord {
	if trade.NotionalUSD < r.cfg.MinTradeUSD {
		return nil
	}

	addr := utils.NormalizeAddress(trade.Trader)
	now := trade.Timestamp

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		rec = &models.ConfidenceRecord{
			Address:      addr,
			Markets:      make(map[string]bool),
			Confidence:   r.cfg.BaseConfidence,
			Elite:        r.elite[addr],
			LastActivity: now,
			CreatedAt:    now,
		}
		r.records[addr] = rec
	} else {
		// Recency weighting: settle any idle-time decay first, then apply
		// the per-trade step. With no gap the decay is a no-op, so
		// confidence stays non-decreasing while the trader is active.
		rec.Confidence = utils.Clamp(r.decayedConfidence(rec, now)+r.cfg.ConfidenceStep, 0, 1)
	}

	rec.TradeCount++
	rec.NotionalUSD += trade.NotionalUSD
	rec.Markets[trade.Market] = true
	rec.Elite = r.elite[addr]
	if now.After(rec.LastActivity) {
		rec.LastActivity = now
	}
	r.dirty = true

	out := rec.Clone()
	return &out
}

// Get returns a copy of the trader's record with decay applied as of now.
// The stored record always holds confidence as of the trader's last
// activity; readers see the decayed view without mutating it.
func (r *Registry) Get(address string) (models.ConfidenceRecord, bool) {
	addr := utils.NormalizeAddress(address)

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[addr]
	if !ok {
		return models.ConfidenceRecord{}, false
	}
	out := rec.Clone()
	out.Confidence = r.decayedConfidence(rec, time.Now())
	return out, true
}

// Confidence returns the trader's current confidence. Implements the
// cluster.ConfidenceSource contract; an unknown trader is not an error,
// it simply has zero confidence.
func (r *Registry) Confidence(ctx context.Context, address string) (float64, error) {
	rec, ok := r.Get(address)
	if !ok {
		return 0, nil
	}
	return rec.Confidence, nil
}

// IsElite reports allow-list membership for an address.
func (r *Registry) IsElite(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.elite[utils.NormalizeAddress(address)]
}

// Size returns the number of tracked traders.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns copies of all records with decay applied as of now.
func (r *Registry) Snapshot() []models.ConfidenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]models.ConfidenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		c := rec.Clone()
		c.Confidence = r.decayedConfidence(rec, now)
		out = append(out, c)
	}
	return out
}

// decayedConfidence computes the trader's confidence as seen at now,
// decaying exponentially toward the floor once idle time passes the
// threshold. Pure with respect to the record: the stored value stays
// anchored at LastActivity so repeated reads never compound the decay.
func (r *Registry) decayedConfidence(rec *models.ConfidenceRecord, now time.Time) float64 {
	idle := now.Sub(rec.LastActivity)
	threshold := r.cfg.InactivityThreshold()
	if idle <= threshold {
		return rec.Confidence
	}

	floor := r.cfg.DecayFloor
	if rec.Confidence <= floor {
		return rec.Confidence
	}
	halfLife := time.Duration(r.cfg.DecayHalfLifeH) * time.Hour
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	over := idle - threshold
	factor := math.Exp2(-float64(over) / float64(halfLife))
	return floor + (rec.Confidence-floor)*factor
}

// Prune drops traders whose decayed confidence fell below the retention
// floor past the hard expiry. Returns the number of pruned records.
func (r *Registry) Prune(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var pruned []string
	for addr, rec := range r.records {
		if r.decayedConfidence(rec, now) < r.cfg.RetentionFloor &&
			now.Sub(rec.LastActivity) > r.cfg.HardExpiry() {
			delete(r.records, addr)
			pruned = append(pruned, addr)
			r.dirty = true
		}
	}
	r.mu.Unlock()

	for _, addr := range pruned {
		if err := r.store.DeleteWhaleRecord(ctx, addr); err != nil {
			log.Printf("[registry] failed to delete pruned record %s: %v", utils.ShortAddress(addr), err)
		}
	}
	if len(pruned) > 0 {
		log.Printf("[registry] pruned %d inactive whales", len(pruned))
	}
	return len(pruned)
}

// Start launches the background flush and prune loops.
func (r *Registry) Start(ctx context.Context) {
	if r.running {
		return
	}
	r.running = true

	flushInterval := time.Duration(r.cfg.FlushIntervalSec) * time.Second
	pruneInterval := time.Duration(r.cfg.PruneIntervalSec) * time.Second

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Flush(ctx)
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Prune(ctx, time.Now())
			}
		}
	}()

	log.Printf("[registry] started (flush every %v, prune every %v)", flushInterval, pruneInterval)
}

// Stop halts the loops and writes a final snapshot.
func (r *Registry) Stop() {
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Flush(ctx)
	log.Printf("[registry] stopped")
}

// Flush persists the snapshot if anything changed since the last write.
// The snapshot is taken under the lock; the store write happens outside it
// so persistence never stalls ingestion.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	snapshot := make([]models.ConfidenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		snapshot = append(snapshot, rec.Clone())
	}
	r.dirty = false
	r.mu.Unlock()

	if err := r.store.SaveWhaleRecords(ctx, snapshot); err != nil {
		log.Printf("[registry] snapshot write failed (%d records): %v", len(snapshot), err)
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
}
