// Package cluster groups whale trades into per-trader clusters and emits
// copy-trade signals when a cluster clears the configured thresholds.
package cluster

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"whalewatch/config"
	"whalewatch/models"
	"whalewatch/storage"
	"whalewatch/utils"
)

// Rejection reasons tracked per evaluated cluster.
const (
	ReasonDuplicate             = "duplicate"
	ReasonExcludedCategory      = "excluded_category"
	ReasonHoldTooShort          = "hold_too_short"
	ReasonConflictingSides      = "conflicting_sides"
	ReasonConfidenceUnavailable = "confidence_unavailable"
	ReasonConfidenceTooLow      = "confidence_too_low"
	ReasonAdverseMove           = "adverse_move"
	ReasonDiscountTooSmall      = "discount_too_small"
	ReasonInsufficientDepth     = "insufficient_depth"
	ReasonNoMarketPrice         = "no_market_price"
	ReasonClusterExpired        = "cluster_expired"
)

// ConfidenceSource provides the trader-confidence gate. A returned error
// means the lookup failed (infrastructure), which is distinct from a low
// value (judgment).
type ConfidenceSource interface {
	Confidence(ctx context.Context, address string) (float64, error)
}

// MarketData supplies current market state for discount and depth checks.
type MarketData interface {
	Midpoint(ctx context.Context, market string) (float64, error)
	DepthUSD(ctx context.Context, market, side string) (float64, error)
}

// activeCluster accumulates one trader's same-side trades in one market
// within the rolling window.
type activeCluster struct {
	trader    string
	market    string
	side      string
	category  string
	startedAt time.Time
	lastAt    time.Time
	count     int
	notional  float64
	costBasis float64 // sum(price*size), VWAP numerator
	size      float64 // sum(size), VWAP denominator
}

func (c *activeCluster) vwap() float64 {
	if c.size == 0 {
		return 0
	}
	return c.costBasis / c.size
}

// avgGapSec returns the average seconds between consecutive trades. Only
// meaningful with two or more trades.
func (c *activeCluster) avgGapSec() float64 {
	if c.count < 2 {
		return 0
	}
	return c.lastAt.Sub(c.startedAt).Seconds() / float64(c.count-1)
}

// Generator turns deduplicated whale trades into signals. One instance per
// engine; safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	clusters map[string]*activeCluster
	seen     map[string]bool
	seenKeys []string // insertion order, for bounded trimming
	rejects  map[string]int
	emitted  int

	cfg        config.ClusterConfig
	excluded   map[string]bool
	confidence ConfidenceSource
	market     MarketData
	store      storage.DataStore

	onSignal func(models.Signal)
}

// New creates a generator wired to its confidence source, market data, and
// store.
func New(cfg config.ClusterConfig, confidence ConfidenceSource, market MarketData, store storage.DataStore) *Generator {
	excluded := make(map[string]bool, len(cfg.ExcludeCategories))
	for _, cat := range cfg.ExcludeCategories {
		excluded[strings.ToLower(cat)] = true
	}
	return &Generator{
		clusters:   make(map[string]*activeCluster),
		seen:       make(map[string]bool),
		rejects:    make(map[string]int),
		cfg:        cfg,
		excluded:   excluded,
		confidence: confidence,
		market:     market,
		store:      store,
	}
}

// SetSignalCallback registers a function invoked for every emitted signal.
func (g *Generator) SetSignalCallback(fn func(models.Signal)) {
	g.onSignal = fn
}

func clusterKey(trader, market, side string) string {
	return trader + "|" + market + "|" + side
}

// Process feeds one trade through dedup, clustering, and threshold checks.
// Returns the emitted signal, or nil when the trade was absorbed into a
// cluster that has not (yet) triggered. The error is non-nil only for
// infrastructure failures; threshold rejections are counted, not returned.
func (g *Generator) Process(ctx context.Context, trade models.TradeEvent) (*models.Signal, error) {
	trader := utils.NormalizeAddress(trade.Trader)

	g.mu.Lock()

	key := trade.Key()
	if g.seen[key] {
		g.rejects[ReasonDuplicate]++
		g.mu.Unlock()
		return nil, nil
	}
	g.markSeenLocked(key)

	if g.excluded[strings.ToLower(trade.Category)] {
		g.rejects[ReasonExcludedCategory]++
		g.mu.Unlock()
		return nil, nil
	}

	ck := clusterKey(trader, trade.Market, trade.Side)
	c, ok := g.clusters[ck]
	if ok && trade.Timestamp.Sub(c.startedAt) > g.cfg.Window() {
		// Window elapsed without triggering; start fresh from this trade.
		g.rejects[ReasonClusterExpired]++
		delete(g.clusters, ck)
		ok = false
	}
	if !ok {
		c = &activeCluster{
			trader:    trader,
			market:    trade.Market,
			side:      trade.Side,
			category:  trade.Category,
			startedAt: trade.Timestamp,
			lastAt:    trade.Timestamp,
		}
		g.clusters[ck] = c
	}

	c.count++
	c.notional += trade.NotionalUSD
	c.costBasis += trade.Price * trade.Size
	c.size += trade.Size
	if trade.Timestamp.After(c.lastAt) {
		c.lastAt = trade.Timestamp
	}

	// Cheap checks under the lock; the cluster keeps accumulating when
	// these fail, so no counter increments here.
	if c.notional < g.cfg.MinClusterUSD || c.count < g.cfg.MinTrades {
		g.mu.Unlock()
		return nil, nil
	}
	if c.count >= 2 && c.avgGapSec() < float64(g.cfg.MinAvgHoldSec) {
		g.rejects[ReasonHoldTooShort]++
		g.mu.Unlock()
		return nil, nil
	}

	// A live opposite-side cluster for the same trader and market means the
	// whale is churning, not accumulating.
	opposite := models.SideSell
	if trade.Side == models.SideSell {
		opposite = models.SideBuy
	}
	if oc, exists := g.clusters[clusterKey(trader, trade.Market, opposite)]; exists &&
		trade.Timestamp.Sub(oc.startedAt) <= g.cfg.Window() {
		g.rejects[ReasonConflictingSides]++
		g.mu.Unlock()
		return nil, nil
	}

	snapshot := *c
	g.mu.Unlock()

	// Confidence and market lookups happen outside the lock; they hit the
	// network on the live path.
	conf, err := g.confidence.Confidence(ctx, trader)
	if err != nil {
		if !g.cfg.BypassOnLookupFailure {
			g.countReject(ReasonConfidenceUnavailable)
			return nil, nil
		}
		log.Printf("[cluster] confidence lookup failed for %s, bypassing gate: %v", utils.ShortAddress(trader), err)
		conf = g.cfg.MinConfidence
	} else if conf < g.cfg.MinConfidence {
		g.countReject(ReasonConfidenceTooLow)
		return nil, nil
	}

	current, err := g.market.Midpoint(ctx, trade.Market)
	if err != nil || current <= 0 {
		g.countReject(ReasonNoMarketPrice)
		return nil, nil
	}

	discount := discountPct(snapshot.vwap(), current, trade.Side)
	if discount < -g.cfg.MaxNegativePct {
		g.countReject(ReasonAdverseMove)
		g.dropCluster(ck, c)
		return nil, nil
	}
	if discount < g.cfg.MinDiscountPct {
		g.countReject(ReasonDiscountTooSmall)
		return nil, nil
	}

	depth, err := g.market.DepthUSD(ctx, trade.Market, trade.Side)
	if err != nil || depth < g.cfg.DepthMultiplier*snapshot.notional {
		g.countReject(ReasonInsufficientDepth)
		return nil, nil
	}

	sig := models.Signal{
		Trader:      trader,
		Market:      trade.Market,
		Side:        trade.Side,
		DiscountPct: discount,
		SizeUSD:     snapshot.notional,
		TradeCount:  snapshot.count,
		Confidence:  conf,
		Timestamp:   trade.Timestamp,
	}

	g.mu.Lock()
	// The lock was released across the network lookups; another caller may
	// have emitted or rotated this cluster in the meantime. Only the caller
	// that still finds its own cluster in the map gets to emit.
	if g.clusters[ck] != c {
		g.mu.Unlock()
		return nil, nil
	}
	g.emitted++
	delete(g.clusters, ck) // one signal per cluster
	g.mu.Unlock()

	if err := g.store.SaveSignal(ctx, sig); err != nil {
		log.Printf("[cluster] failed to persist signal %s %s: %v", utils.ShortAddress(trader), trade.Market, err)
	}
	if g.onSignal != nil {
		g.onSignal(sig)
	}

	log.Printf("[cluster] SIGNAL %s %s %s: $%.0f over %d trades, discount %.2f%%, confidence %.2f",
		utils.ShortAddress(trader), trade.Side, trade.Market, sig.SizeUSD, sig.TradeCount, discount, conf)
	return &sig, nil
}

// discountPct measures entry favorability in percent. For a BUY the
// follower wants the current price below the whale's VWAP; for a SELL the
// sign flips.
func discountPct(vwap, current float64, side string) float64 {
	if vwap <= 0 {
		return 0
	}
	pct := (vwap - current) / vwap * 100
	if side == models.SideSell {
		pct = -pct
	}
	return pct
}

// markSeenLocked records a dedup key, trimming the oldest half once the map
// outgrows its bound. Caller holds the lock.
func (g *Generator) markSeenLocked(key string) {
	g.seen[key] = true
	g.seenKeys = append(g.seenKeys, key)
	if len(g.seenKeys) > g.cfg.MaxSeenKeys {
		cut := len(g.seenKeys) / 2
		for _, k := range g.seenKeys[:cut] {
			delete(g.seen, k)
		}
		g.seenKeys = append([]string(nil), g.seenKeys[cut:]...)
	}
}

func (g *Generator) countReject(reason string) {
	g.mu.Lock()
	g.rejects[reason]++
	g.mu.Unlock()
}

// dropCluster removes a cluster only if it is still the one the caller
// evaluated; a rotated replacement under the same key is left alone.
func (g *Generator) dropCluster(key string, c *activeCluster) {
	g.mu.Lock()
	if g.clusters[key] == c {
		delete(g.clusters, key)
	}
	g.mu.Unlock()
}

// Sweep drops clusters whose window elapsed before the given time. Run
// periodically so idle clusters do not pin memory.
func (g *Generator) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var dropped int
	for key, c := range g.clusters {
		if now.Sub(c.startedAt) > g.cfg.Window() {
			g.rejects[ReasonClusterExpired]++
			delete(g.clusters, key)
			dropped++
		}
	}
	return dropped
}

// RejectionCounts returns a copy of the per-reason rejection counters.
func (g *Generator) RejectionCounts() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int, len(g.rejects))
	for reason, n := range g.rejects {
		out[reason] = n
	}
	return out
}

// ActiveClusters returns the number of clusters currently accumulating.
func (g *Generator) ActiveClusters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clusters)
}

// EmittedCount returns the number of signals emitted since start.
func (g *Generator) EmittedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emitted
}
