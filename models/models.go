// Package models defines the core data types shared across the engine.
package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Trade sides as delivered by the feed.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// TradeEvent is a single observed trade from the public feed. Events are
// immutable facts; every downstream component consumes them read-only.
type TradeEvent struct {
	Trader          string    `json:"trader"`
	Market          string    `json:"market"`
	Side            string    `json:"side"`
	Price           float64   `json:"price"` // 0..1 prediction-market probability
	Size            float64   `json:"size"`
	NotionalUSD     float64   `json:"notional_usd"` // price * size
	Category        string    `json:"category"`
	TransactionHash string    `json:"transaction_hash"`
	Timestamp       time.Time `json:"timestamp"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Key returns a stable dedup key for the trade. Prefers the transaction
// hash; falls back to a composite key when the feed omits it.
func (t TradeEvent) Key() string {
	if t.TransactionHash != "" {
		return t.TransactionHash + "|" + t.Side
	}
	return fmt.Sprintf("%s|%d|%s|%s|%.6f|%.4f",
		t.Market, t.Timestamp.Unix(), t.Trader, t.Side, t.Price, t.Size)
}

// Valid reports whether the event carries the fields the pipeline needs.
// The trader must be a real wallet address; the feed occasionally emits
// system events with empty or garbage maker fields.
func (t TradeEvent) Valid() bool {
	return common.IsHexAddress(t.Trader) && t.Market != "" &&
		(t.Side == SideBuy || t.Side == SideSell) &&
		t.Price > 0 && t.Price < 1 && t.Size > 0 && !t.Timestamp.IsZero()
}

// ConfidenceRecord tracks one trader's evolving reputation. One record per
// distinct address; created on the first qualifying trade and mutated on
// every qualifying trade after that.
type ConfidenceRecord struct {
	Address      string          `json:"address"`
	TradeCount   int             `json:"trade_count"`
	NotionalUSD  float64         `json:"notional_usd"`
	Markets      map[string]bool `json:"markets"`
	Confidence   float64         `json:"confidence"` // [0,1]
	Elite        bool            `json:"elite"`
	LastActivity time.Time       `json:"last_activity"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MarketCount returns the number of distinct markets the trader touched.
func (r ConfidenceRecord) MarketCount() int {
	return len(r.Markets)
}

// Clone returns a deep copy safe to hand to readers.
func (r ConfidenceRecord) Clone() ConfidenceRecord {
	out := r
	out.Markets = make(map[string]bool, len(r.Markets))
	for m := range r.Markets {
		out.Markets[m] = true
	}
	return out
}

// TraderClass drives admission thresholds. Elite traders are pre-validated
// by an external process and get a lower bar.
type TraderClass string

const (
	ClassStandard TraderClass = "standard"
	ClassElite    TraderClass = "elite"
)

// ClassFor maps the elite flag to a trader class.
func ClassFor(elite bool) TraderClass {
	if elite {
		return ClassElite
	}
	return ClassStandard
}

// PriceSample is one observed (market, timestamp, price) point. Read-only
// once written.
type PriceSample struct {
	Market    string    `json:"market"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Signal is the immutable output of a triggered cluster, consumed by the
// downstream decision layer.
type Signal struct {
	Trader      string    `json:"trader"`
	Market      string    `json:"market"`
	Side        string    `json:"side"`
	DiscountPct float64   `json:"discount_pct"` // positive = favorable entry for the follower
	SizeUSD     float64   `json:"size_usd"`     // cumulative cluster notional
	TradeCount  int       `json:"trade_count"`
	Confidence  float64   `json:"confidence"` // trader confidence at emission time
	Timestamp   time.Time `json:"timestamp"`
}

// Sources for a delay check's price.
const (
	PriceSourceObserved = "observed"
	PriceSourceFallback = "fallback"
)

// Simulation statuses.
const (
	SimulationPending   = "pending"
	SimulationCompleted = "completed"
)

// DelayResult is the outcome of one scheduled delay check. Each delay slot
// is written exactly once.
type DelayResult struct {
	DelaySec    int       `json:"delay_sec"`
	ScheduledAt time.Time `json:"scheduled_at"` // trade timestamp + delay, exact
	Price       float64   `json:"price"`        // looked-up or fallback price
	PriceSource string    `json:"price_source"` // observed | fallback
	SlippagePct float64   `json:"slippage_pct"` // fraction, 0.001 = 0.1%
	EntryPrice  float64   `json:"entry_price"`  // price after slippage
	CheckedAt   time.Time `json:"checked_at"`

	// Filled in once the market resolves.
	Resolved   bool      `json:"resolved"`
	PnL        float64   `json:"pnl,omitempty"`
	PnLPct     float64   `json:"pnl_pct,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// SimulationRecord captures one delayed-execution analysis for a qualifying
// trade. Persisted after creation and after every delay update so a restart
// can resume from the last completed delay.
type SimulationRecord struct {
	ID         string        `json:"id"`
	Trader     string        `json:"trader"`
	Market     string        `json:"market"`
	Side       string        `json:"side"`
	EntryPrice float64       `json:"entry_price"` // whale's own entry
	SizeUSD    float64       `json:"size_usd"`
	TradeTime  time.Time     `json:"trade_time"`
	Elite      bool          `json:"elite"`
	Delays     []int         `json:"delays"` // seconds
	Results    []DelayResult `json:"results"`
	Status     string        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`

	// Summary, populated once results resolve.
	Resolved     bool    `json:"resolved"`
	Profitable   bool    `json:"profitable"`
	BestDelaySec int     `json:"best_delay_sec"`
	AvgPnL       float64 `json:"avg_pnl"`
}

// HasResult reports whether the given delay already recorded its result.
func (s *SimulationRecord) HasResult(delaySec int) bool {
	for _, r := range s.Results {
		if r.DelaySec == delaySec {
			return true
		}
	}
	return false
}

// RemainingDelays returns the configured delays that have no recorded
// result yet, in order. Used to resume a pending simulation after restart.
func (s *SimulationRecord) RemainingDelays() []int {
	var out []int
	for _, d := range s.Delays {
		if !s.HasResult(d) {
			out = append(out, d)
		}
	}
	return out
}

// Clone returns a deep copy safe for concurrent readers.
func (s *SimulationRecord) Clone() SimulationRecord {
	out := *s
	out.Delays = append([]int(nil), s.Delays...)
	out.Results = append([]DelayResult(nil), s.Results...)
	return out
}
