package simulator

import (
	"sort"

	"whalewatch/models"
)

// Performance summarizes how copying one whale would have worked out across
// its resolved simulations.
type Performance struct {
	Address      string          `json:"address"`
	Simulations  int             `json:"simulations"`
	Resolved     int             `json:"resolved"`
	Wins         int             `json:"wins"`
	WinRate      float64         `json:"win_rate"` // [0,1] over resolved
	AvgPnL       float64         `json:"avg_pnl"`
	TotalPnL     float64         `json:"total_pnl"`
	PnLByDelay   map[int]float64 `json:"pnl_by_delay"` // avg PnL per delay sec
	BestDelaySec int             `json:"best_delay_sec"`
}

// Evaluate aggregates simulation records into per-whale performance.
// Unresolved records count toward Simulations but contribute no P&L.
func Evaluate(records []models.SimulationRecord) map[string]*Performance {
	perfs := make(map[string]*Performance)
	delaySums := make(map[string]map[int]float64)
	delayCounts := make(map[string]map[int]int)

	for i := range records {
		rec := &records[i]
		p, ok := perfs[rec.Trader]
		if !ok {
			p = &Performance{Address: rec.Trader, PnLByDelay: make(map[int]float64)}
			perfs[rec.Trader] = p
			delaySums[rec.Trader] = make(map[int]float64)
			delayCounts[rec.Trader] = make(map[int]int)
		}
		p.Simulations++
		if !rec.Resolved {
			continue
		}

		p.Resolved++
		p.TotalPnL += rec.AvgPnL
		if rec.Profitable {
			p.Wins++
		}
		for _, r := range rec.Results {
			if !r.Resolved {
				continue
			}
			delaySums[rec.Trader][r.DelaySec] += r.PnL
			delayCounts[rec.Trader][r.DelaySec]++
		}
	}

	for addr, p := range perfs {
		if p.Resolved > 0 {
			p.WinRate = float64(p.Wins) / float64(p.Resolved)
			p.AvgPnL = p.TotalPnL / float64(p.Resolved)
		}
		best := 0
		bestPnL := 0.0
		first := true
		for delay, sum := range delaySums[addr] {
			avg := sum / float64(delayCounts[addr][delay])
			p.PnLByDelay[delay] = avg
			if first || avg > bestPnL {
				bestPnL = avg
				best = delay
				first = false
			}
		}
		p.BestDelaySec = best
	}
	return perfs
}

// TopWhales returns the n best performers by average P&L, requiring at
// least minResolved resolved simulations so one lucky trade does not rank.
func TopWhales(perfs map[string]*Performance, n, minResolved int) []*Performance {
	var out []*Performance
	for _, p := range perfs {
		if p.Resolved >= minResolved {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgPnL != out[j].AvgPnL {
			return out[i].AvgPnL > out[j].AvgPnL
		}
		return out[i].Address < out[j].Address
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
