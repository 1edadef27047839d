package simulator

import (
	"testing"

	"whalewatch/models"
)

func resolvedRecord(trader string, avgPnL float64, profitable bool, delayPnL map[int]float64) models.SimulationRecord {
	rec := models.SimulationRecord{
		Trader:     trader,
		Market:     "m1",
		Side:       models.SideBuy,
		Status:     models.SimulationCompleted,
		Resolved:   true,
		Profitable: profitable,
		AvgPnL:     avgPnL,
	}
	for delay, pnl := range delayPnL {
		rec.Delays = append(rec.Delays, delay)
		rec.Results = append(rec.Results, models.DelayResult{
			DelaySec: delay,
			Resolved: true,
			PnL:      pnl,
		})
	}
	return rec
}

func TestEvaluateAggregatesPerWhale(t *testing.T) {
	records := []models.SimulationRecord{
		resolvedRecord("0xaaa", 0.10, true, map[int]float64{60: 0.05, 180: 0.15}),
		resolvedRecord("0xaaa", -0.04, false, map[int]float64{60: -0.02, 180: -0.06}),
		{Trader: "0xaaa", Status: models.SimulationPending}, // unresolved
		resolvedRecord("0xbbb", 0.30, true, map[int]float64{60: 0.30}),
	}

	perfs := Evaluate(records)
	a := perfs["0xaaa"]
	if a == nil {
		t.Fatal("missing performance for 0xaaa")
	}
	if a.Simulations != 3 || a.Resolved != 2 || a.Wins != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", a.Simulations, a.Resolved, a.Wins)
	}
	if !floatEquals(a.WinRate, 0.5) {
		t.Errorf("win rate = %v, want 0.5", a.WinRate)
	}
	if !floatEquals(a.AvgPnL, 0.03) {
		t.Errorf("avg pnl = %v, want 0.03", a.AvgPnL)
	}
	// Per-delay averages: 60s -> (0.05-0.02)/2, 180s -> (0.15-0.06)/2
	if !floatEquals(a.PnLByDelay[60], 0.015) || !floatEquals(a.PnLByDelay[180], 0.045) {
		t.Errorf("pnl by delay = %v", a.PnLByDelay)
	}
	if a.BestDelaySec != 180 {
		t.Errorf("best delay = %d, want 180", a.BestDelaySec)
	}
}

func TestTopWhalesFiltersAndSorts(t *testing.T) {
	perfs := map[string]*Performance{
		"0xaaa": {Address: "0xaaa", Resolved: 5, AvgPnL: 0.10},
		"0xbbb": {Address: "0xbbb", Resolved: 5, AvgPnL: 0.20},
		"0xccc": {Address: "0xccc", Resolved: 1, AvgPnL: 0.90}, // one lucky trade
	}

	top := TopWhales(perfs, 10, 3)
	if len(top) != 2 {
		t.Fatalf("top = %d whales, want 2 (min resolved filter)", len(top))
	}
	if top[0].Address != "0xbbb" || top[1].Address != "0xaaa" {
		t.Errorf("order wrong: %s, %s", top[0].Address, top[1].Address)
	}

	if got := TopWhales(perfs, 1, 3); len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}
