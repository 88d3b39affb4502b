package impact

import (
	"math"
	"testing"
	"time"

	"exec-engine/internal/book"
)

func makeSnapshot(bids, asks []book.Level) *book.Snapshot {
	snap := &book.Snapshot{
		Symbol:    "BTC/USDT",
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	snap.Finalize()
	return snap
}

func closeTo(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestWalkAveragesAcrossLevels(t *testing.T) {
	snap := makeSnapshot(
		[]book.Level{{Price: 49990, Volume: 1.0}},
		[]book.Level{{Price: 50000, Volume: 1.0}, {Price: 50010, Volume: 1.0}},
	)

	est := Walk(snap, book.SideBuy, 2.0)

	if !closeTo(est.AvgPrice, 50005, 1e-9) {
		t.Fatalf("expected avg price 50005, got %f", est.AvgPrice)
	}
	if !closeTo(est.Cost, 100010, 1e-6) {
		t.Errorf("expected cost 100010, got %f", est.Cost)
	}
	if est.Extrapolated {
		t.Error("request within visible depth must not be extrapolated")
	}
	if !closeTo(est.VisibleFilled, 2.0, 1e-9) {
		t.Errorf("expected visible fill 2.0, got %f", est.VisibleFilled)
	}

	mid := snap.MidPrice
	wantBps := (est.AvgPrice - mid) / mid * 10000
	if !closeTo(est.ImpactBps, wantBps, 1e-9) {
		t.Errorf("expected impact %fbps, got %f", wantBps, est.ImpactBps)
	}
	if est.ImpactBps <= 0 {
		t.Errorf("buy walking up the asks must have positive impact, got %f", est.ImpactBps)
	}
}

func TestWalkPartialLastLevel(t *testing.T) {
	snap := makeSnapshot(
		[]book.Level{{Price: 49990, Volume: 1.0}},
		[]book.Level{{Price: 50000, Volume: 1.0}, {Price: 50010, Volume: 2.0}},
	)

	est := Walk(snap, book.SideBuy, 1.5)

	want := (1.0*50000 + 0.5*50010) / 1.5
	if !closeTo(est.AvgPrice, want, 1e-9) {
		t.Fatalf("expected avg %f, got %f", want, est.AvgPrice)
	}
	if est.Extrapolated {
		t.Error("partial consumption of the last level is not extrapolation")
	}
}

func TestWalkSellSide(t *testing.T) {
	snap := makeSnapshot(
		[]book.Level{{Price: 50000, Volume: 1.0}, {Price: 49990, Volume: 1.0}},
		[]book.Level{{Price: 50010, Volume: 1.0}},
	)

	est := Walk(snap, book.SideSell, 2.0)

	if !closeTo(est.AvgPrice, 49995, 1e-9) {
		t.Fatalf("expected avg 49995, got %f", est.AvgPrice)
	}
	if est.ImpactBps <= 0 {
		t.Errorf("sell walking down the bids must have positive impact, got %f", est.ImpactBps)
	}
}

func TestWalkDeterministic(t *testing.T) {
	snap := makeSnapshot(
		[]book.Level{{Price: 49990, Volume: 1.3}},
		[]book.Level{{Price: 50000, Volume: 0.7}, {Price: 50010, Volume: 2.1}},
	)

	first := Walk(snap, book.SideBuy, 1.9)
	second := Walk(snap, book.SideBuy, 1.9)
	if first != second {
		t.Fatalf("same snapshot and size must give identical estimates: %+v vs %+v", first, second)
	}
}

func TestWalkExtrapolatesBeyondVisibleDepth(t *testing.T) {
	snap := makeSnapshot(
		[]book.Level{{Price: 49990, Volume: 1.0}},
		[]book.Level{{Price: 50000, Volume: 1.0}},
	)

	est := Walk(snap, book.SideBuy, 2.0)

	if !est.Extrapolated {
		t.Fatal("request beyond visible depth must be flagged extrapolated")
	}
	if math.IsNaN(est.AvgPrice) || math.IsInf(est.AvgPrice, 0) {
		t.Fatalf("extrapolated estimate must stay finite, got %f", est.AvgPrice)
	}

	// 可见1.0@50000，剩余1.0按 last+(last-mid)=50005 计价。
	want := (50000.0 + 50005.0) / 2
	if !closeTo(est.AvgPrice, want, 1e-9) {
		t.Errorf("expected extrapolated avg %f, got %f", want, est.AvgPrice)
	}
	if !closeTo(est.VisibleFilled, 1.0, 1e-9) {
		t.Errorf("expected visible fill 1.0, got %f", est.VisibleFilled)
	}
}

func TestWalkDegenerateInputs(t *testing.T) {
	if est := Walk(nil, book.SideBuy, 1.0); est != (Estimate{}) {
		t.Errorf("nil snapshot must give zero estimate, got %+v", est)
	}

	snap := makeSnapshot(
		[]book.Level{{Price: 49990, Volume: 1.0}},
		[]book.Level{{Price: 50000, Volume: 1.0}},
	)
	if est := Walk(snap, book.SideBuy, 0); est != (Estimate{}) {
		t.Errorf("zero size must give zero estimate, got %+v", est)
	}
	if est := Walk(snap, book.SideBuy, -1); est != (Estimate{}) {
		t.Errorf("negative size must give zero estimate, got %+v", est)
	}
}

func TestEstimateCostFallsBackToHint(t *testing.T) {
	est := EstimateCost(nil, book.SideBuy, 2.0, 50000)

	if !est.Extrapolated {
		t.Error("cost without a snapshot must be flagged extrapolated")
	}
	if !closeTo(est.AvgPrice, 50000, 1e-9) {
		t.Errorf("expected hint price 50000, got %f", est.AvgPrice)
	}
	if !closeTo(est.Cost, 100000, 1e-6) {
		t.Errorf("expected cost 100000, got %f", est.Cost)
	}
}

func TestEstimateCostPrefersSnapshot(t *testing.T) {
	snap := makeSnapshot(
		[]book.Level{{Price: 49990, Volume: 1.0}},
		[]book.Level{{Price: 50000, Volume: 1.0}, {Price: 50010, Volume: 1.0}},
	)

	est := EstimateCost(snap, book.SideBuy, 2.0, 1)
	if !closeTo(est.Cost, 100010, 1e-6) {
		t.Errorf("snapshot must win over price hint, got cost %f", est.Cost)
	}
}
