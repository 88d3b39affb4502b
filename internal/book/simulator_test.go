package book

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"exec-engine/internal/config"
)

func simulatorConfig() config.SimulatorConfig {
	return config.SimulatorConfig{
		Symbols: []config.SymbolConfig{
			{Symbol: "BTC/USDT", ReferencePrice: 50000, Volatility: 0.0005},
			{Symbol: "ETH/USDT", ReferencePrice: 3000, Volatility: 0.0008},
		},
		// tick间隔拉长，测试只依赖 Start 同步生成的初始快照。
		TickInterval:  time.Hour,
		LevelsPerSide: 10,
		BaseVolume:    2.0,
		VolumeDecay:   0.85,
		SpreadBps:     2.0,
		Seed:          42,
		DegradedAfter: 3,
	}
}

func startSimulator(t *testing.T, cfg config.SimulatorConfig) *Simulator {
	t.Helper()
	sim := NewSimulator(cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sim.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sim.Stop()
	})
	return sim
}

func TestSimulatorSnapshotInvariants(t *testing.T) {
	sim := startSimulator(t, simulatorConfig())

	snap, ok := sim.GetOrderBook("BTC/USDT")
	if !ok {
		t.Fatal("expected snapshot right after Start")
	}

	if len(snap.Bids) != 10 || len(snap.Asks) != 10 {
		t.Fatalf("expected 10 levels per side, got %d/%d", len(snap.Bids), len(snap.Asks))
	}
	if snap.Bids[0].Price >= snap.Asks[0].Price {
		t.Fatalf("crossed book: bid %f >= ask %f", snap.Bids[0].Price, snap.Asks[0].Price)
	}
	if snap.MidPrice <= snap.Bids[0].Price || snap.MidPrice >= snap.Asks[0].Price {
		t.Errorf("mid %f not inside touch [%f, %f]", snap.MidPrice, snap.Bids[0].Price, snap.Asks[0].Price)
	}
	if snap.Spread <= 0 {
		t.Errorf("expected positive spread, got %f", snap.Spread)
	}

	for i := 1; i < len(snap.Bids); i++ {
		if snap.Bids[i].Price >= snap.Bids[i-1].Price {
			t.Fatalf("bids not strictly descending at level %d", i)
		}
	}
	for i := 1; i < len(snap.Asks); i++ {
		if snap.Asks[i].Price <= snap.Asks[i-1].Price {
			t.Fatalf("asks not strictly ascending at level %d", i)
		}
	}
	for _, l := range append(append([]Level(nil), snap.Bids...), snap.Asks...) {
		if l.Volume <= 0 || l.Price <= 0 {
			t.Fatalf("invalid level %+v", l)
		}
	}
}

func TestSimulatorDeterministicBySeed(t *testing.T) {
	first := startSimulator(t, simulatorConfig())
	second := startSimulator(t, simulatorConfig())

	for _, symbol := range []string{"BTC/USDT", "ETH/USDT"} {
		a, ok := first.GetOrderBook(symbol)
		if !ok {
			t.Fatalf("missing snapshot for %s", symbol)
		}
		b, ok := second.GetOrderBook(symbol)
		if !ok {
			t.Fatalf("missing snapshot for %s", symbol)
		}

		if a.MidPrice != b.MidPrice {
			t.Errorf("%s: mid differs: %f vs %f", symbol, a.MidPrice, b.MidPrice)
		}
		if len(a.Bids) != len(b.Bids) {
			t.Fatalf("%s: level count differs", symbol)
		}
		for i := range a.Bids {
			if a.Bids[i] != b.Bids[i] || a.Asks[i] != b.Asks[i] {
				t.Fatalf("%s: level %d differs between identically seeded runs", symbol, i)
			}
		}
	}
}

func TestExecuteAgainstBookConsumesDepth(t *testing.T) {
	sim := startSimulator(t, simulatorConfig())

	before, _ := sim.GetOrderBook("BTC/USDT")
	size := before.Asks[0].Volume + before.Asks[1].Volume/2

	fill, err := sim.ExecuteAgainstBook("BTC/USDT", SideBuy, size, 0)
	if err != nil {
		t.Fatalf("ExecuteAgainstBook returned error: %v", err)
	}
	if math.Abs(fill.Quantity-size) > 1e-9 {
		t.Fatalf("expected full fill %f, got %f", size, fill.Quantity)
	}
	if fill.AvgPrice <= before.Asks[0].Price || fill.AvgPrice >= before.Asks[1].Price {
		t.Errorf("avg price %f not between consumed levels [%f, %f]",
			fill.AvgPrice, before.Asks[0].Price, before.Asks[1].Price)
	}

	after, _ := sim.GetOrderBook("BTC/USDT")
	if diff := before.AskDepth - after.AskDepth; math.Abs(diff-size) > 1e-9 {
		t.Errorf("ask depth should shrink by %f, shrank by %f", size, diff)
	}
	if after.BidDepth != before.BidDepth {
		t.Errorf("bid side must be untouched by a buy")
	}
	if after.Asks[0].Price <= before.Asks[0].Price {
		t.Errorf("best ask should worsen after the first level is consumed")
	}
}

func TestExecuteAgainstBookHonorsLimitPrice(t *testing.T) {
	sim := startSimulator(t, simulatorConfig())

	snap, _ := sim.GetOrderBook("BTC/USDT")
	limit := snap.Bids[0].Price // 低于卖一，买单吃不到任何档位

	fill, err := sim.ExecuteAgainstBook("BTC/USDT", SideBuy, 1.0, limit)
	if err != nil {
		t.Fatalf("zero fill must not be an error, got: %v", err)
	}
	if fill.Quantity != 0 {
		t.Fatalf("expected zero fill below best ask, got %f", fill.Quantity)
	}

	after, _ := sim.GetOrderBook("BTC/USDT")
	if after.AskDepth != snap.AskDepth {
		t.Errorf("book must be unchanged after zero fill")
	}
}

func TestExecuteAgainstBookPartialFillOnThinBook(t *testing.T) {
	sim := startSimulator(t, simulatorConfig())

	snap, _ := sim.GetOrderBook("ETH/USDT")
	size := snap.AskDepth * 2

	fill, err := sim.ExecuteAgainstBook("ETH/USDT", SideBuy, size, 0)
	if err != nil {
		t.Fatalf("partial fill must not be an error, got: %v", err)
	}
	if math.Abs(fill.Quantity-snap.AskDepth) > 1e-9 {
		t.Fatalf("expected fill capped at visible depth %f, got %f", snap.AskDepth, fill.Quantity)
	}

	after, _ := sim.GetOrderBook("ETH/USDT")
	if after.AskDepth != 0 {
		t.Errorf("expected empty ask side, got depth %f", after.AskDepth)
	}
}

func TestExecuteAgainstBookUnknownSymbol(t *testing.T) {
	sim := startSimulator(t, simulatorConfig())

	_, err := sim.ExecuteAgainstBook("DOGE/USDT", SideBuy, 1, 0)
	if !errors.Is(err, ErrSymbolUnknown) {
		t.Fatalf("expected ErrSymbolUnknown, got %v", err)
	}
	if sim.HasSymbol("DOGE/USDT") {
		t.Error("HasSymbol must be false for unconfigured symbol")
	}
}

func TestSimulatorStartIsIdempotent(t *testing.T) {
	sim := NewSimulator(simulatorConfig(), nil, nil)
	ctx := context.Background()

	sim.Start(ctx)
	sim.Start(ctx)

	if report := sim.Health(); len(report) != 2 {
		t.Fatalf("expected health for 2 symbols, got %d", len(report))
	}

	sim.Stop()
	sim.Stop()
}
