package risk

import (
	"context"
	"strings"
	"testing"

	"exec-engine/internal/book"
	"exec-engine/internal/config"
	"exec-engine/internal/router"
)

type stubPrices struct {
	snap *book.Snapshot
}

func (s *stubPrices) GetOrderBook(symbol string) (*book.Snapshot, bool) {
	if s.snap == nil {
		return nil, false
	}
	return s.snap, true
}

func midSnapshot(mid float64) *book.Snapshot {
	snap := &book.Snapshot{
		Symbol: "BTC/USDT",
		Bids:   []book.Level{{Price: mid - 5, Volume: 1}},
		Asks:   []book.Level{{Price: mid + 5, Volume: 1}},
	}
	snap.Finalize()
	return snap
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderQuantity: 10.0,
		MaxOrderNotional: 100000.0,
	}
}

func buyRequest(quantity float64) router.Request {
	return router.Request{
		Symbol:      "BTC/USDT",
		Side:        book.SideBuy,
		Type:        router.TypeMarket,
		Quantity:    quantity,
		TimeInForce: router.TIFIOC,
	}
}

func TestApproveWithinLimits(t *testing.T) {
	m := NewManager(riskConfig(), &stubPrices{snap: midSnapshot(50000)}, nil)

	decision := m.Approve(context.Background(), buyRequest(1.0))
	if !decision.Allowed {
		t.Fatalf("expected approval, got denial: %s", decision.Reason)
	}
}

func TestDenyQuantityAboveLimit(t *testing.T) {
	m := NewManager(riskConfig(), &stubPrices{snap: midSnapshot(50000)}, nil)

	decision := m.Approve(context.Background(), buyRequest(11.0))
	if decision.Allowed {
		t.Fatal("expected denial above quantity limit")
	}
	if !strings.Contains(decision.Reason, "上限") {
		t.Errorf("denial must carry a reason, got %q", decision.Reason)
	}
}

func TestDenyNotionalAboveLimit(t *testing.T) {
	// 5 * 50000 = 250000 > 100000
	m := NewManager(riskConfig(), &stubPrices{snap: midSnapshot(50000)}, nil)

	decision := m.Approve(context.Background(), buyRequest(5.0))
	if decision.Allowed {
		t.Fatal("expected denial above notional limit")
	}
	if decision.Reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestNotionalFallsBackToLimitPrice(t *testing.T) {
	m := NewManager(riskConfig(), &stubPrices{}, nil)

	req := buyRequest(5.0)
	req.Type = router.TypeLimit
	req.Price = 50000

	decision := m.Approve(context.Background(), req)
	if decision.Allowed {
		t.Fatal("limit price must be used when no snapshot is available")
	}
}

func TestQuantityOnlyCheckWithoutAnyPrice(t *testing.T) {
	m := NewManager(riskConfig(), &stubPrices{}, nil)

	decision := m.Approve(context.Background(), buyRequest(5.0))
	if !decision.Allowed {
		t.Fatalf("without a reference price only quantity is checked, got: %s", decision.Reason)
	}
}
