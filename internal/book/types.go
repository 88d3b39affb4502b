package book

import (
	"errors"
	"time"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 检查方向取值。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 返回对手方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Level 表示盘口单档挂单。
type Level struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Snapshot 为订单簿快照。每次tick整体重建，生成后不再修改，
// 消费方只持有只读引用。买盘价格降序，卖盘价格升序。
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	MidPrice  float64   `json:"mid_price"`
	Spread    float64   `json:"spread"`
	BidDepth  float64   `json:"bid_depth"`
	AskDepth  float64   `json:"ask_depth"`
	Timestamp time.Time `json:"timestamp"`
}

// Opposing 返回吃单方向对应的对手盘档位：买单吃卖盘，卖单吃买盘。
func (s *Snapshot) Opposing(side Side) []Level {
	if side == SideBuy {
		return s.Asks
	}
	return s.Bids
}

// OpposingDepth 返回对手盘可见总量。
func (s *Snapshot) OpposingDepth(side Side) float64 {
	if side == SideBuy {
		return s.AskDepth
	}
	return s.BidDepth
}

// BestBid 返回买一档。
func (s *Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk 返回卖一档。
func (s *Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// Finalize 根据档位重算派生字段（中价、价差、双边深度）。
// 档位填充完成后调用一次，此后快照视为只读。
func (s *Snapshot) Finalize() {
	var bidDepth, askDepth float64
	for _, l := range s.Bids {
		bidDepth += l.Volume
	}
	for _, l := range s.Asks {
		askDepth += l.Volume
	}
	s.BidDepth = bidDepth
	s.AskDepth = askDepth

	if len(s.Bids) > 0 && len(s.Asks) > 0 {
		s.MidPrice = (s.Bids[0].Price + s.Asks[0].Price) / 2
		s.Spread = s.Asks[0].Price - s.Bids[0].Price
	}
}

// ExecutionFill 为一次吃单的成交结果。Quantity 可能小于请求量（深度不足）。
type ExecutionFill struct {
	Quantity float64
	AvgPrice float64
}

// SymbolHealth 报告单个标的的tick健康状况。
type SymbolHealth struct {
	Symbol       string    `json:"symbol"`
	Degraded     bool      `json:"degraded"`
	TickFailures int       `json:"tick_failures"`
	LastTick     time.Time `json:"last_tick"`
}

// ErrSymbolUnknown 表示标的从未被初始化。
var ErrSymbolUnknown = errors.New("symbol not initialized")
