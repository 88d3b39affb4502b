package engine

import (
	"context"
	"time"

	"exec-engine/internal/book"
	"exec-engine/internal/router"
)

// Status 表示父订单生命周期状态。状态机单向推进，终态不可再转出。
type Status string

const (
	StatusNew             Status = "NEW"
	StatusRouted          Status = "ROUTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusRouted:    true,
		StatusCancelled: true,
	},
	StatusRouted: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCancelled:       true,
		StatusExpired:         true,
	},
	StatusPartiallyFilled: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCancelled:       true,
		StatusExpired:         true,
	},
	StatusFilled:    {},
	StatusCancelled: {},
	StatusExpired:   {},
}

// CanTransition 查询状态转移表。
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Fill 为单笔成交记录。成交账本只追加，记录后不会被修改或删除。
type Fill struct {
	ParentID      string    `json:"parent_id"`
	ChildSequence int       `json:"child_sequence"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Fees          float64   `json:"fees"`
	Timestamp     time.Time `json:"timestamp"`
}

// ParentOrder 为父订单。生命周期内由执行引擎独占持有，
// RemainingQuantity 单调递减，恒有 Quantity == RemainingQuantity + Σ成交量。
type ParentOrder struct {
	ID                string             `json:"id"`
	Symbol            string             `json:"symbol"`
	Side              book.Side          `json:"side"`
	Type              router.OrderType   `json:"type"`
	Quantity          float64            `json:"quantity"`
	RemainingQuantity float64            `json:"remaining_quantity"`
	Price             float64            `json:"price,omitempty"`
	TimeInForce       router.TimeInForce `json:"time_in_force"`
	Status            Status             `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	// ArrivalMid 为提交时刻的中价，用于事后滑点计算。
	ArrivalMid float64 `json:"arrival_mid"`
	// ArrivalVWAP 为提交时刻按全量深度推算的基准均价。
	ArrivalVWAP float64 `json:"arrival_vwap"`
	Fills       []Fill  `json:"fills"`
}

// FilledQuantity 返回已成交总量。
func (o *ParentOrder) FilledQuantity() float64 {
	var total float64
	for _, f := range o.Fills {
		total += f.Quantity
	}
	return total
}

// Clone 返回深拷贝，供事件与查询接口对外暴露。
func (o *ParentOrder) Clone() ParentOrder {
	cp := *o
	cp.Fills = append([]Fill(nil), o.Fills...)
	return cp
}

// Quality 为执行质量分档。
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// ExecutionResult 为对父订单成交账本的只读聚合。每次成交落账后
// 从账本整体重算，不做增量修补，避免漂移。
type ExecutionResult struct {
	OrderID       string        `json:"order_id"`
	Symbol        string        `json:"symbol"`
	Status        Status        `json:"status"`
	TotalQuantity float64       `json:"total_quantity"`
	AveragePrice  float64       `json:"average_price"`
	TotalFees     float64       `json:"total_fees"`
	ExecutionTime time.Duration `json:"execution_time"`
	// SlippageBps 为实际均价相对到达中价的带符号偏移（基点），正值为劣。
	SlippageBps float64 `json:"slippage_bps"`
	// MarketImpactBps 为实际均价相对路由预估成本的带符号偏移（基点）。
	MarketImpactBps float64 `json:"market_impact_bps"`
	// VWAPDeviationBps 为实际均价相对到达基准VWAP的带符号偏移（基点）。
	VWAPDeviationBps float64 `json:"vwap_deviation_bps"`
	Quality          Quality `json:"quality,omitempty"`
	Fills            []Fill  `json:"fills"`
}

// SubmitAck 为提交订单的同步返回：计划在任何成交发生前即已产出，
// 调用方可以立即审视路由策略。
type SubmitAck struct {
	OrderID string                `json:"order_id"`
	Plan    *router.ExecutionPlan `json:"plan"`
}

// CancelOutcome 为取消请求的结果。对终态订单取消是被上报的空操作，
// 不是错误。
type CancelOutcome struct {
	OrderID   string `json:"order_id"`
	Cancelled bool   `json:"cancelled"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Metrics 为执行历史上的滚动统计。
type Metrics struct {
	TotalOrders          int           `json:"total_orders"`
	FillRate             float64       `json:"fill_rate"`
	AverageSlippageBps   float64       `json:"average_slippage_bps"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	TotalFees            float64       `json:"total_fees"`
	// VWAPPerformanceBps 为实际均价相对到达基准VWAP的平均偏移。
	VWAPPerformanceBps  float64         `json:"vwap_performance_bps"`
	QualityDistribution map[Quality]int `json:"quality_distribution"`
}

// LiquiditySource 抽象流动性来源：模拟器与实盘场所适配器实现同一
// 契约，路由与引擎无需感知差异。
type LiquiditySource interface {
	HasSymbol(symbol string) bool
	GetOrderBook(symbol string) (*book.Snapshot, bool)
	ExecuteAgainstBook(symbol string, side book.Side, size, limitPrice float64) (book.ExecutionFill, error)
}

// RiskDecision 为事前风控结论。
type RiskDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// RiskService 为事前风控协作方接口，在 NEW→ROUTED 前调用。
// 拒绝必须以明确原因拒绝提交，不允许静默丢单。
type RiskService interface {
	Approve(ctx context.Context, req router.Request) RiskDecision
}

// OrderEvent 为订单生命周期事件载荷。
type OrderEvent struct {
	Order ParentOrder `json:"order"`
}

// FilledEvent 为订单完全成交事件载荷，附带最终执行结果。
type FilledEvent struct {
	Order  ParentOrder     `json:"order"`
	Result ExecutionResult `json:"result"`
}
