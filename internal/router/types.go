package router

import (
	"fmt"
	"time"

	"exec-engine/internal/book"
)

// OrderType 表示订单类型。
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// TimeInForce 表示订单有效期语义。
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFDay TimeInForce = "DAY"
)

// Request 为路由请求，即父订单的静态描述。
type Request struct {
	Symbol            string      `json:"symbol"`
	Side              book.Side   `json:"side"`
	Type              OrderType   `json:"type"`
	Quantity          float64     `json:"quantity"`
	RemainingQuantity float64     `json:"remaining_quantity"`
	Price             float64     `json:"price,omitempty"`
	TimeInForce       TimeInForce `json:"time_in_force"`
}

// ValidationError 表示请求形状不合法，提交同步拒绝且无任何副作用。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Field, e.Reason)
}

// NewValidationError 构造校验错误。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate 校验请求形状。
func (r Request) Validate() error {
	if r.Symbol == "" {
		return NewValidationError("symbol", "不能为空")
	}
	if !r.Side.Valid() {
		return NewValidationError("side", fmt.Sprintf("无效方向 %q", r.Side))
	}
	if r.Type != TypeMarket && r.Type != TypeLimit {
		return NewValidationError("type", fmt.Sprintf("无效订单类型 %q", r.Type))
	}
	if r.Quantity <= 0 {
		return NewValidationError("quantity", "必须大于0")
	}
	if r.Type == TypeLimit && r.Price <= 0 {
		return NewValidationError("price", "限价单必须给出正限价")
	}
	switch r.TimeInForce {
	case TIFGTC, TIFIOC, TIFFOK, TIFDay:
	default:
		return NewValidationError("time_in_force", fmt.Sprintf("无效TIF %q", r.TimeInForce))
	}
	return nil
}

// ChildOrder 为执行计划中的单笔子单指令。由路由器一次性产出，
// 之后不再修改；运行期成交状态由执行引擎独占维护。
type ChildOrder struct {
	Sequence  int           `json:"sequence"`
	Quantity  float64       `json:"quantity"`
	Price     float64       `json:"price,omitempty"` // 0 表示市价
	Delay     time.Duration `json:"delay"`
	VenueHint string        `json:"venue_hint,omitempty"`
}

// ExecutionPlan 为一次路由的完整输出。计划本身不可变；
// 引擎可以放弃尚未执行的子单，但不得修改已派发的子单。
type ExecutionPlan struct {
	Strategy          string        `json:"strategy"`
	ChildOrders       []ChildOrder  `json:"child_orders"`
	EstimatedFillTime time.Duration `json:"estimated_fill_time"`
	EstimatedCost     float64       `json:"estimated_cost"`
	Reasoning         string        `json:"reasoning"`
	// LowConfidence 表示路由时对手盘可见深度不足，计划按保守口径给出。
	LowConfidence bool `json:"low_confidence"`
}

const (
	StrategySweep   = "sweep"
	StrategyPassive = "passive_limit"
	StrategyTWAP    = "twap"
	StrategySingle  = "single"
)
