package engine

import (
	"errors"
	"fmt"
)

// ErrEngineClosed 表示引擎已关闭，不再接受新订单。
var ErrEngineClosed = errors.New("执行引擎已关闭")

// ErrOrderNotFound 表示订单在活跃表与历史中均不存在。
var ErrOrderNotFound = errors.New("订单不存在")

// RiskDeniedError 表示事前风控拒绝。提交被同步拒绝，不产生任何订单。
type RiskDeniedError struct {
	Reason string
}

func (e *RiskDeniedError) Error() string {
	return fmt.Sprintf("风控拒绝: %s", e.Reason)
}

// StateError 表示对订单当前状态不允许的操作。调用方收到的是
// 带原因的空操作结果，不会改变任何状态。
type StateError struct {
	OrderID string
	Status  Status
	Op      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("订单 %s 状态 %s 不允许操作 %s", e.OrderID, e.Status, e.Op)
}

// ExecutionFault 表示子单执行期间的内部故障。故障降级为该子单的
// 零成交结果，父订单继续按计划推进。
type ExecutionFault struct {
	ParentID      string
	ChildSequence int
	Err           error
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("子单执行故障 parent=%s seq=%d: %v", e.ParentID, e.ChildSequence, e.Err)
}

func (e *ExecutionFault) Unwrap() error {
	return e.Err
}

// LiquidityError 表示可见流动性不足以满足原子性要求（FOK）。
type LiquidityError struct {
	Symbol    string
	Requested float64
	Visible   float64
}

func (e *LiquidityError) Error() string {
	return fmt.Sprintf("流动性不足 %s: 需要 %f 可见 %f", e.Symbol, e.Requested, e.Visible)
}
