// Package risk 提供事前风控：在订单进入路由前按配置限额审查。
package risk

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"exec-engine/internal/book"
	"exec-engine/internal/config"
	"exec-engine/internal/engine"
	"exec-engine/internal/router"
)

// PriceSource 提供名义金额测算所需的参考价。
type PriceSource interface {
	GetOrderBook(symbol string) (*book.Snapshot, bool)
}

// Manager 负责执行事前风控评估。无状态，仅依赖配置限额与当前盘口。
type Manager struct {
	cfg    config.RiskConfig
	prices PriceSource
	logger *zap.Logger
}

// NewManager 创建风险管理器。
func NewManager(cfg config.RiskConfig, prices PriceSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		prices: prices,
		logger: logger,
	}
}

var _ engine.RiskService = (*Manager)(nil)

// Approve 按单笔数量与名义金额上限审查请求。拒绝必须附带原因；
// 缺少参考价时名义金额检查按限价兜底，完全无价可依时只查数量。
func (m *Manager) Approve(ctx context.Context, req router.Request) engine.RiskDecision {
	_ = ctx

	if req.Quantity > m.cfg.MaxOrderQuantity {
		return m.deny(req, fmt.Sprintf("数量 %.6f 超过单笔上限 %.6f", req.Quantity, m.cfg.MaxOrderQuantity))
	}

	refPrice := req.Price
	if m.prices != nil {
		if snap, ok := m.prices.GetOrderBook(req.Symbol); ok && snap.MidPrice > 0 {
			refPrice = snap.MidPrice
		}
	}
	if refPrice > 0 {
		notional := req.Quantity * refPrice
		if notional > m.cfg.MaxOrderNotional {
			return m.deny(req, fmt.Sprintf("名义金额 %.2f 超过单笔上限 %.2f", notional, m.cfg.MaxOrderNotional))
		}
	}

	return engine.RiskDecision{Allowed: true}
}

func (m *Manager) deny(req router.Request, reason string) engine.RiskDecision {
	m.logger.Warn("风控拒绝订单",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.String("reason", reason),
	)
	return engine.RiskDecision{Allowed: false, Reason: reason}
}
