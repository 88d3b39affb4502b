package router

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"exec-engine/internal/book"
	"exec-engine/internal/config"
	"exec-engine/internal/impact"
)

// Router 将父订单请求转化为具体的、按时间排布的执行计划。
type Router struct {
	cfg    config.RouterConfig
	logger *zap.Logger
}

// New 创建智能订单路由器。
func New(cfg config.RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger}
}

// RouteOrder 根据请求与当前盘口产出执行计划。除请求本身不合法外
// 必然返回一个计划：快照缺失时退回配置的中性参考价，深度不足时
// 给出低置信度计划而非报错。
func (r *Router) RouteOrder(req Request, snap *book.Snapshot) (*ExecutionPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	quantity := req.RemainingQuantity
	if quantity <= 0 {
		quantity = req.Quantity
	}

	refPrice := r.cfg.FallbackPrice
	usedFallback := true
	if snap != nil && snap.MidPrice > 0 {
		refPrice = snap.MidPrice
		usedFallback = false
	}

	visibleDepth := 0.0
	if snap != nil {
		visibleDepth = snap.OpposingDepth(req.Side)
	}

	est := impact.EstimateSlippageBps(snap, req.Side, quantity)
	aggressive := req.TimeInForce == TIFIOC || req.TimeInForce == TIFFOK || req.Type == TypeMarket

	var reasons []string
	if usedFallback {
		reasons = append(reasons, fmt.Sprintf("no snapshot, neutral reference price %.2f", refPrice))
	}

	plan := &ExecutionPlan{}

	switch {
	case quantity < r.cfg.MinOrderSize:
		// 低于最小可交易单位：单笔子单，不做切片。
		plan.Strategy = StrategySingle
		plan.ChildOrders = []ChildOrder{r.buildChild(0, quantity, 0, req, snap, aggressive)}
		reasons = append(reasons, fmt.Sprintf("quantity %.6f below min tradable unit %.6f => single child", quantity, r.cfg.MinOrderSize))

	case req.TimeInForce == TIFFOK:
		// FOK 不切片：全部成交或全部放弃，切片会破坏原子性。
		plan.Strategy = StrategySweep
		plan.ChildOrders = []ChildOrder{r.buildChild(0, quantity, 0, req, snap, true)}
		reasons = append(reasons, "fok => single all-or-nothing sweep")

	case est.ImpactBps > r.cfg.ImpactThresholdBps && req.TimeInForce != TIFIOC:
		plan.Strategy = StrategyTWAP
		plan.ChildOrders = r.buildSlices(quantity, req, snap, aggressive)
		reasons = append(reasons, fmt.Sprintf("impact %.1fbps > %.1fbps threshold => twap/%d",
			est.ImpactBps, r.cfg.ImpactThresholdBps, r.cfg.SliceCount))

	case aggressive:
		plan.Strategy = StrategySweep
		plan.ChildOrders = []ChildOrder{r.buildChild(0, quantity, 0, req, snap, true)}
		reasons = append(reasons, fmt.Sprintf("urgency %s/%s => immediate sweep", strings.ToLower(string(req.TimeInForce)), req.Type))

	default:
		plan.Strategy = StrategyPassive
		plan.ChildOrders = []ChildOrder{r.buildChild(0, quantity, 0, req, snap, false)}
		reasons = append(reasons, fmt.Sprintf("patient %s limit => resting at touch", req.TimeInForce))
	}

	var maxDelay time.Duration
	var totalCost float64
	for _, child := range plan.ChildOrders {
		if child.Delay > maxDelay {
			maxDelay = child.Delay
		}
		childEst := impact.EstimateCost(snap, req.Side, child.Quantity, refPrice)
		totalCost += childEst.Cost
	}

	plan.EstimatedCost = totalCost
	plan.EstimatedFillTime = maxDelay + r.cfg.ChildFillLatency

	if visibleDepth <= 0 {
		plan.LowConfidence = true
		// 看不到对手盘时按保守口径放大预估成交时间。
		plan.EstimatedFillTime *= 4
		reasons = append(reasons, "insufficient visible depth")
	}

	plan.Reasoning = strings.Join(reasons, "; ")

	r.logger.Debug("路由完成",
		zap.String("symbol", req.Symbol),
		zap.String("strategy", plan.Strategy),
		zap.Int("children", len(plan.ChildOrders)),
		zap.Float64("impact_bps", est.ImpactBps),
		zap.Bool("low_confidence", plan.LowConfidence),
	)

	return plan, nil
}

// buildSlices 生成等量TWAP切片。除法余数全部并入最后一片，
// 保证子单数量之和与父单严格相等。
func (r *Router) buildSlices(quantity float64, req Request, snap *book.Snapshot, aggressive bool) []ChildOrder {
	count := r.cfg.SliceCount
	per := quantity / float64(count)

	children := make([]ChildOrder, 0, count)
	allocated := 0.0
	for i := 0; i < count; i++ {
		clip := per
		if i == count-1 {
			clip = quantity - allocated
		}
		allocated += clip
		children = append(children, r.buildChild(i, clip, time.Duration(i)*r.cfg.SliceInterval, req, snap, aggressive))
	}
	return children
}

// buildChild 构造单笔子单。被动单挂在己方盘口（或父单限价），
// 激进限价单按可成交价越过对手盘口，市价单不带价格。
func (r *Router) buildChild(seq int, quantity float64, delay time.Duration, req Request, snap *book.Snapshot, aggressive bool) ChildOrder {
	child := ChildOrder{
		Sequence: seq,
		Quantity: quantity,
		Delay:    delay,
	}

	if req.Type == TypeMarket {
		return child
	}

	if aggressive {
		child.Price = r.marketablePrice(req, snap)
		return child
	}

	child.Price = r.passivePrice(req, snap)
	return child
}

// passivePrice 返回被动挂单价：父单限价优先，否则取己方盘口。
func (r *Router) passivePrice(req Request, snap *book.Snapshot) float64 {
	if req.Price > 0 {
		return req.Price
	}
	if snap != nil {
		if req.Side == book.SideBuy {
			if best, ok := snap.BestBid(); ok {
				return best.Price
			}
		} else {
			if best, ok := snap.BestAsk(); ok {
				return best.Price
			}
		}
	}
	return r.cfg.FallbackPrice
}

// marketablePrice 返回可立即成交的限价：越过对手盘口若干基点，
// 但不劣于父单自身限价。
func (r *Router) marketablePrice(req Request, snap *book.Snapshot) float64 {
	offset := r.cfg.AggressiveBps / 10000

	var price float64
	if snap != nil {
		if req.Side == book.SideBuy {
			if best, ok := snap.BestAsk(); ok {
				price = best.Price * (1 + offset)
			}
		} else {
			if best, ok := snap.BestBid(); ok {
				price = best.Price * (1 - offset)
			}
		}
	}

	if price <= 0 {
		price = req.Price
	}
	if price <= 0 {
		price = r.cfg.FallbackPrice
	}

	if req.Price > 0 {
		if req.Side == book.SideBuy && price > req.Price {
			price = req.Price
		}
		if req.Side == book.SideSell && price < req.Price {
			price = req.Price
		}
	}

	return price
}
