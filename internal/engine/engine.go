package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-engine/internal/book"
	"exec-engine/internal/bus"
	"exec-engine/internal/config"
	"exec-engine/internal/impact"
	"exec-engine/internal/router"
)

// Engine 驱动父订单的完整生命周期：路由、定时派发子单、落账成交、
// 推进状态机。提交立即返回，子单由定时器异步触发；每个订单的成交
// 落账严格按子单序号顺序进行。
type Engine struct {
	cfg       config.ExecutionConfig
	liquidity LiquiditySource
	router    *router.Router
	risk      RiskService
	bus       *bus.Bus
	logger    *zap.Logger

	mu      sync.RWMutex
	active  map[string]*orderState
	history []*ExecutionResult
	closed  bool
}

// orderState 为单个活跃订单的运行期状态，由 st.mu 独占保护。
// 持有 st.mu 期间不得获取 Engine.mu，也不得调用事件总线。
type orderState struct {
	mu    sync.Mutex
	order *ParentOrder
	plan  *router.ExecutionPlan

	timers []*time.Timer
	expiry *time.Timer

	// nextSeq 为下一个允许落账的子单序号；先行完成的子单结果
	// 暂存在 pending，等待前序子单落账后顺序放行。
	nextSeq  int
	pending  map[int]book.ExecutionFill
	inFlight int
	retired  bool

	// queued 暂存待发布的生命周期事件，由 flushEvents 按入队顺序
	// 串行发布，保证同一订单的事件顺序与落账顺序一致。
	queued     []pendingEvent
	publishing bool
}

// New 创建执行引擎。
func New(cfg config.ExecutionConfig, liquidity LiquiditySource, rt *router.Router, riskSvc RiskService, eventBus *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		liquidity: liquidity,
		router:    rt,
		risk:      riskSvc,
		bus:       eventBus,
		logger:    logger,
		active:    make(map[string]*orderState),
	}
}

// SubmitOrder 校验、风控、路由并登记父订单，随后按计划排布子单
// 定时器。调用在任何成交发生前返回，应答中附带完整执行计划。
func (e *Engine) SubmitOrder(ctx context.Context, req router.Request) (*SubmitAck, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !e.liquidity.HasSymbol(req.Symbol) {
		return nil, router.NewValidationError("symbol", fmt.Sprintf("未配置的标的 %q", req.Symbol))
	}

	if e.risk != nil {
		if decision := e.risk.Approve(ctx, req); !decision.Allowed {
			e.logger.Warn("订单被风控拒绝",
				zap.String("symbol", req.Symbol),
				zap.String("reason", decision.Reason),
			)
			return nil, &RiskDeniedError{Reason: decision.Reason}
		}
	}

	snap, _ := e.liquidity.GetOrderBook(req.Symbol)
	req.RemainingQuantity = req.Quantity

	plan, err := e.router.RouteOrder(req, snap)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &ParentOrder{
		ID:                uuid.NewString(),
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Price:             req.Price,
		TimeInForce:       req.TimeInForce,
		Status:            StatusNew,
		CreatedAt:         now,
	}
	if snap != nil {
		order.ArrivalMid = snap.MidPrice
		order.ArrivalVWAP = impact.Walk(snap, req.Side, req.Quantity).AvgPrice
	}

	st := &orderState{
		order:   order,
		plan:    plan,
		pending: make(map[int]book.ExecutionFill),
	}
	e.transition(st, StatusRouted)

	// FOK 在派发前检查可见深度，不满足全量成交直接过期，
	// 不留下部分成交的可能。
	if req.TimeInForce == router.TIFFOK {
		est := impact.Walk(snap, req.Side, req.Quantity)
		if snap == nil || est.Extrapolated {
			visible := est.VisibleFilled
			e.transition(st, StatusExpired)
			result := e.computeResultLocked(st, now)
			st.retired = true

			e.mu.Lock()
			e.appendHistoryLocked(result)
			e.mu.Unlock()

			e.logger.Info("FOK订单因深度不足直接过期",
				zap.String("order_id", order.ID),
				zap.String("symbol", order.Symbol),
				zap.Error(&LiquidityError{Symbol: order.Symbol, Requested: req.Quantity, Visible: visible}),
			)
			e.publish(bus.EventOrderExpired, OrderEvent{Order: order.Clone()})
			return &SubmitAck{OrderID: order.ID, Plan: plan}, nil
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.active[order.ID] = st
	e.mu.Unlock()

	st.mu.Lock()
	for _, child := range plan.ChildOrders {
		child := child
		st.timers = append(st.timers, time.AfterFunc(child.Delay, func() {
			e.executeChild(order.ID, child)
		}))
	}
	if req.TimeInForce == router.TIFDay {
		st.expiry = time.AfterFunc(e.cfg.SessionDuration, func() {
			e.expireOrder(order.ID, "交易时段结束")
		})
	}
	st.mu.Unlock()

	e.logger.Info("订单已提交",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("quantity", order.Quantity),
		zap.String("strategy", plan.Strategy),
		zap.Int("children", len(plan.ChildOrders)),
	)

	return &SubmitAck{OrderID: order.ID, Plan: plan}, nil
}

// executeChild 由子单定时器触发：吃掉流动性后按序号落账。
// 执行故障降级为该子单的零成交结果，不影响父订单继续推进。
func (e *Engine) executeChild(orderID string, child router.ChildOrder) {
	st, ok := e.lookup(orderID)
	if !ok {
		return
	}

	st.mu.Lock()
	if st.order.Status.Terminal() {
		// 订单已终结，该子单不再执行，但必须以零成交占位放行序号：
		// 先行完成、暂存在 pending 的在途成交依赖前序序号才能落账。
		st.pending[child.Sequence] = book.ExecutionFill{}
		e.drainLocked(st)
		result := e.maybeRetireLocked(st)
		st.mu.Unlock()
		e.finish(orderID, st, result)
		return
	}
	symbol, side := st.order.Symbol, st.order.Side
	st.inFlight++
	st.mu.Unlock()

	fill, err := e.liquidity.ExecuteAgainstBook(symbol, side, child.Quantity, child.Price)
	if err != nil {
		fault := &ExecutionFault{ParentID: orderID, ChildSequence: child.Sequence, Err: err}
		e.logger.Error("子单执行故障，按零成交落账",
			zap.String("order_id", orderID),
			zap.Int("sequence", child.Sequence),
			zap.Error(fault),
		)
		fill = book.ExecutionFill{}
	}

	st.mu.Lock()
	st.inFlight--
	st.pending[child.Sequence] = fill
	e.drainLocked(st)
	result := e.maybeRetireLocked(st)
	st.mu.Unlock()

	e.finish(orderID, st, result)
}

type pendingEvent struct {
	eventType bus.EventType
	payload   interface{}
}

// drainLocked 从 nextSeq 起按序号顺序放行暂存的子单结果，
// 产生的事件追加到发布队列。要求持有 st.mu。
func (e *Engine) drainLocked(st *orderState) {
	for {
		next, ready := st.pending[st.nextSeq]
		if !ready {
			return
		}
		delete(st.pending, st.nextSeq)
		st.queued = append(st.queued, e.applyFillLocked(st, st.nextSeq, next)...)
		st.nextSeq++
	}
}

// finish 在释放 st.mu 之后完成归档并发布排队事件。
func (e *Engine) finish(orderID string, st *orderState, result *ExecutionResult) {
	if result != nil {
		e.retire(orderID, result)
	}
	e.flushEvents(st)
}

// flushEvents 串行发布该订单排队中的事件。同一时刻只有一个发布者，
// 后到者直接返回，由在任发布者继续清空队列。
func (e *Engine) flushEvents(st *orderState) {
	st.mu.Lock()
	if st.publishing {
		st.mu.Unlock()
		return
	}
	st.publishing = true
	for len(st.queued) > 0 {
		batch := st.queued
		st.queued = nil
		st.mu.Unlock()
		for _, ev := range batch {
			e.publish(ev.eventType, ev.payload)
		}
		st.mu.Lock()
	}
	st.publishing = false
	st.mu.Unlock()
}

// applyFillLocked 将一笔子单结果落入成交账本并推进状态机。
// 要求持有 st.mu。
func (e *Engine) applyFillLocked(st *orderState, sequence int, fill book.ExecutionFill) []pendingEvent {
	order := st.order
	var events []pendingEvent

	if fill.Quantity > 0 {
		notional := fill.Quantity * fill.AvgPrice
		order.Fills = append(order.Fills, Fill{
			ParentID:      order.ID,
			ChildSequence: sequence,
			Quantity:      fill.Quantity,
			Price:         fill.AvgPrice,
			Fees:          notional * e.cfg.FeeRateBps / 10000,
			Timestamp:     time.Now().UTC(),
		})
		order.RemainingQuantity -= fill.Quantity
		if order.RemainingQuantity < 1e-9 {
			order.RemainingQuantity = 0
		}
	}

	if !order.Status.Terminal() {
		switch {
		case order.RemainingQuantity == 0:
			e.transition(st, StatusFilled)
			events = append(events, pendingEvent{bus.EventOrderFilled, FilledEvent{
				Order:  order.Clone(),
				Result: *e.computeResultLocked(st, time.Now().UTC()),
			}})
		case fill.Quantity > 0:
			e.transition(st, StatusPartiallyFilled)
			events = append(events, pendingEvent{bus.EventOrderPartialFill, OrderEvent{Order: order.Clone()}})
		}
	}

	// 全部子单已落账仍有剩余：即时性订单按过期处理，
	// GTC/DAY 订单继续挂留等待取消或到期。
	allApplied := st.nextSeq+1 >= len(st.plan.ChildOrders)
	immediate := order.TimeInForce == router.TIFIOC || order.TimeInForce == router.TIFFOK
	if allApplied && immediate && order.RemainingQuantity > 0 && !order.Status.Terminal() {
		e.transition(st, StatusExpired)
		events = append(events, pendingEvent{bus.EventOrderExpired, OrderEvent{Order: order.Clone()}})
	}

	return events
}

// CancelOrder 取消活跃订单。已派发在途的子单会照常完成并落账，
// 取消不具有追溯力；对终态订单取消是带原因上报的空操作。
func (e *Engine) CancelOrder(orderID string) (CancelOutcome, error) {
	st, ok := e.lookup(orderID)
	if !ok {
		if res := e.historyResult(orderID); res != nil {
			stateErr := &StateError{OrderID: orderID, Status: res.Status, Op: "cancel"}
			return CancelOutcome{
				OrderID: orderID,
				Status:  res.Status,
				Reason:  stateErr.Error(),
			}, nil
		}
		return CancelOutcome{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	st.mu.Lock()
	if st.order.Status.Terminal() {
		status := st.order.Status
		st.mu.Unlock()
		stateErr := &StateError{OrderID: orderID, Status: status, Op: "cancel"}
		return CancelOutcome{OrderID: orderID, Status: status, Reason: stateErr.Error()}, nil
	}

	e.stopTimersLocked(st)
	e.transition(st, StatusCancelled)
	snapshot := st.order.Clone()
	st.queued = append(st.queued, pendingEvent{bus.EventOrderCancelled, OrderEvent{Order: snapshot}})
	result := e.maybeRetireLocked(st)
	st.mu.Unlock()

	e.finish(orderID, st, result)

	e.logger.Info("订单已取消",
		zap.String("order_id", orderID),
		zap.Float64("remaining", snapshot.RemainingQuantity),
	)

	return CancelOutcome{OrderID: orderID, Cancelled: true, Status: StatusCancelled}, nil
}

// expireOrder 将订单置为过期，保留已有成交。
func (e *Engine) expireOrder(orderID, reason string) {
	st, ok := e.lookup(orderID)
	if !ok {
		return
	}

	st.mu.Lock()
	if st.order.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	e.stopTimersLocked(st)
	e.transition(st, StatusExpired)
	snapshot := st.order.Clone()
	st.queued = append(st.queued, pendingEvent{bus.EventOrderExpired, OrderEvent{Order: snapshot}})
	result := e.maybeRetireLocked(st)
	st.mu.Unlock()

	e.finish(orderID, st, result)

	e.logger.Info("订单已过期",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Float64("remaining", snapshot.RemainingQuantity),
	)
}

// RouteOrder 对请求做一次只读的路由预演，不登记订单也不触发执行。
func (e *Engine) RouteOrder(req router.Request) (*router.ExecutionPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	snap, _ := e.liquidity.GetOrderBook(req.Symbol)
	return e.router.RouteOrder(req, snap)
}

// CalculateMarketImpact 基于最新快照估算吃掉 size 的冲击。
func (e *Engine) CalculateMarketImpact(symbol string, side book.Side, size float64) (impact.Estimate, error) {
	if size <= 0 {
		return impact.Estimate{}, router.NewValidationError("size", "必须大于0")
	}
	if !e.liquidity.HasSymbol(symbol) {
		return impact.Estimate{}, fmt.Errorf("%w: %s", book.ErrSymbolUnknown, symbol)
	}
	snap, ok := e.liquidity.GetOrderBook(symbol)
	if !ok {
		return impact.Estimate{}, fmt.Errorf("盘口尚未初始化: %s", symbol)
	}
	return impact.Walk(snap, side, size), nil
}

// GetActiveOrders 返回全部非终态订单的深拷贝。
func (e *Engine) GetActiveOrders() []ParentOrder {
	e.mu.RLock()
	states := make([]*orderState, 0, len(e.active))
	for _, st := range e.active {
		states = append(states, st)
	}
	e.mu.RUnlock()

	orders := make([]ParentOrder, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		orders = append(orders, st.order.Clone())
		st.mu.Unlock()
	}
	return orders
}

// GetExecutionHistory 返回最近 limit 条终态执行结果，保持入账顺序。
// limit 不大于0时返回全部。
func (e *Engine) GetExecutionHistory(limit int) []ExecutionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]ExecutionResult, 0, limit)
	for _, entry := range e.history[n-limit:] {
		res := *entry
		res.Fills = append([]Fill(nil), res.Fills...)
		out = append(out, res)
	}
	return out
}

// Close 停止接收新订单并停掉所有未触发的子单定时器。
// 已在途的子单允许完成。
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	states := make([]*orderState, 0, len(e.active))
	for _, st := range e.active {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		e.stopTimersLocked(st)
		st.mu.Unlock()
	}

	e.logger.Info("执行引擎已关闭", zap.Int("active_orders", len(states)))
}

func (e *Engine) lookup(orderID string) (*orderState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.active[orderID]
	return st, ok
}

func (e *Engine) historyResult(orderID string) *ExecutionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].OrderID == orderID {
			return e.history[i]
		}
	}
	return nil
}

// transition 按状态转移表推进订单状态。非法转移只记录不执行，
// 属程序缺陷而非运行期错误。
func (e *Engine) transition(st *orderState, to Status) {
	from := st.order.Status
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		e.logger.Error("非法状态转移",
			zap.String("order_id", st.order.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	st.order.Status = to
}

// maybeRetireLocked 在订单进入终态、没有在途子单且没有暂存成交时
// 产出最终结果。暂存成交的序号缺口由已触发子单的零成交占位补齐，
// 归档推迟到缺口放行之后，避免丢失在途成交。
// 要求持有 st.mu；返回非nil表示调用方需在释放锁后完成归档。
func (e *Engine) maybeRetireLocked(st *orderState) *ExecutionResult {
	if st.retired || !st.order.Status.Terminal() || st.inFlight > 0 || len(st.pending) > 0 {
		return nil
	}
	st.retired = true
	return e.computeResultLocked(st, time.Now().UTC())
}

// retire 将终态订单移入执行历史。
func (e *Engine) retire(orderID string, result *ExecutionResult) {
	e.mu.Lock()
	delete(e.active, orderID)
	e.appendHistoryLocked(result)
	e.mu.Unlock()
}

// appendHistoryLocked 追加执行历史并按上限淘汰最旧记录。
// 要求持有 e.mu。
func (e *Engine) appendHistoryLocked(result *ExecutionResult) {
	e.history = append(e.history, result)
	if max := e.cfg.MaxHistory; max > 0 && len(e.history) > max {
		e.history = append([]*ExecutionResult(nil), e.history[len(e.history)-max:]...)
	}
}

// stopTimersLocked 停掉全部未触发的定时器。要求持有 st.mu。
func (e *Engine) stopTimersLocked(st *orderState) {
	for _, t := range st.timers {
		t.Stop()
	}
	st.timers = nil
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
}

// computeResultLocked 从成交账本整体重算执行结果。要求持有 st.mu。
func (e *Engine) computeResultLocked(st *orderState, now time.Time) *ExecutionResult {
	order := st.order

	result := &ExecutionResult{
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Status:  order.Status,
		Fills:   append([]Fill(nil), order.Fills...),
	}

	var notional float64
	lastFill := now
	for _, f := range order.Fills {
		result.TotalQuantity += f.Quantity
		result.TotalFees += f.Fees
		notional += f.Quantity * f.Price
		lastFill = f.Timestamp
	}
	result.ExecutionTime = lastFill.Sub(order.CreatedAt)

	if result.TotalQuantity <= 0 {
		return result
	}
	result.AveragePrice = notional / result.TotalQuantity

	result.SlippageBps = sideSignedBps(order.Side, result.AveragePrice, order.ArrivalMid)
	result.VWAPDeviationBps = sideSignedBps(order.Side, result.AveragePrice, order.ArrivalVWAP)
	if st.plan != nil && st.plan.EstimatedCost > 0 && order.Quantity > 0 {
		expectedAvg := st.plan.EstimatedCost / order.Quantity
		result.MarketImpactBps = sideSignedBps(order.Side, result.AveragePrice, expectedAvg)
	}

	result.Quality = e.classify(result.SlippageBps)
	return result
}

// sideSignedBps 计算成交均价相对基准价的带符号基点偏移，
// 买入价高为劣、卖出价低为劣，正值恒表示更差。
func sideSignedBps(side book.Side, avgPrice, benchmark float64) float64 {
	if benchmark <= 0 {
		return 0
	}
	bps := (avgPrice - benchmark) / benchmark * 10000
	if side == book.SideSell {
		bps = -bps
	}
	return bps
}

// classify 按配置阈值将滑点映射为质量分档。
func (e *Engine) classify(slippageBps float64) Quality {
	q := e.cfg.Quality
	switch {
	case slippageBps < q.ExcellentBps:
		return QualityExcellent
	case slippageBps < q.GoodBps:
		return QualityGood
	case slippageBps < q.FairBps:
		return QualityFair
	default:
		return QualityPoor
	}
}

func (e *Engine) publish(eventType bus.EventType, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
