package book

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"exec-engine/internal/bus"
	"exec-engine/internal/config"
)

// Simulator 维护每个标的的合成盘口并周期性发布快照。
// 每个标的只有tick循环一个写入方，快照通过原子指针整体替换，
// 读路径无锁。
type Simulator struct {
	cfg    config.SimulatorConfig
	bus    *bus.Bus
	logger *zap.Logger

	symbols map[string]*symbolBook

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type symbolBook struct {
	cfg config.SymbolConfig
	rng *rand.Rand

	// writeMu 串联tick重建与吃单消耗两条写路径。
	writeMu  sync.Mutex
	snapshot atomic.Pointer[Snapshot]
	mid      float64

	failures atomic.Int32
	degraded atomic.Bool
	lastTick atomic.Int64
}

// NewSimulator 创建模拟器。每个标的使用独立的可复现随机源
// （seed+标的序号），保证同一配置下的运行结果可重放。
func NewSimulator(cfg config.SimulatorConfig, eventBus *bus.Bus, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}

	symbols := make(map[string]*symbolBook, len(cfg.Symbols))
	for i, sc := range cfg.Symbols {
		sb := &symbolBook{
			cfg: sc,
			rng: rand.New(rand.NewSource(cfg.Seed + int64(i))),
			mid: sc.ReferencePrice,
		}
		symbols[sc.Symbol] = sb
	}

	return &Simulator{
		cfg:     cfg,
		bus:     eventBus,
		logger:  logger,
		symbols: symbols,
	}
}

// Start 为每个标的生成初始盘口并启动tick循环。重复调用为空操作，
// 不会产生重复的定时器。
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Warn("模拟器已启动，忽略重复调用")
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for symbol, sb := range s.symbols {
		// 启动前先生成一版快照，保证 GetOrderBook 立即可用。
		if err := s.tickSymbol(sb); err != nil {
			s.logger.Error("初始盘口生成失败", zap.String("symbol", symbol), zap.Error(err))
		}

		s.wg.Add(1)
		go s.runSymbol(runCtx, symbol, sb)
	}

	s.logger.Info("订单簿模拟器已启动",
		zap.Int("symbols", len(s.symbols)),
		zap.Duration("tick_interval", s.cfg.TickInterval),
	)
}

// Stop 停止全部tick循环并等待退出。可重复调用。
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("订单簿模拟器已停止")
}

func (s *Simulator) runSymbol(ctx context.Context, symbol string, sb *symbolBook) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tickSymbol(sb); err != nil {
				failures := sb.failures.Add(1)
				s.logger.Warn("盘口tick失败",
					zap.String("symbol", symbol),
					zap.Int32("consecutive_failures", failures),
					zap.Error(err),
				)
				if int(failures) >= s.cfg.DegradedAfter && !sb.degraded.Load() {
					sb.degraded.Store(true)
					s.logger.Error("标的连续tick失败，标记为降级", zap.String("symbol", symbol))
				}
				continue
			}
			sb.failures.Store(0)
			sb.degraded.Store(false)
		}
	}
}

// tickSymbol 重建单个标的的盘口。单个标的失败不影响其余标的。
func (s *Simulator) tickSymbol(sb *symbolBook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	sb.writeMu.Lock()
	defer sb.writeMu.Unlock()

	// 有界随机游走扰动中价。
	drift := (sb.rng.Float64()*2 - 1) * sb.cfg.Volatility
	mid := sb.mid * (1 + drift)
	if mid <= 0 {
		return fmt.Errorf("扰动后中价无效: %f", mid)
	}
	sb.mid = mid

	snap, err := s.buildSnapshot(sb, mid, time.Now().UTC())
	if err != nil {
		return err
	}

	sb.snapshot.Store(snap)
	sb.lastTick.Store(snap.Timestamp.UnixNano())

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Type:      bus.EventOrderBookUpdate,
			Timestamp: snap.Timestamp,
			Payload:   snap,
		})
	}

	return nil
}

// buildSnapshot 围绕中价生成N档盘口，挂单量靠近盘口最大、
// 按 VolumeDecay 逐档衰减并带随机抖动。
func (s *Simulator) buildSnapshot(sb *symbolBook, mid float64, ts time.Time) (*Snapshot, error) {
	halfSpread := mid * s.cfg.SpreadBps / 10000 / 2
	if halfSpread <= 0 {
		return nil, fmt.Errorf("价差参数无效: spread_bps=%f", s.cfg.SpreadBps)
	}
	step := halfSpread * 2

	bids := make([]Level, 0, s.cfg.LevelsPerSide)
	asks := make([]Level, 0, s.cfg.LevelsPerSide)

	decay := 1.0
	for i := 0; i < s.cfg.LevelsPerSide; i++ {
		jitter := 0.75 + sb.rng.Float64()*0.5
		volume := s.cfg.BaseVolume * decay * jitter
		decay *= s.cfg.VolumeDecay

		if volume <= 0 {
			continue
		}

		bidPrice := mid - halfSpread - float64(i)*step
		askPrice := mid + halfSpread + float64(i)*step
		if bidPrice <= 0 {
			continue
		}

		bids = append(bids, Level{Price: bidPrice, Volume: volume})
		asks = append(asks, Level{Price: askPrice, Volume: volume})
	}

	snap := &Snapshot{
		Symbol:    sb.cfg.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
	snap.Finalize()

	if len(snap.Bids) > 0 && len(snap.Asks) > 0 && snap.Bids[0].Price >= snap.Asks[0].Price {
		return nil, fmt.Errorf("盘口交叉: bid=%f ask=%f", snap.Bids[0].Price, snap.Asks[0].Price)
	}

	return snap, nil
}

// HasSymbol 判断标的是否在模拟范围内。
func (s *Simulator) HasSymbol(symbol string) bool {
	_, ok := s.symbols[symbol]
	return ok
}

// GetOrderBook 返回最新快照。标的未初始化时返回 false，属正常情况。
func (s *Simulator) GetOrderBook(symbol string) (*Snapshot, bool) {
	sb, ok := s.symbols[symbol]
	if !ok {
		return nil, false
	}
	snap := sb.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// ExecuteAgainstBook 按价格优先顺序吃掉对手盘流动性，返回实际成交量
// 与均价。limitPrice 大于0时只吃不劣于限价的档位；深度不足时部分
// 成交甚至零成交，不会阻塞。消耗后的盘口整体替换为新快照。
func (s *Simulator) ExecuteAgainstBook(symbol string, side Side, size, limitPrice float64) (ExecutionFill, error) {
	sb, ok := s.symbols[symbol]
	if !ok {
		return ExecutionFill{}, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	if !side.Valid() {
		return ExecutionFill{}, fmt.Errorf("无效方向: %s", side)
	}
	if size <= 0 {
		return ExecutionFill{}, fmt.Errorf("无效数量: %f", size)
	}

	sb.writeMu.Lock()
	defer sb.writeMu.Unlock()

	snap := sb.snapshot.Load()
	if snap == nil {
		return ExecutionFill{}, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}

	opposing := snap.Opposing(side)
	consumed := make([]Level, 0, len(opposing))
	remaining := size
	var notional, filled float64

	for _, level := range opposing {
		if remaining <= 0 {
			consumed = append(consumed, level)
			continue
		}
		if limitPrice > 0 {
			if side == SideBuy && level.Price > limitPrice {
				consumed = append(consumed, level)
				continue
			}
			if side == SideSell && level.Price < limitPrice {
				consumed = append(consumed, level)
				continue
			}
		}

		take := level.Volume
		if take > remaining {
			take = remaining
		}
		filled += take
		notional += take * level.Price
		remaining -= take

		// 零量档位直接剪掉。
		if rest := level.Volume - take; rest > 0 {
			consumed = append(consumed, Level{Price: level.Price, Volume: rest})
		}
	}

	if filled <= 0 {
		return ExecutionFill{}, nil
	}

	next := &Snapshot{
		Symbol:    snap.Symbol,
		Timestamp: time.Now().UTC(),
	}
	if side == SideBuy {
		next.Bids = snap.Bids
		next.Asks = consumed
	} else {
		next.Bids = consumed
		next.Asks = snap.Asks
	}
	next.Finalize()
	sb.snapshot.Store(next)

	return ExecutionFill{
		Quantity: filled,
		AvgPrice: notional / filled,
	}, nil
}

// Health 返回各标的tick健康状况，供监控接口上报。
func (s *Simulator) Health() []SymbolHealth {
	report := make([]SymbolHealth, 0, len(s.symbols))
	for symbol, sb := range s.symbols {
		report = append(report, SymbolHealth{
			Symbol:       symbol,
			Degraded:     sb.degraded.Load(),
			TickFailures: int(sb.failures.Load()),
			LastTick:     time.Unix(0, sb.lastTick.Load()).UTC(),
		})
	}
	return report
}
