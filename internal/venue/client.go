// Package venue 提供实盘场所适配器，将真实交易所盘口与下单接口
// 适配为引擎的流动性来源契约。仅在 app.mode=live 时使用。
package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"exec-engine/internal/book"
	"exec-engine/internal/config"
)

// ErrUnsupportedVenue 表示配置了不支持的交易所。
var ErrUnsupportedVenue = errors.New("不支持的交易所")

const (
	bookDepth     = 50
	retryAttempts = 3
	retryMinDelay = 500 * time.Millisecond
	retryMaxDelay = 5 * time.Second
)

// Client 通过轮询真实交易所盘口维护快照缓存，并以IOC限价单的
// 方式消耗流动性。实现与模拟器相同的契约。
type Client struct {
	cfg      config.VenueConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	symbols map[string]*symbolCache

	pollInterval time.Duration

	marketsMu     sync.Mutex
	marketsLoaded bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type symbolCache struct {
	snapshot atomic.Pointer[book.Snapshot]
}

// NewClient 构造实盘场所客户端。
func NewClient(cfg config.VenueConfig, symbols []string, pollInterval time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.EqualFold(cfg.Name, "binance") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVenue, cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}
	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	caches := make(map[string]*symbolCache, len(symbols))
	for _, symbol := range symbols {
		caches[symbol] = &symbolCache{}
	}

	return &Client{
		cfg:          cfg,
		logger:       logger,
		exchange:     ex,
		symbols:      caches,
		pollInterval: pollInterval,
	}, nil
}

// Start 启动盘口轮询。重复调用为空操作。
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for symbol, cache := range c.symbols {
		c.wg.Add(1)
		go c.pollSymbol(runCtx, symbol, cache)
	}

	c.logger.Info("实盘盘口轮询已启动",
		zap.Int("symbols", len(c.symbols)),
		zap.Duration("interval", c.pollInterval),
	)
}

// Stop 停止轮询并等待退出。可重复调用。
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("实盘盘口轮询已停止")
}

func (c *Client) pollSymbol(ctx context.Context, symbol string, cache *symbolCache) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		snap, err := c.fetchOrderBook(ctx, symbol)
		if err != nil {
			c.logger.Warn("拉取盘口失败", zap.String("symbol", symbol), zap.Error(err))
		} else {
			cache.snapshot.Store(snap)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HasSymbol 判断标的是否在订阅范围内。
func (c *Client) HasSymbol(symbol string) bool {
	_, ok := c.symbols[symbol]
	return ok
}

// GetOrderBook 返回最近一次轮询到的快照。
func (c *Client) GetOrderBook(symbol string) (*book.Snapshot, bool) {
	cache, ok := c.symbols[symbol]
	if !ok {
		return nil, false
	}
	snap := cache.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// ExecuteAgainstBook 以IOC限价单（无限价时市价单）消耗交易所流动性，
// 返回实际成交量与均价。零成交不是错误。
func (c *Client) ExecuteAgainstBook(symbol string, side book.Side, size, limitPrice float64) (book.ExecutionFill, error) {
	if !c.HasSymbol(symbol) {
		return book.ExecutionFill{}, fmt.Errorf("%w: %s", book.ErrSymbolUnknown, symbol)
	}
	if !side.Valid() {
		return book.ExecutionFill{}, fmt.Errorf("无效方向: %s", side)
	}
	if size <= 0 {
		return book.ExecutionFill{}, fmt.Errorf("无效数量: %f", size)
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	var order ccxt.Order
	err := c.callWithRetry(ctx, "create_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var innerErr error
		if limitPrice > 0 {
			order, innerErr = c.exchange.CreateLimitOrder(symbol, string(side), size, limitPrice,
				ccxt.WithCreateLimitOrderParams(map[string]interface{}{"timeInForce": "IOC"}),
			)
		} else {
			order, innerErr = c.exchange.CreateMarketOrder(symbol, string(side), size)
		}
		return innerErr
	})
	if err != nil {
		return book.ExecutionFill{}, err
	}

	fill := book.ExecutionFill{}
	if order.Filled != nil {
		fill.Quantity = *order.Filled
	}
	if order.Average != nil {
		fill.AvgPrice = *order.Average
	} else if order.Price != nil {
		fill.AvgPrice = *order.Price
	}
	if fill.Quantity <= 0 {
		return book.ExecutionFill{}, nil
	}

	return fill, nil
}

func (c *Client) fetchOrderBook(ctx context.Context, symbol string) (*book.Snapshot, error) {
	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orderBook, innerErr := c.exchange.FetchOrderBook(
			symbol,
			ccxt.WithFetchOrderBookLimit(bookDepth),
		)
		if innerErr != nil {
			return innerErr
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return nil, err
	}

	return convertOrderBook(symbol, raw), nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Int("symbols", len(c.symbols)))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := retryMinDelay

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !retryable(err) || attempt >= retryAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) *book.Snapshot {
	bids := make([]book.Level, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, book.Level{Price: level[0], Volume: level[1]})
	}

	asks := make([]book.Level, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, book.Level{Price: level[0], Volume: level[1]})
	}

	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	snap := &book.Snapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
	snap.Finalize()
	return snap
}
