package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-engine/internal/book"
	"exec-engine/internal/bus"
	"exec-engine/internal/config"
	"exec-engine/internal/engine"
	"exec-engine/internal/monitor"
	"exec-engine/internal/risk"
	"exec-engine/internal/router"
	"exec-engine/internal/store"
	"exec-engine/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// liquidityProvider 为可启停的流动性来源。模拟器与实盘客户端
// 均满足该扩展契约。
type liquidityProvider interface {
	engine.LiquiditySource
	Start(ctx context.Context)
	Stop()
}

// Run 组装全部组件并阻塞运行，直到上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.App.Mode),
		zap.Strings("symbols", a.cfg.Simulator.SymbolNames()),
	)

	eventBus := bus.New()

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return err
	}
	monitorSvc.Attach(eventBus)
	defer monitorSvc.Detach()

	liquidity, health, err := a.buildLiquidity(eventBus)
	if err != nil {
		return err
	}

	rt := router.New(a.cfg.Router, a.logger)
	riskMgr := risk.NewManager(a.cfg.Risk, liquidity, a.logger)
	eng := engine.New(a.cfg.Execution, liquidity, rt, riskMgr, eventBus, a.logger)

	liquidity.Start(ctx)
	defer liquidity.Stop()
	defer eng.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	if a.cfg.Monitor.Enabled {
		srv := newServer(serverDeps{
			engine:    eng,
			liquidity: liquidity,
			monitor:   monitorSvc,
			bus:       eventBus,
			health:    health,
			logger:    a.logger,
		})
		group.Go(func() error {
			return srv.run(groupCtx, a.cfg.Monitor.Port)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return groupCtx.Err()
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// buildLiquidity 按运行模式选择流动性来源。
func (a *App) buildLiquidity(eventBus *bus.Bus) (liquidityProvider, func() []book.SymbolHealth, error) {
	if strings.EqualFold(a.cfg.App.Mode, "live") {
		client, err := venue.NewClient(a.cfg.Venue, a.cfg.Simulator.SymbolNames(), a.cfg.Simulator.TickInterval, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	}

	sim := book.NewSimulator(a.cfg.Simulator, eventBus, a.logger)
	return sim, sim.Health, nil
}
