package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行引擎运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Router    RouterConfig    `mapstructure:"router"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// Mode 取值 simulated 或 live，决定流动性来源。
	Mode string `mapstructure:"mode"`
}

// SymbolConfig 描述单个标的的合成盘口参数。
type SymbolConfig struct {
	Symbol         string  `mapstructure:"symbol"`
	ReferencePrice float64 `mapstructure:"reference_price"`
	// Volatility 为单次tick中价随机游走的最大相对幅度。
	Volatility float64 `mapstructure:"volatility"`
}

// SimulatorConfig 控制订单簿模拟器行为。
type SimulatorConfig struct {
	Symbols       []SymbolConfig `mapstructure:"symbols"`
	TickInterval  time.Duration  `mapstructure:"tick_interval"`
	LevelsPerSide int            `mapstructure:"levels_per_side"`
	// BaseVolume 为盘口第一档的基准挂单量，随档位按 VolumeDecay 衰减。
	BaseVolume  float64 `mapstructure:"base_volume"`
	VolumeDecay float64 `mapstructure:"volume_decay"`
	SpreadBps   float64 `mapstructure:"spread_bps"`
	Seed        int64   `mapstructure:"seed"`
	// DegradedAfter 为连续tick失败多少次后标记该标的降级。
	DegradedAfter int `mapstructure:"degraded_after"`
}

// RouterConfig 控制智能订单路由策略。
type RouterConfig struct {
	ImpactThresholdBps float64       `mapstructure:"impact_threshold_bps"`
	SliceCount         int           `mapstructure:"slice_count"`
	SliceInterval      time.Duration `mapstructure:"slice_interval"`
	MinOrderSize       float64       `mapstructure:"min_order_size"`
	AggressiveBps      float64       `mapstructure:"aggressive_offset_bps"`
	ChildFillLatency   time.Duration `mapstructure:"child_fill_latency"`
	FallbackPrice      float64       `mapstructure:"fallback_reference_price"`
	// ImpactCurve 为深度消耗外推曲线，当前支持 linear。
	ImpactCurve string `mapstructure:"impact_curve"`
}

// ExecutionConfig 控制订单生命周期与执行质量评估。
type ExecutionConfig struct {
	FeeRateBps      float64       `mapstructure:"fee_rate_bps"`
	SessionDuration time.Duration `mapstructure:"session_duration"`
	MaxHistory      int           `mapstructure:"max_history"`
	Quality         QualityConfig `mapstructure:"quality"`
}

// QualityConfig 为执行质量分档的滑点阈值（基点）。
type QualityConfig struct {
	ExcellentBps float64 `mapstructure:"excellent_bps"`
	GoodBps      float64 `mapstructure:"good_bps"`
	FairBps      float64 `mapstructure:"fair_bps"`
}

// RiskConfig 控制事前风控限额。
type RiskConfig struct {
	MaxOrderQuantity float64 `mapstructure:"max_order_quantity"`
	MaxOrderNotional float64 `mapstructure:"max_order_notional"`
}

// VenueConfig 描述实盘场所连接信息，仅在 app.mode=live 时使用。
type VenueConfig struct {
	Name       string `mapstructure:"name"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	APIPass    string `mapstructure:"api_password"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
	Wallet     string `mapstructure:"wallet_address"`
	PrivateKey string `mapstructure:"private_key"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控HTTP服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch strings.ToLower(c.App.Mode) {
	case "simulated", "live":
	default:
		err = multierr.Append(err, fmt.Errorf("app.mode 取值无效: %q", c.App.Mode))
	}

	if len(c.Simulator.Symbols) == 0 {
		err = multierr.Append(err, errors.New("simulator.symbols 至少配置一个标的"))
	}
	seen := make(map[string]struct{}, len(c.Simulator.Symbols))
	for i, sym := range c.Simulator.Symbols {
		if sym.Symbol == "" {
			err = multierr.Append(err, fmt.Errorf("simulator.symbols[%d].symbol 不能为空", i))
		}
		if _, dup := seen[sym.Symbol]; dup {
			err = multierr.Append(err, fmt.Errorf("simulator.symbols 存在重复标的 %q", sym.Symbol))
		}
		seen[sym.Symbol] = struct{}{}
		if sym.ReferencePrice <= 0 {
			err = multierr.Append(err, fmt.Errorf("simulator.symbols[%d].reference_price 必须大于0", i))
		}
		if sym.Volatility < 0 || sym.Volatility > 0.2 {
			err = multierr.Append(err, fmt.Errorf("simulator.symbols[%d].volatility 应位于[0,0.2]", i))
		}
	}
	if c.Simulator.TickInterval < 250*time.Millisecond || c.Simulator.TickInterval > 2*time.Second {
		err = multierr.Append(err, errors.New("simulator.tick_interval 应位于[250ms,2s]"))
	}
	if c.Simulator.LevelsPerSide <= 0 {
		err = multierr.Append(err, errors.New("simulator.levels_per_side 必须大于0"))
	}
	if c.Simulator.BaseVolume <= 0 {
		err = multierr.Append(err, errors.New("simulator.base_volume 必须大于0"))
	}
	if c.Simulator.VolumeDecay <= 0 || c.Simulator.VolumeDecay >= 1 {
		err = multierr.Append(err, errors.New("simulator.volume_decay 必须位于(0,1)"))
	}
	if c.Simulator.SpreadBps <= 0 {
		err = multierr.Append(err, errors.New("simulator.spread_bps 必须大于0"))
	}
	if c.Simulator.DegradedAfter <= 0 {
		err = multierr.Append(err, errors.New("simulator.degraded_after 必须大于0"))
	}

	if c.Router.ImpactThresholdBps <= 0 {
		err = multierr.Append(err, errors.New("router.impact_threshold_bps 必须大于0"))
	}
	if c.Router.SliceCount <= 1 {
		err = multierr.Append(err, errors.New("router.slice_count 必须大于1"))
	}
	if c.Router.SliceInterval <= 0 {
		err = multierr.Append(err, errors.New("router.slice_interval 必须大于0"))
	}
	if c.Router.MinOrderSize <= 0 {
		err = multierr.Append(err, errors.New("router.min_order_size 必须大于0"))
	}
	if c.Router.AggressiveBps < 0 {
		err = multierr.Append(err, errors.New("router.aggressive_offset_bps 不能为负"))
	}
	if c.Router.ChildFillLatency <= 0 {
		err = multierr.Append(err, errors.New("router.child_fill_latency 必须大于0"))
	}
	if c.Router.FallbackPrice <= 0 {
		err = multierr.Append(err, errors.New("router.fallback_reference_price 必须大于0"))
	}
	if c.Router.ImpactCurve != "" && c.Router.ImpactCurve != "linear" {
		err = multierr.Append(err, fmt.Errorf("router.impact_curve 暂不支持 %q", c.Router.ImpactCurve))
	}

	if c.Execution.FeeRateBps < 0 {
		err = multierr.Append(err, errors.New("execution.fee_rate_bps 不能为负"))
	}
	if c.Execution.SessionDuration <= 0 {
		err = multierr.Append(err, errors.New("execution.session_duration 必须大于0"))
	}
	if c.Execution.MaxHistory <= 0 {
		err = multierr.Append(err, errors.New("execution.max_history 必须大于0"))
	}
	q := c.Execution.Quality
	if q.ExcellentBps <= 0 || q.GoodBps <= q.ExcellentBps || q.FairBps <= q.GoodBps {
		err = multierr.Append(err, errors.New("execution.quality 阈值必须满足 0 < excellent < good < fair"))
	}

	if c.Risk.MaxOrderQuantity <= 0 {
		err = multierr.Append(err, errors.New("risk.max_order_quantity 必须大于0"))
	}
	if c.Risk.MaxOrderNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.max_order_notional 必须大于0"))
	}

	if strings.EqualFold(c.App.Mode, "live") {
		if c.Venue.Name == "" {
			err = multierr.Append(err, errors.New("venue.name 在 live 模式下不能为空"))
		}
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
			err = multierr.Append(err, errors.New("live 模式需要配置 venue.api_key 与 venue.api_secret"))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// SymbolNames 返回配置的全部标的名称。
func (c *SimulatorConfig) SymbolNames() []string {
	names := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		names = append(names, s.Symbol)
	}
	return names
}
