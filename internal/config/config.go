package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "exec"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", "simulated")

	v.SetDefault("simulator.tick_interval", "500ms")
	v.SetDefault("simulator.levels_per_side", 10)
	v.SetDefault("simulator.base_volume", 2.0)
	v.SetDefault("simulator.volume_decay", 0.85)
	v.SetDefault("simulator.spread_bps", 2.0)
	v.SetDefault("simulator.seed", 42)
	v.SetDefault("simulator.degraded_after", 3)

	v.SetDefault("router.impact_threshold_bps", 25.0)
	v.SetDefault("router.slice_count", 5)
	v.SetDefault("router.slice_interval", "2s")
	v.SetDefault("router.min_order_size", 0.001)
	v.SetDefault("router.aggressive_offset_bps", 5.0)
	v.SetDefault("router.child_fill_latency", "200ms")
	v.SetDefault("router.fallback_reference_price", 50000.0)
	v.SetDefault("router.impact_curve", "linear")

	v.SetDefault("execution.fee_rate_bps", 2.0)
	v.SetDefault("execution.session_duration", "8h")
	v.SetDefault("execution.max_history", 1000)
	v.SetDefault("execution.quality.excellent_bps", 5.0)
	v.SetDefault("execution.quality.good_bps", 15.0)
	v.SetDefault("execution.quality.fair_bps", 40.0)

	v.SetDefault("risk.max_order_quantity", 100.0)
	v.SetDefault("risk.max_order_notional", 5000000.0)

	v.SetDefault("venue.name", "binance")
	v.SetDefault("venue.use_sandbox", false)

	v.SetDefault("database.path", "data/exec_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8780)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
