package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App: AppConfig{Environment: "test", Mode: "simulated"},
		Simulator: SimulatorConfig{
			Symbols: []SymbolConfig{
				{Symbol: "BTC/USDT", ReferencePrice: 50000, Volatility: 0.0005},
			},
			TickInterval:  500 * time.Millisecond,
			LevelsPerSide: 10,
			BaseVolume:    2.0,
			VolumeDecay:   0.85,
			SpreadBps:     2.0,
			Seed:          1,
			DegradedAfter: 3,
		},
		Router: RouterConfig{
			ImpactThresholdBps: 25,
			SliceCount:         5,
			SliceInterval:      2 * time.Second,
			MinOrderSize:       0.001,
			AggressiveBps:      5,
			ChildFillLatency:   200 * time.Millisecond,
			FallbackPrice:      50000,
			ImpactCurve:        "linear",
		},
		Execution: ExecutionConfig{
			FeeRateBps:      2,
			SessionDuration: 8 * time.Hour,
			MaxHistory:      1000,
			Quality:         QualityConfig{ExcellentBps: 5, GoodBps: 15, FairBps: 40},
		},
		Risk:     RiskConfig{MaxOrderQuantity: 100, MaxOrderNotional: 5000000},
		Database: DatabaseConfig{Path: "data/test.db", MaxOpenConns: 4, MaxIdleConns: 4},
		Logging: LoggingConfig{
			Level:            "info",
			Encoding:         "console",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Monitor: MonitorConfig{Enabled: true, Port: 8780},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsBrokenFields(t *testing.T) {
	cases := []struct {
		name  string
		patch func(*Config)
	}{
		{"bad mode", func(c *Config) { c.App.Mode = "paper" }},
		{"no symbols", func(c *Config) { c.Simulator.Symbols = nil }},
		{"duplicate symbols", func(c *Config) {
			c.Simulator.Symbols = append(c.Simulator.Symbols, c.Simulator.Symbols[0])
		}},
		{"tick too fast", func(c *Config) { c.Simulator.TickInterval = 10 * time.Millisecond }},
		{"volume decay out of range", func(c *Config) { c.Simulator.VolumeDecay = 1.5 }},
		{"single slice", func(c *Config) { c.Router.SliceCount = 1 }},
		{"unknown impact curve", func(c *Config) { c.Router.ImpactCurve = "sqrt" }},
		{"quality thresholds unordered", func(c *Config) { c.Execution.Quality.GoodBps = 1 }},
		{"live without credentials", func(c *Config) { c.App.Mode = "live"; c.Venue.Name = "binance" }},
		{"monitor port out of range", func(c *Config) { c.Monitor.Port = 70000 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.patch(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateAggregatesAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.App.Mode = "paper"
	cfg.Simulator.Symbols = nil
	cfg.Router.SliceCount = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, fragment := range []string{"app.mode", "simulator.symbols", "router.slice_count"} {
		if !strings.Contains(msg, fragment) {
			t.Errorf("aggregated error should mention %s, got: %s", fragment, msg)
		}
	}
}

func TestLoadReadsFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  environment: test
simulator:
  symbols:
    - symbol: BTC/USDT
      reference_price: 50000.0
      volatility: 0.0005
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Mode != "simulated" {
		t.Errorf("expected default mode simulated, got %q", cfg.App.Mode)
	}
	if cfg.Simulator.TickInterval != 500*time.Millisecond {
		t.Errorf("expected default tick interval, got %v", cfg.Simulator.TickInterval)
	}
	if cfg.Router.SliceCount != 5 {
		t.Errorf("expected default slice count 5, got %d", cfg.Router.SliceCount)
	}
	if got := cfg.Simulator.SymbolNames(); len(got) != 1 || got[0] != "BTC/USDT" {
		t.Errorf("unexpected symbols: %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
