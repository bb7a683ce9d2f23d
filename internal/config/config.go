// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/deviazarina/trepod/internal/plan"
)

const (
	GatewayPaper  = "paper"
	GatewayBridge = "bridge"
)

var validate = validator.New()

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name          string `yaml:"name" default:"scalper"`
	Env           string `yaml:"env" default:"dev"`
	LogLevel      string `yaml:"log_level" default:"info" validate:"oneof=trace debug info warn error"`
	LogFormat     string `yaml:"log_format" default:"json" validate:"oneof=json console"`
	MetricsAddr   string `yaml:"metrics_addr" default:":9102"`
	DashboardAddr string `yaml:"dashboard_addr" default:":8088"`
}

// Feed selects the market data provider and bar shaping.
type Feed struct {
	Provider     string        `yaml:"provider" default:"stub" validate:"oneof=stub binance"`
	BinanceURL   string        `yaml:"binance_url"`
	TickInterval time.Duration `yaml:"tick_interval" default:"500ms" validate:"gt=0"`
	BarInterval  time.Duration `yaml:"bar_interval" default:"1m" validate:"gt=0"`
	BarCapacity  int           `yaml:"bar_capacity" default:"500" validate:"gte=50"`
	Window       int           `yaml:"window" default:"100" validate:"gte=50"`
	Seed         int64         `yaml:"seed"`
}

// Symbol holds per-instrument distances, sizing, and broker parameters.
type Symbol struct {
	Name          string  `yaml:"name" validate:"required"`
	PipSize       float64 `yaml:"pip_size" validate:"gt=0"`
	TickSize      float64 `yaml:"tick_size" validate:"gt=0"`
	ContractSize  float64 `yaml:"contract_size" default:"100000" validate:"gt=0"`
	BaseTPPips    float64 `yaml:"base_tp_pips" validate:"gt=0"`
	BaseSLPips    float64 `yaml:"base_sl_pips" validate:"gt=0"`
	MinTPPips     float64 `yaml:"min_tp_pips" validate:"gt=0"`
	MaxTPPips     float64 `yaml:"max_tp_pips" validate:"gtefield=MinTPPips"`
	MinSLPips     float64 `yaml:"min_sl_pips" validate:"gt=0"`
	MaxSLPips     float64 `yaml:"max_sl_pips" validate:"gtefield=MinSLPips"`
	BaseLot       float64 `yaml:"base_lot" default:"0.01" validate:"gt=0"`
	LotStep       float64 `yaml:"lot_step" default:"0.01" validate:"gt=0"`
	MaxLot        float64 `yaml:"max_lot" default:"1" validate:"gtefield=BaseLot"`
	MaxSpreadPips float64 `yaml:"max_spread_pips" validate:"gt=0"`
	MarginPerLot  float64 `yaml:"margin_per_lot" validate:"gte=0"`
	StubPrice     float64 `yaml:"stub_price" validate:"gte=0"`
}

// Strategy configures the scorers, their weights, and the tier ladder.
type Strategy struct {
	Components        []string           `yaml:"components"`
	Weights           map[string]float64 `yaml:"weights" validate:"required,dive,gte=0,lte=1"`
	MinConfidence     float64            `yaml:"min_confidence" default:"0.55" validate:"gte=0,lte=1"`
	MinComponents     int                `yaml:"min_components" default:"3" validate:"gte=0"`
	MaxSizeMultiplier float64            `yaml:"max_size_multiplier" default:"3" validate:"gt=0"`
	Tiers             []plan.Tier        `yaml:"tiers"`
	Volatility        plan.Volatility    `yaml:"volatility"`
}

// SessionWindow is one named trading-hours range in UTC.
type SessionWindow struct {
	Name       string  `yaml:"name" validate:"required"`
	StartHour  int     `yaml:"start_hour" validate:"gte=0,lte=23"`
	EndHour    int     `yaml:"end_hour" validate:"gte=0,lte=23"`
	Multiplier float64 `yaml:"multiplier" default:"1" validate:"gt=0"`
	Score      float64 `yaml:"score" validate:"gte=0,lte=1"`
}

// Sessions configures session classification and the daily counter reset.
type Sessions struct {
	DailyResetHour int             `yaml:"daily_reset_hour" validate:"gte=0,lte=23"`
	Windows        []SessionWindow `yaml:"windows" validate:"dive"`
	Fallback       SessionWindow   `yaml:"fallback"`
}

// Risk encodes the ceilings the gate enforces on every plan.
type Risk struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions" default:"3" validate:"gte=0"`
	MaxSymbolExposure      float64 `yaml:"max_symbol_exposure" default:"0.5" validate:"gte=0"`
	MaxDailyTrades         int     `yaml:"max_daily_trades" default:"20" validate:"gte=0"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss" default:"500" validate:"gte=0"`
	MinMarginHeadroom      float64 `yaml:"min_margin_headroom" default:"0.3" validate:"gte=0,lte=1"`
}

// Engine sets the coordinator cadences.
type Engine struct {
	CycleInterval     time.Duration `yaml:"cycle_interval" default:"1s" validate:"gt=0"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" default:"5s" validate:"gt=0"`
	AccountInterval   time.Duration `yaml:"account_interval" default:"5s" validate:"gt=0"`
	StatusInterval    time.Duration `yaml:"status_interval" default:"1s" validate:"gt=0"`
	AutoStart         bool          `yaml:"auto_start"`
	AllowStacking     bool          `yaml:"allow_stacking"` // more than one open position per symbol
}

// Bridge points the HTTP gateway at the terminal sidecar.
type Bridge struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" default:"10s" validate:"gt=0"`
}

// Execution configures the order lifecycle controller and the gateway it drives.
type Execution struct {
	Gateway      string        `yaml:"gateway" default:"paper" validate:"oneof=paper bridge"`
	MaxRetries   int           `yaml:"max_retries" default:"3" validate:"gte=0,lte=10"`
	CallTimeout  time.Duration `yaml:"call_timeout" default:"5s" validate:"gt=0"`
	BackoffBase  time.Duration `yaml:"backoff_base" default:"200ms" validate:"gt=0"`
	BackoffMax   time.Duration `yaml:"backoff_max" default:"5s" validate:"gtefield=BackoffBase"`
	ClientPrefix string        `yaml:"client_prefix" default:"scalper-" validate:"required"`
	Bridge       Bridge        `yaml:"bridge"`
}

// Paper captures simulator settings such as starting balance, slippage, and fault injection.
type Paper struct {
	StartingBalance float64       `yaml:"starting_balance" default:"10000" validate:"gt=0"`
	SlippagePips    float64       `yaml:"slippage_pips" validate:"gte=0"`
	Latency         time.Duration `yaml:"latency" validate:"gte=0"`
	FailureRate     float64       `yaml:"failure_rate" validate:"gte=0,lt=1"`
	Seed            int64         `yaml:"seed"`
}

// Kafka configures the completed-trade topic.
type Kafka struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" default:"scalper.trades"`
	Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s" validate:"gt=0"`
}

// Redis configures the trade stream.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Stream   string `yaml:"stream" default:"scalper:trades"`
	MaxLen   int64  `yaml:"max_len" default:"100000" validate:"gte=0"`
}

// ClickHouse configures the trade table.
type ClickHouse struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host" default:"localhost"`
	Port        int           `yaml:"port" default:"9000" validate:"gt=0,lte=65535"`
	User        string        `yaml:"user" default:"default"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database" default:"default"`
	Table       string        `yaml:"table" default:"scalper_trades"`
	DialTimeout time.Duration `yaml:"dial_timeout" default:"5s" validate:"gt=0"`
}

// Journal lists the sinks every closed position is written to.
type Journal struct {
	Path         string        `yaml:"path" default:"data/trades.jsonl"`
	Buffer       int           `yaml:"buffer" default:"256" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s" validate:"gt=0"`
	Kafka        Kafka         `yaml:"kafka"`
	Redis        Redis         `yaml:"redis"`
	ClickHouse   ClickHouse    `yaml:"clickhouse"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Feed      Feed      `yaml:"feed"`
	Symbols   []Symbol  `yaml:"symbols" validate:"required,min=1,dive"`
	Strategy  Strategy  `yaml:"strategy"`
	Sessions  Sessions  `yaml:"sessions"`
	Risk      Risk      `yaml:"risk"`
	Engine    Engine    `yaml:"engine"`
	Execution Execution `yaml:"execution"`
	Paper     Paper     `yaml:"paper"`
	Journal   Journal   `yaml:"journal"`
}

// Load reads a YAML file from disk and hydrates a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	// list elements only exist after decoding
	for i := range cfg.Symbols {
		if err := defaults.Set(&cfg.Symbols[i]); err != nil {
			return nil, fmt.Errorf("apply symbol defaults: %w", err)
		}
	}
	for i := range cfg.Sessions.Windows {
		if err := defaults.Set(&cfg.Sessions.Windows[i]); err != nil {
			return nil, fmt.Errorf("apply session defaults: %w", err)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	for i := range c.Symbols {
		c.Symbols[i].Name = strings.ToUpper(strings.TrimSpace(c.Symbols[i].Name))
	}
	if len(c.Strategy.Tiers) == 0 {
		c.Strategy.Tiers = plan.DefaultTiers()
	}
	if len(c.Sessions.Windows) == 0 {
		c.Sessions.Windows = DefaultSessionWindows()
		if c.Sessions.Fallback.Name == "" {
			c.Sessions.Fallback = SessionWindow{Name: "OFF_HOURS", Multiplier: 0.6, Score: 0.4}
		}
	}
	if c.Sessions.Fallback.Name == "" {
		c.Sessions.Fallback.Name = "OFF_HOURS"
	}
	if len(c.Strategy.Weights) == 0 {
		c.Strategy.Weights = DefaultWeights()
	}
}

// DefaultSessionWindows returns the stock UTC session table. The overlap is
// listed first so it wins the shared hours.
func DefaultSessionWindows() []SessionWindow {
	return []SessionWindow{
		{Name: "OVERLAP", StartHour: 13, EndHour: 18, Multiplier: 2.0, Score: 1.0},
		{Name: "LONDON", StartHour: 8, EndHour: 18, Multiplier: 1.5, Score: 0.9},
		{Name: "NEW_YORK", StartHour: 13, EndHour: 23, Multiplier: 1.3, Score: 0.85},
		{Name: "ASIAN", StartHour: 0, EndHour: 10, Multiplier: 1.0, Score: 0.6},
	}
}

// DefaultWeights returns the stock component weighting.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"price_action":         0.25,
		"volume_profile":       0.15,
		"institutional_flow":   0.20,
		"technical_confluence": 0.20,
		"session_alignment":    0.10,
		"volatility_filter":    0.10,
	}
}

// Symbol returns the parameters for name.
func (c *Config) Symbol(name string) (Symbol, bool) {
	name = strings.ToUpper(name)
	for _, s := range c.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// SymbolNames lists configured symbols in file order.
func (c *Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Name)
	}
	return out
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Symbols = append([]Symbol(nil), c.Symbols...)
	out.Strategy.Components = append([]string(nil), c.Strategy.Components...)
	out.Strategy.Tiers = append([]plan.Tier(nil), c.Strategy.Tiers...)
	out.Strategy.Weights = make(map[string]float64, len(c.Strategy.Weights))
	for k, v := range c.Strategy.Weights {
		out.Strategy.Weights[k] = v
	}
	out.Sessions.Windows = append([]SessionWindow(nil), c.Sessions.Windows...)
	out.Journal.Kafka.Brokers = append([]string(nil), c.Journal.Kafka.Brokers...)
	return &out
}
