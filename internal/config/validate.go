package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/deviazarina/trepod/internal/strategy"
)

// Validate runs the struct tag rules and the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	if err := strategy.ValidateWeights(c.Strategy.Weights); err != nil {
		errs = append(errs, fmt.Errorf("strategy.weights: %w", err))
	}
	names := make([]string, 0, len(c.Strategy.Weights))
	for name := range c.Strategy.Weights {
		names = append(names, name)
	}
	if _, err := strategy.Build(names); err != nil {
		errs = append(errs, fmt.Errorf("strategy.weights: %w", err))
	}
	if _, err := strategy.Build(c.Strategy.Components); err != nil {
		errs = append(errs, fmt.Errorf("strategy.components: %w", err))
	}

	tierNames := make(map[string]bool, len(c.Strategy.Tiers))
	for _, t := range c.Strategy.Tiers {
		if t.Name == "" || tierNames[t.Name] {
			errs = append(errs, fmt.Errorf("strategy.tiers: missing or duplicate name %q", t.Name))
		}
		tierNames[t.Name] = true
		if t.MinConfidence < 0 || t.MinConfidence > 1 {
			errs = append(errs, fmt.Errorf("strategy.tiers.%s: min_confidence %.2f outside [0,1]", t.Name, t.MinConfidence))
		}
		if t.TPMultiplier <= 0 || t.SLMultiplier <= 0 || t.SizeMultiplier <= 0 {
			errs = append(errs, fmt.Errorf("strategy.tiers.%s: multipliers must be > 0", t.Name))
		}
	}

	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("symbols: duplicate %s", s.Name))
		}
		seen[s.Name] = true
		if s.BaseTPPips < s.MinTPPips || s.BaseTPPips > s.MaxTPPips {
			errs = append(errs, fmt.Errorf("symbols.%s: base_tp_pips %.2f outside [%.2f,%.2f]", s.Name, s.BaseTPPips, s.MinTPPips, s.MaxTPPips))
		}
		if s.BaseSLPips < s.MinSLPips || s.BaseSLPips > s.MaxSLPips {
			errs = append(errs, fmt.Errorf("symbols.%s: base_sl_pips %.2f outside [%.2f,%.2f]", s.Name, s.BaseSLPips, s.MinSLPips, s.MaxSLPips))
		}
		if s.TickSize > s.PipSize {
			errs = append(errs, fmt.Errorf("symbols.%s: tick_size larger than pip_size", s.Name))
		}
	}

	if c.Execution.Gateway == GatewayBridge && c.Execution.Bridge.URL == "" {
		errs = append(errs, errors.New("execution.bridge.url is required for the bridge gateway"))
	}
	return errors.Join(errs...)
}

// LoadWithEnv loads a .env file when present, reads YAML, and applies SCALPER_* overrides.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("SCALPER_LOG_LEVEL", &c.App.LogLevel)
	str("SCALPER_LOG_FORMAT", &c.App.LogFormat)
	str("SCALPER_METRICS_ADDR", &c.App.MetricsAddr)
	str("SCALPER_DASHBOARD_ADDR", &c.App.DashboardAddr)
	str("SCALPER_FEED_PROVIDER", &c.Feed.Provider)
	str("SCALPER_GATEWAY", &c.Execution.Gateway)
	str("SCALPER_BRIDGE_URL", &c.Execution.Bridge.URL)
	str("SCALPER_BRIDGE_TOKEN", &c.Execution.Bridge.Token)
	str("SCALPER_JOURNAL_PATH", &c.Journal.Path)
	list("SCALPER_KAFKA_BROKERS", &c.Journal.Kafka.Brokers)
	str("SCALPER_REDIS_ADDR", &c.Journal.Redis.Addr)
	str("SCALPER_REDIS_PASSWORD", &c.Journal.Redis.Password)
	str("SCALPER_CLICKHOUSE_HOST", &c.Journal.ClickHouse.Host)
	str("SCALPER_CLICKHOUSE_PASSWORD", &c.Journal.ClickHouse.Password)

	if v, ok := lookup("SCALPER_SYMBOLS"); ok && v != "" {
		keep := make(map[string]bool)
		for _, s := range splitList(v) {
			keep[strings.ToUpper(s)] = true
		}
		filtered := c.Symbols[:0]
		for _, s := range c.Symbols {
			if keep[s.Name] {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("SCALPER_SYMBOLS %q matches no configured symbol", v)
		}
		c.Symbols = filtered
	}
	if v, ok := lookup("SCALPER_MAX_DAILY_LOSS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SCALPER_MAX_DAILY_LOSS: %w", err)
		}
		c.Risk.MaxDailyLoss = f
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Patch is the subset of settings that may change while the engine runs. Nil
// fields are left untouched.
type Patch struct {
	MinConfidence          *float64 `json:"min_confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxConcurrentPositions *int     `json:"max_concurrent_positions,omitempty" validate:"omitempty,gte=0"`
	MaxDailyTrades         *int     `json:"max_daily_trades,omitempty" validate:"omitempty,gte=0"`
	MaxDailyLoss           *float64 `json:"max_daily_loss,omitempty" validate:"omitempty,gte=0"`
	MinMarginHeadroom      *float64 `json:"min_margin_headroom,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.MinConfidence == nil && p.MaxConcurrentPositions == nil && p.MaxDailyTrades == nil &&
		p.MaxDailyLoss == nil && p.MinMarginHeadroom == nil
}

// Apply returns a validated copy of c with p applied; c itself is not modified.
func (c *Config) Apply(p Patch) (*Config, error) {
	if err := validate.Struct(p); err != nil {
		return nil, err
	}
	next := c.Clone()
	if p.MinConfidence != nil {
		next.Strategy.MinConfidence = *p.MinConfidence
	}
	if p.MaxConcurrentPositions != nil {
		next.Risk.MaxConcurrentPositions = *p.MaxConcurrentPositions
	}
	if p.MaxDailyTrades != nil {
		next.Risk.MaxDailyTrades = *p.MaxDailyTrades
	}
	if p.MaxDailyLoss != nil {
		next.Risk.MaxDailyLoss = *p.MaxDailyLoss
	}
	if p.MinMarginHeadroom != nil {
		next.Risk.MinMarginHeadroom = *p.MinMarginHeadroom
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
