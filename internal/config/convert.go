package config

import (
	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/journal"
	"github.com/deviazarina/trepod/internal/paper"
	"github.com/deviazarina/trepod/internal/plan"
	"github.com/deviazarina/trepod/internal/risk"
	"github.com/deviazarina/trepod/internal/session"
)

// SessionTable builds the session classifier.
func (c *Config) SessionTable() *session.Table {
	windows := make([]session.Window, 0, len(c.Sessions.Windows))
	for _, w := range c.Sessions.Windows {
		windows = append(windows, session.Window(w))
	}
	return session.NewTable(windows, session.Window(c.Sessions.Fallback), c.Sessions.DailyResetHour)
}

// SymbolParams maps each symbol to its plan bounds.
func (c *Config) SymbolParams() map[string]plan.SymbolParams {
	out := make(map[string]plan.SymbolParams, len(c.Symbols))
	for _, s := range c.Symbols {
		out[s.Name] = plan.SymbolParams{
			PipSize:    s.PipSize,
			TickSize:   s.TickSize,
			BaseTPPips: s.BaseTPPips,
			BaseSLPips: s.BaseSLPips,
			MinTPPips:  s.MinTPPips,
			MaxTPPips:  s.MaxTPPips,
			MinSLPips:  s.MinSLPips,
			MaxSLPips:  s.MaxSLPips,
			BaseLot:    s.BaseLot,
			LotStep:    s.LotStep,
			MaxLot:     s.MaxLot,
		}
	}
	return out
}

// PipSizes maps each symbol to its pip size.
func (c *Config) PipSizes() map[string]float64 {
	return c.perSymbol(func(s Symbol) float64 { return s.PipSize })
}

// RiskLimits builds the gate ceilings.
func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxConcurrentPositions: c.Risk.MaxConcurrentPositions,
		MaxSymbolExposure:      c.Risk.MaxSymbolExposure,
		MaxDailyTrades:         c.Risk.MaxDailyTrades,
		MaxDailyLoss:           c.Risk.MaxDailyLoss,
		MinMarginHeadroom:      c.Risk.MinMarginHeadroom,
		MarginPerLot:           c.perSymbol(func(s Symbol) float64 { return s.MarginPerLot }),
		MaxSpreadPips:          c.perSymbol(func(s Symbol) float64 { return s.MaxSpreadPips }),
	}
}

// ExecutionConfig builds the controller settings.
func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		MaxRetries:   c.Execution.MaxRetries,
		CallTimeout:  c.Execution.CallTimeout,
		BackoffBase:  c.Execution.BackoffBase,
		BackoffMax:   c.Execution.BackoffMax,
		ClientPrefix: c.Execution.ClientPrefix,
		ContractSize: c.perSymbol(func(s Symbol) float64 { return s.ContractSize }),
	}
}

// PaperConfig builds the simulator settings.
func (c *Config) PaperConfig() paper.Config {
	return paper.Config{
		StartingBalance: c.Paper.StartingBalance,
		SlippagePips:    c.Paper.SlippagePips,
		PipSize:         c.PipSizes(),
		ContractSize:    c.perSymbol(func(s Symbol) float64 { return s.ContractSize }),
		MarginPerLot:    c.perSymbol(func(s Symbol) float64 { return s.MarginPerLot }),
		Latency:         c.Paper.Latency,
		FailureRate:     c.Paper.FailureRate,
		Seed:            c.Paper.Seed,
	}
}

// KafkaConfig builds the Kafka sink settings.
func (c *Config) KafkaConfig() journal.KafkaConfig {
	k := c.Journal.Kafka
	return journal.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, Compression: k.Compression, WriteTimeout: k.WriteTimeout}
}

// RedisConfig builds the Redis sink settings.
func (c *Config) RedisConfig() journal.RedisConfig {
	r := c.Journal.Redis
	return journal.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Stream: r.Stream, MaxLen: r.MaxLen}
}

// ClickHouseConfig builds the ClickHouse sink settings.
func (c *Config) ClickHouseConfig() journal.ClickHouseConfig {
	ch := c.Journal.ClickHouse
	return journal.ClickHouseConfig{
		Host:        ch.Host,
		Port:        ch.Port,
		User:        ch.User,
		Password:    ch.Password,
		Database:    ch.Database,
		Table:       ch.Table,
		DialTimeout: ch.DialTimeout,
	}
}

func (c *Config) perSymbol(get func(Symbol) float64) map[string]float64 {
	out := make(map[string]float64, len(c.Symbols))
	for _, s := range c.Symbols {
		if v := get(s); v > 0 {
			out[s.Name] = v
		}
	}
	return out
}
