package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/config"
	"github.com/deviazarina/trepod/internal/dashboard"
	"github.com/deviazarina/trepod/internal/engine"
	"github.com/deviazarina/trepod/internal/exchange"
	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/journal"
	"github.com/deviazarina/trepod/internal/market"
	"github.com/deviazarina/trepod/internal/metrics"
	"github.com/deviazarina/trepod/internal/paper"
	"github.com/deviazarina/trepod/internal/risk"
	sig "github.com/deviazarina/trepod/internal/signal"
	"github.com/deviazarina/trepod/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("scalper stopped")
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsSrv := metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	bars := market.NewBarAggregator(cfg.Feed.BarInterval, cfg.Feed.BarCapacity)
	feed := newFeed(cfg, log)
	ticks := make(chan sig.Tick, 1024)
	go func() {
		if err := feed.Run(ctx, ticks); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("feed stopped")
			cancel()
		}
	}()
	go func() { _ = bars.Run(ctx, ticks) }()

	trades, ledger, err := openJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := trades.Close(); err != nil {
			log.Error().Err(err).Msg("journal close")
		}
	}()

	gate := risk.NewGate(cfg.RiskLimits(), cfg.Sessions.DailyResetHour, risk.WithLogger(log))
	ctrl := execution.NewController(newGateway(cfg, bars, log), gate, cfg.ExecutionConfig(),
		execution.WithLogger(log),
		execution.WithRecorder(trades),
		execution.WithMarks(func(symbol string) (float64, bool) {
			q, ok := bars.Quote(symbol)
			return (q.Bid + q.Ask) / 2, ok
		}),
	)

	builder := market.NewBuilder(bars, cfg.SessionTable(), cfg.PipSizes(), cfg.Feed.Window, nil)
	coord, err := engine.New(cfg, builder, ctrl, gate,
		engine.WithLogger(log),
		engine.WithLedger(ledger),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	dash := dashboard.New(coord, log)
	dash.Start(cfg.App.DashboardAddr)

	log.Info().
		Strs("symbols", cfg.SymbolNames()).
		Str("gateway", cfg.Execution.Gateway).
		Str("feed", cfg.Feed.Provider).
		Bool("auto_start", cfg.Engine.AutoStart).
		Msg("scalper started")
	runErr := coord.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := dash.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dashboard shutdown")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	if n := ctrl.OpenCount(); n > 0 {
		log.Warn().Int("open", n).Msg("positions left open at the broker")
	}
	return runErr
}

func newFeed(cfg *config.Config, log zerolog.Logger) *exchange.Feed {
	quotes := make(map[string]exchange.StubQuote, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s.StubPrice <= 0 {
			continue
		}
		quotes[s.Name] = exchange.StubQuote{
			Price:  s.StubPrice,
			Spread: s.PipSize * s.MaxSpreadPips / 2,
			Step:   s.PipSize * 2,
		}
	}
	return exchange.NewFeed(cfg.Feed.Provider, cfg.SymbolNames(), log,
		exchange.WithTickInterval(cfg.Feed.TickInterval),
		exchange.WithBinanceURL(cfg.Feed.BinanceURL),
		exchange.WithStubQuotes(quotes, cfg.Feed.Seed),
	)
}

func newGateway(cfg *config.Config, bars *market.BarAggregator, log zerolog.Logger) execution.Gateway {
	if cfg.Execution.Gateway == config.GatewayBridge {
		b := cfg.Execution.Bridge
		log.Info().Str("url", b.URL).Msg("using terminal bridge gateway")
		return exchange.NewBridgeGateway(b.URL,
			exchange.WithBridgeToken(b.Token),
			exchange.WithHTTPClient(&http.Client{Timeout: b.Timeout}),
		)
	}
	log.Info().Float64("balance", cfg.Paper.StartingBalance).Msg("using paper gateway")
	return paper.NewGateway(bars, cfg.PaperConfig())
}

// openJournal wires every enabled sink. The in-memory ledger always feeds the
// dashboard. External sinks that fail to connect are skipped with a warning.
func openJournal(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*journal.Journal, *journal.Ledger, error) {
	ledger := journal.NewLedger(200)
	sinks := []journal.Sink{ledger}

	jc := cfg.Journal
	if jc.Path != "" {
		file, err := journal.NewJSONLSink(jc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("journal file: %w", err)
		}
		sinks = append(sinks, file)
	}
	if jc.Kafka.Enabled {
		if k, err := journal.NewKafkaSink(cfg.KafkaConfig()); err != nil {
			log.Warn().Err(err).Msg("kafka sink disabled")
		} else {
			sinks = append(sinks, k)
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if jc.Redis.Enabled {
		if r, err := journal.NewRedisSink(dialCtx, cfg.RedisConfig()); err != nil {
			log.Warn().Err(err).Str("addr", jc.Redis.Addr).Msg("redis sink disabled")
		} else {
			sinks = append(sinks, r)
		}
	}
	if jc.ClickHouse.Enabled {
		if ch, err := journal.NewClickHouseSink(dialCtx, cfg.ClickHouseConfig()); err != nil {
			log.Warn().Err(err).Str("host", jc.ClickHouse.Host).Msg("clickhouse sink disabled")
		} else {
			sinks = append(sinks, ch)
		}
	}
	return journal.NewJournal(log, jc.Buffer, jc.WriteTimeout, sinks...), ledger, nil
}
