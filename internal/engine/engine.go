// Package engine runs the trading loop: per-symbol decision cycles, periodic
// reconciliation, account refresh, and status fan-out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/config"
	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/journal"
	"github.com/deviazarina/trepod/internal/metrics"
	"github.com/deviazarina/trepod/internal/plan"
	"github.com/deviazarina/trepod/internal/risk"
	"github.com/deviazarina/trepod/internal/signal"
	"github.com/deviazarina/trepod/internal/strategy"
)

var (
	// ErrRunning is returned by Start when cycles are already running.
	ErrRunning = errors.New("engine already running")
	// ErrNotReady is returned by Start before Run has been called.
	ErrNotReady = errors.New("engine not attached to a run context")
	// ErrUnknownSymbol is returned for symbols missing from configuration.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

const maxAlerts = 20

// SnapshotSource builds the per-cycle market view for a symbol.
type SnapshotSource interface {
	Build(symbol string) (signal.Snapshot, error)
}

// runtime is the decision machinery derived from one configuration. It is
// replaced wholesale on configuration updates.
type runtime struct {
	cfg        *config.Config
	components []strategy.Component
	agg        *strategy.Aggregator
	adapter    *plan.Adapter
}

// Coordinator owns the trading loop.
type Coordinator struct {
	snaps SnapshotSource
	ctrl  *execution.Controller
	gate  *risk.Gate
	log   zerolog.Logger
	now   func() time.Time

	ledger     *journal.Ledger
	components []strategy.Component
	rt         atomic.Pointer[runtime]
	updateMu   sync.Mutex // serializes UpdateConfig

	mu        sync.Mutex
	base      context.Context
	running   bool
	startedAt time.Time
	stop      chan struct{}
	cycles    sync.WaitGroup
	symbols   map[string]*SymbolStatus
	alerts    []Alert

	subMu sync.Mutex
	subs  map[int]chan StatusSnapshot
	subID int
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log.With().Str("component", "engine").Logger() }
}

// WithComponents replaces the configured scorer set.
func WithComponents(components []strategy.Component) Option {
	return func(c *Coordinator) { c.components = components }
}

// WithLedger exposes recent trades in status snapshots.
func WithLedger(l *journal.Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New wires a coordinator for every symbol in cfg.
func New(cfg *config.Config, snaps SnapshotSource, ctrl *execution.Controller, gate *risk.Gate, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		snaps:   snaps,
		ctrl:    ctrl,
		gate:    gate,
		log:     zerolog.Nop(),
		now:     time.Now,
		symbols: make(map[string]*SymbolStatus),
		subs:    make(map[int]chan StatusSnapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	rt, err := c.buildRuntime(cfg)
	if err != nil {
		return nil, err
	}
	c.rt.Store(rt)
	for _, sym := range cfg.SymbolNames() {
		c.symbols[sym] = &SymbolStatus{Symbol: sym}
	}
	return c, nil
}

func (c *Coordinator) buildRuntime(cfg *config.Config) (*runtime, error) {
	components := c.components
	if components == nil {
		var err error
		if components, err = strategy.Build(cfg.Strategy.Components); err != nil {
			return nil, fmt.Errorf("build components: %w", err)
		}
	}
	agg, err := strategy.NewAggregator(cfg.Strategy.Weights, cfg.Strategy.MinConfidence, cfg.Strategy.MinComponents)
	if err != nil {
		return nil, fmt.Errorf("build aggregator: %w", err)
	}
	adapter, err := plan.NewAdapter(cfg.Strategy.Tiers, cfg.SymbolParams(), cfg.SessionTable(), cfg.Strategy.MaxSizeMultiplier,
		plan.WithVolatility(cfg.Strategy.Volatility))
	if err != nil {
		return nil, fmt.Errorf("build plan adapter: %w", err)
	}
	return &runtime{cfg: cfg, components: components, agg: agg, adapter: adapter}, nil
}

// Config returns the active configuration. Callers must not modify it.
func (c *Coordinator) Config() *config.Config {
	return c.rt.Load().cfg
}

// Run attaches the coordinator to ctx and drives reconciliation, account
// refresh, and status publishing until ctx is canceled. Decision cycles only
// run between Start and Stop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	c.refreshAccount(ctx)
	c.reconcile(ctx)
	if c.Config().Engine.AutoStart {
		if err := c.Start(); err != nil {
			return err
		}
	}

	cfg := c.Config().Engine
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	accountTicker := time.NewTicker(cfg.AccountInterval)
	defer accountTicker.Stop()
	statusTicker := time.NewTicker(cfg.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-reconcileTicker.C:
			c.reconcile(ctx)
		case <-accountTicker.C:
			c.refreshAccount(ctx)
		case <-statusTicker.C:
			c.publish(c.Status())
		}
	}
}

// Start launches one cycle loop per symbol.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == nil {
		return ErrNotReady
	}
	if c.running {
		return ErrRunning
	}
	c.running = true
	c.startedAt = c.now()
	c.stop = make(chan struct{})
	interval := c.Config().Engine.CycleInterval
	for sym := range c.symbols {
		c.cycles.Add(1)
		go c.loop(c.base, c.stop, sym, interval)
	}
	c.log.Info().Int("symbols", len(c.symbols)).Dur("interval", interval).Msg("trading started")
	return nil
}

// Stop blocks new cycles and waits for in-flight ones to finish. In-flight
// gateway work runs to completion so the risk state stays consistent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	c.mu.Unlock()

	c.cycles.Wait()
	c.log.Info().Msg("trading stopped")
}

// Running reports whether decision cycles are active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// EmergencyCloseAll stops trading and force-closes every open position. Each
// failure is reported in the joined error; none are skipped. The closes keep
// their full retry budget when ctx is cancelled.
func (c *Coordinator) EmergencyCloseAll(ctx context.Context) ([]journal.TradeRecord, error) {
	c.Stop()
	c.log.Warn().Int("positions", c.ctrl.OpenCount()).Msg("emergency close requested")
	records, err := c.ctrl.CloseAll(context.WithoutCancel(ctx), "emergency_stop")
	if err != nil {
		c.alert("", fmt.Sprintf("emergency close incomplete: %v", err))
	}
	return records, err
}

// UpdateConfig applies the runtime-tunable subset and swaps in the new configuration.
func (c *Coordinator) UpdateConfig(p config.Patch) (*config.Config, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	cur := c.rt.Load()
	next, err := cur.cfg.Apply(p)
	if err != nil {
		return nil, err
	}
	rt, err := c.buildRuntime(next)
	if err != nil {
		return nil, err
	}
	c.gate.SetLimits(next.RiskLimits())
	c.rt.Store(rt)
	c.log.Info().
		Float64("min_confidence", next.Strategy.MinConfidence).
		Int("max_positions", next.Risk.MaxConcurrentPositions).
		Int("max_daily_trades", next.Risk.MaxDailyTrades).
		Float64("max_daily_loss", next.Risk.MaxDailyLoss).
		Float64("min_margin_headroom", next.Risk.MinMarginHeadroom).
		Msg("configuration updated")
	return next, nil
}

// Resume clears a symbol suspension.
func (c *Coordinator) Resume(symbol string) error {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.symbols[symbol]
	if !ok {
		return fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	if st.Suspended {
		st.Suspended = false
		st.SuspendReason = ""
		c.log.Info().Str("sym", symbol).Msg("symbol resumed")
	}
	return nil
}

func (c *Coordinator) suspend(symbol, reason string) {
	c.mu.Lock()
	st, ok := c.symbols[symbol]
	if ok && !st.Suspended {
		st.Suspended = true
		st.SuspendReason = reason
	}
	c.mu.Unlock()
	if ok {
		c.alert(symbol, reason)
		c.log.Error().Str("sym", symbol).Str("reason", reason).Msg("symbol suspended")
	}
}

func (c *Coordinator) loop(ctx context.Context, stop <-chan struct{}, symbol string, interval time.Duration) {
	defer c.cycles.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			c.cycle(ctx, symbol)
		}
	}
}

// cycle runs one build, score, aggregate, plan, reserve, submit pass.
func (c *Coordinator) cycle(ctx context.Context, symbol string) {
	if c.isSuspended(symbol) {
		return
	}
	rt := c.rt.Load()
	metrics.CyclesTotal.WithLabelValues(symbol).Inc()
	log := c.log.With().Str("sym", symbol).Logger()

	snap, err := c.snaps.Build(symbol)
	if err != nil {
		c.note(symbol, func(st *SymbolStatus) { st.LastError = err.Error() })
		log.Debug().Err(err).Msg("snapshot unavailable")
		return
	}

	sig, _, err := rt.agg.Evaluate(rt.components, snap)
	if err != nil {
		c.note(symbol, func(st *SymbolStatus) { st.LastError = err.Error() })
		log.Debug().Err(err).Msg("signal skipped")
		return
	}
	metrics.Confidence.WithLabelValues(symbol).Set(sig.Confidence)
	metrics.SignalsTotal.WithLabelValues(symbol, string(sig.Direction)).Inc()
	c.note(symbol, func(st *SymbolStatus) {
		s := sig
		st.LastSignal = &s
		st.LastError = ""
	})
	if sig.Direction == signal.None {
		return
	}
	if !rt.cfg.Engine.AllowStacking && c.hasPosition(symbol) {
		return
	}

	p, err := rt.adapter.Build(sig, snap)
	if err != nil {
		c.note(symbol, func(st *SymbolStatus) { st.LastError = err.Error() })
		if errors.Is(err, plan.ErrNoTier) {
			log.Debug().Float64("confidence", sig.Confidence).Msg("no tier for confidence")
		} else {
			log.Warn().Err(err).Msg("plan rejected")
		}
		return
	}

	res, err := c.gate.Reserve(p)
	if err != nil {
		c.note(symbol, func(st *SymbolStatus) { st.LastError = err.Error() })
		return
	}
	c.note(symbol, func(st *SymbolStatus) {
		pp := p
		st.LastPlan = &pp
	})

	pos, err := c.ctrl.Submit(ctx, p, res)
	if err != nil {
		c.note(symbol, func(st *SymbolStatus) { st.LastError = err.Error() })
		if errors.Is(err, execution.ErrTimedOut) {
			c.alert(symbol, "submit timed out, awaiting reconciliation")
		}
		log.Warn().Err(err).Str("plan", p.ID).Msg("submit failed")
		return
	}
	log.Info().
		Str("id", pos.ID).
		Str("dir", string(pos.Direction)).
		Float64("size", pos.Size).
		Float64("entry", pos.EntryPrice).
		Float64("sl", pos.StopLoss).
		Float64("tp", pos.TakeProfit).
		Float64("confidence", p.Confidence).
		Str("tier", p.Tier).
		Msg("position opened")
}

func (c *Coordinator) hasPosition(symbol string) bool {
	for _, p := range c.ctrl.Positions() {
		if strings.EqualFold(p.Symbol, symbol) {
			return true
		}
	}
	return false
}

func (c *Coordinator) reconcile(ctx context.Context) {
	drifted, err := c.ctrl.Reconcile(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("reconciliation failed")
		c.alert("", err.Error())
		return
	}
	for _, sym := range drifted {
		c.suspend(sym, "position drift detected by reconciliation")
	}
}

func (c *Coordinator) refreshAccount(ctx context.Context) {
	if _, err := c.ctrl.RefreshAccount(ctx); err != nil {
		c.log.Warn().Err(err).Msg("account refresh failed")
	}
}

func (c *Coordinator) isSuspended(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.symbols[symbol]
	return !ok || st.Suspended
}

func (c *Coordinator) note(symbol string, fn func(*SymbolStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.symbols[symbol]; ok {
		st.LastCycle = c.now()
		fn(st)
	}
}

func (c *Coordinator) alert(symbol, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, Alert{Ts: c.now(), Symbol: symbol, Message: msg})
	if len(c.alerts) > maxAlerts {
		c.alerts = c.alerts[len(c.alerts)-maxAlerts:]
	}
}
