package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/config"
	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/journal"
	"github.com/deviazarina/trepod/internal/market"
	"github.com/deviazarina/trepod/internal/paper"
	"github.com/deviazarina/trepod/internal/risk"
	"github.com/deviazarina/trepod/internal/signal"
	"github.com/deviazarina/trepod/internal/strategy"
)

const testConfig = `
symbols:
  - name: EURUSD
    pip_size: 0.0001
    tick_size: 0.00001
    base_tp_pips: 10
    base_sl_pips: 5
    min_tp_pips: 6
    max_tp_pips: 30
    min_sl_pips: 3
    max_sl_pips: 15
    max_spread_pips: 2
    margin_per_lot: 1100
engine:
  cycle_interval: 10ms
  reconcile_interval: 20ms
  account_interval: 20ms
  status_interval: 10ms
paper:
  seed: 7
`

type fixedQuotes struct{}

func (fixedQuotes) Quote(symbol string) (market.Quote, bool) {
	if symbol != "EURUSD" {
		return market.Quote{}, false
	}
	return market.Quote{Bid: 1.1000, Ask: 1.1001, Ts: time.Now()}, true
}

type fixedSnapshots struct{}

func (fixedSnapshots) Build(symbol string) (signal.Snapshot, error) {
	if symbol != "EURUSD" {
		return signal.Snapshot{}, market.ErrNoQuote
	}
	return signal.Snapshot{
		Symbol:       symbol,
		Ts:           time.Now(),
		Bid:          1.1000,
		Ask:          1.1001,
		Spread:       0.0001,
		SpreadPips:   1,
		Session:      "LONDON",
		SessionScore: 0.9,
	}, nil
}

// stubComponent reports a configurable score under a real component name.
type stubComponent struct {
	name  string
	mu    *sync.Mutex
	score *float64
	lean  signal.Direction
}

func (s stubComponent) Name() string { return s.name }

func (s stubComponent) Score(signal.Snapshot) signal.ComponentScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return signal.ComponentScore{Component: s.name, Score: *s.score, Lean: s.lean}
}

type harness struct {
	coord *Coordinator
	ctrl  *execution.Controller
	gate  *risk.Gate
	gw    *paper.Gateway
	mu    sync.Mutex
	score float64
}

func (h *harness) setScore(v float64) {
	h.mu.Lock()
	h.score = v
	h.mu.Unlock()
}

func newHarness(t *testing.T, extra string) *harness {
	t.Helper()
	return newHarnessWith(t, extra, nil)
}

// newHarnessWith lets wrap stand between the controller and the paper gateway.
func newHarnessWith(t *testing.T, extra string, wrap func(*paper.Gateway) execution.Gateway) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig + extra))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	h := &harness{score: 0.9}
	h.gate = risk.NewGate(cfg.RiskLimits(), cfg.Sessions.DailyResetHour)
	h.gw = paper.NewGateway(fixedQuotes{}, cfg.PaperConfig())
	var gw execution.Gateway = h.gw
	if wrap != nil {
		gw = wrap(h.gw)
	}
	h.ctrl = execution.NewController(gw, h.gate, cfg.ExecutionConfig())

	var components []strategy.Component
	for _, name := range []string{
		strategy.PriceActionName, strategy.VolumeProfileName, strategy.InstitutionalFlowName,
		strategy.TechnicalConfluenceName, strategy.SessionAlignmentName, strategy.VolatilityFilterName,
	} {
		components = append(components, stubComponent{name: name, mu: &h.mu, score: &h.score, lean: signal.Long})
	}
	h.coord, err = New(cfg, fixedSnapshots{}, h.ctrl, h.gate,
		WithLogger(zerolog.Nop()),
		WithComponents(components),
		WithLedger(journal.NewLedger(10)),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := h.ctrl.RefreshAccount(context.Background()); err != nil {
		t.Fatalf("RefreshAccount returned error: %v", err)
	}
	return h
}

func symbolStatus(t *testing.T, c *Coordinator, symbol string) SymbolStatus {
	t.Helper()
	for _, st := range c.Status().Symbols {
		if st.Symbol == symbol {
			return st
		}
	}
	t.Fatalf("no status for %s", symbol)
	return SymbolStatus{}
}

func TestCycleOpensPosition(t *testing.T) {
	h := newHarness(t, "")
	h.coord.cycle(context.Background(), "EURUSD")

	positions := h.ctrl.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected one open position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Direction != signal.Long || pos.Size != 0.03 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if h.gate.OpenCount() != 1 || h.gate.Snapshot().DailyTrades != 1 {
		t.Fatalf("gate not committed: %+v", h.gate.Snapshot())
	}
	st := symbolStatus(t, h.coord, "EURUSD")
	if st.LastSignal == nil || st.LastSignal.Confidence < 0.899 || st.LastPlan == nil || st.LastPlan.Tier != "ultra_high" {
		t.Fatalf("unexpected symbol status %+v", st)
	}
}

func TestCycleDoesNotStackPositions(t *testing.T) {
	h := newHarness(t, "")
	h.coord.cycle(context.Background(), "EURUSD")
	h.coord.cycle(context.Background(), "EURUSD")
	if n := h.ctrl.OpenCount(); n != 1 {
		t.Fatalf("expected a single position without stacking, got %d", n)
	}
}

func TestCycleBelowThresholdPlacesNothing(t *testing.T) {
	h := newHarness(t, "")
	h.setScore(0.3)
	h.coord.cycle(context.Background(), "EURUSD")
	if n := h.ctrl.OpenCount(); n != 0 {
		t.Fatalf("expected no position, got %d", n)
	}
	st := symbolStatus(t, h.coord, "EURUSD")
	if st.LastSignal == nil || st.LastSignal.Direction != signal.None {
		t.Fatalf("expected direction none, got %+v", st.LastSignal)
	}
}

func TestCycleRecordsRiskRejection(t *testing.T) {
	h := newHarness(t, "risk:\n  max_daily_trades: 0\n")
	h.coord.cycle(context.Background(), "EURUSD")
	if n := h.ctrl.OpenCount(); n != 0 {
		t.Fatalf("expected rejection, got %d positions", n)
	}
	st := symbolStatus(t, h.coord, "EURUSD")
	if !strings.Contains(st.LastError, string(risk.MaxDailyTradesReached)) {
		t.Fatalf("expected daily trade rejection, got %q", st.LastError)
	}
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t, "")
	h.coord.suspend("EURUSD", "test drift")
	h.coord.cycle(context.Background(), "EURUSD")
	if n := h.ctrl.OpenCount(); n != 0 {
		t.Fatalf("suspended symbol traded")
	}
	status := h.coord.Status()
	if !status.Symbols[0].Suspended || len(status.Alerts) != 1 {
		t.Fatalf("expected suspension and alert, got %+v", status)
	}
	if err := h.coord.Resume("eurusd"); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	h.coord.cycle(context.Background(), "EURUSD")
	if n := h.ctrl.OpenCount(); n != 1 {
		t.Fatalf("expected trade after resume, got %d", n)
	}
	if err := h.coord.Resume("GBPJPY"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestReconcileDriftSuspendsSymbol(t *testing.T) {
	h := newHarness(t, "")
	h.gate.Adopt("EURUSD", 0.5)
	h.coord.reconcile(context.Background())
	if !symbolStatus(t, h.coord, "EURUSD").Suspended {
		t.Fatalf("expected drift to suspend EURUSD")
	}
	if h.gate.Exposure("EURUSD") != 0 {
		t.Fatalf("expected gate resynced from book, got %.2f", h.gate.Exposure("EURUSD"))
	}
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t, "")
	minConf := 0.95
	maxPos := 1
	next, err := h.coord.UpdateConfig(config.Patch{MinConfidence: &minConf, MaxConcurrentPositions: &maxPos})
	if err != nil {
		t.Fatalf("UpdateConfig returned error: %v", err)
	}
	if next.Strategy.MinConfidence != 0.95 || h.coord.Config().Strategy.MinConfidence != 0.95 {
		t.Fatalf("config not swapped")
	}
	if h.gate.Limits().MaxConcurrentPositions != 1 {
		t.Fatalf("gate limits not updated: %+v", h.gate.Limits())
	}
	h.coord.cycle(context.Background(), "EURUSD")
	if n := h.ctrl.OpenCount(); n != 0 {
		t.Fatalf("expected raised threshold to block trading, got %d", n)
	}

	bad := -1
	if _, err := h.coord.UpdateConfig(config.Patch{MaxDailyTrades: &bad}); err == nil {
		t.Fatalf("expected negative max_daily_trades to be rejected")
	}
	if h.coord.Config().Strategy.MinConfidence != 0.95 {
		t.Fatalf("failed update must leave config unchanged")
	}
}

func TestStartStopAndEmergencyClose(t *testing.T) {
	h := newHarness(t, "")
	if err := h.coord.Start(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before Run, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := h.coord.Start()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotReady) || time.Now().After(deadline) {
			t.Fatalf("Start returned error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.coord.Start(); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}

	for h.ctrl.OpenCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a position")
		}
		time.Sleep(5 * time.Millisecond)
	}

	records, err := h.coord.EmergencyCloseAll(context.Background())
	if err != nil {
		t.Fatalf("EmergencyCloseAll returned error: %v", err)
	}
	if len(records) != 1 || records[0].Reason != "emergency_stop" {
		t.Fatalf("unexpected close records %+v", records)
	}
	if h.coord.Running() || h.ctrl.OpenCount() != 0 || h.gate.OpenCount() != 0 {
		t.Fatalf("expected stopped engine with empty book")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscribeReceivesStatus(t *testing.T) {
	h := newHarness(t, "")
	ch, unsubscribe := h.coord.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.coord.Run(ctx) }()

	select {
	case st := <-ch:
		if len(st.Symbols) != 1 || st.Symbols[0].Symbol != "EURUSD" || st.Risk.Account.Equity <= 0 {
			t.Fatalf("unexpected status %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	unsubscribe()
	if _, ok := <-ch; ok {
		// a snapshot may already be buffered; the channel must close after it
		if _, ok := <-ch; ok {
			t.Fatalf("expected channel closed after unsubscribe")
		}
	}
}

// flakyClose fails the first close calls with a connection error.
type flakyClose struct {
	*paper.Gateway
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyClose) CloseOrder(ctx context.Context, id string) (execution.Result, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return execution.Result{}, &execution.ConnectionError{Op: "close", Err: errors.New("link down")}
	}
	return f.Gateway.CloseOrder(ctx, id)
}

func TestEmergencyCloseRetriesAfterCallerCancels(t *testing.T) {
	flaky := &flakyClose{fails: 1}
	h := newHarnessWith(t, "execution:\n  backoff_base: 5ms\n  backoff_max: 20ms\n", func(gw *paper.Gateway) execution.Gateway {
		flaky.Gateway = gw
		return flaky
	})
	h.coord.cycle(context.Background(), "EURUSD")
	if h.ctrl.OpenCount() != 1 {
		t.Fatalf("expected an open position")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	records, err := h.coord.EmergencyCloseAll(ctx)
	if err != nil {
		t.Fatalf("EmergencyCloseAll returned error: %v", err)
	}
	flaky.mu.Lock()
	calls := flaky.calls
	flaky.mu.Unlock()
	if len(records) != 1 || calls != 2 || h.ctrl.OpenCount() != 0 {
		t.Fatalf("expected close retried to completion: records=%d calls=%d open=%d", len(records), calls, h.ctrl.OpenCount())
	}
}

const gbpSymbol = `  - name: GBPUSD
    pip_size: 0.0001
    tick_size: 0.00001
    base_tp_pips: 10
    base_sl_pips: 5
    min_tp_pips: 6
    max_tp_pips: 30
    min_sl_pips: 3
    max_sl_pips: 15
    max_spread_pips: 2
    margin_per_lot: 1300
`

// stalledSnapshots never returns for one symbol until released.
type stalledSnapshots struct {
	fixedSnapshots
	symbol  string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stalledSnapshots) Build(symbol string) (signal.Snapshot, error) {
	if symbol == s.symbol {
		s.once.Do(func() { close(s.entered) })
		<-s.release
		return signal.Snapshot{}, market.ErrNoQuote
	}
	return s.fixedSnapshots.Build(symbol)
}

func TestStalledSymbolDoesNotBlockOthers(t *testing.T) {
	cfg, err := config.Parse([]byte(strings.Replace(testConfig, "engine:\n", gbpSymbol+"engine:\n", 1)))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	gate := risk.NewGate(cfg.RiskLimits(), cfg.Sessions.DailyResetHour)
	ctrl := execution.NewController(paper.NewGateway(fixedQuotes{}, cfg.PaperConfig()), gate, cfg.ExecutionConfig())
	if _, err := ctrl.RefreshAccount(context.Background()); err != nil {
		t.Fatalf("RefreshAccount returned error: %v", err)
	}

	var mu sync.Mutex
	score := 0.9
	var components []strategy.Component
	for name := range cfg.Strategy.Weights {
		components = append(components, stubComponent{name: name, mu: &mu, score: &score, lean: signal.Long})
	}
	snaps := &stalledSnapshots{symbol: "GBPUSD", entered: make(chan struct{}), release: make(chan struct{})}
	coord, err := New(cfg, snaps, ctrl, gate, WithComponents(components))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(snaps.release)
	go func() { _ = coord.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for coord.Start() != nil {
		if time.Now().After(deadline) {
			t.Fatal("engine never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-snaps.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("GBPUSD cycle never ran")
	}

	// cycle interval is 10ms; EURUSD must trade while GBPUSD hangs
	deadline = time.Now().Add(500 * time.Millisecond)
	for ctrl.OpenCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("EURUSD blocked by stalled GBPUSD cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pos := ctrl.Positions()[0]; pos.Symbol != "EURUSD" {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestConcurrentConfigUpdatesAllApply(t *testing.T) {
	h := newHarness(t, "")
	minConf, maxPos, maxTrades, maxLoss, headroom := 0.7, 2, 9, 123.0, 0.4
	patches := []config.Patch{
		{MinConfidence: &minConf},
		{MaxConcurrentPositions: &maxPos},
		{MaxDailyTrades: &maxTrades},
		{MaxDailyLoss: &maxLoss},
		{MinMarginHeadroom: &headroom},
	}
	var wg sync.WaitGroup
	for _, p := range patches {
		wg.Add(1)
		go func(p config.Patch) {
			defer wg.Done()
			if _, err := h.coord.UpdateConfig(p); err != nil {
				t.Errorf("UpdateConfig returned error: %v", err)
			}
		}(p)
	}
	wg.Wait()

	cfg := h.coord.Config()
	if cfg.Strategy.MinConfidence != minConf || cfg.Risk.MaxConcurrentPositions != maxPos ||
		cfg.Risk.MaxDailyTrades != maxTrades || cfg.Risk.MaxDailyLoss != maxLoss || cfg.Risk.MinMarginHeadroom != headroom {
		t.Fatalf("an update was lost: strategy=%+v risk=%+v", cfg.Strategy.MinConfidence, cfg.Risk)
	}
	if l := h.gate.Limits(); l.MaxDailyTrades != maxTrades || l.MaxConcurrentPositions != maxPos {
		t.Fatalf("gate limits out of sync: %+v", l)
	}
}
