// Package paper simulates a broker so the engine can trade without real money.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/market"
	"github.com/deviazarina/trepod/internal/signal"
)

const epsilon = 1e-9

// Broker return codes, mirroring common terminal retcodes.
const (
	CodeInvalidVolume = 10014
	CodeInvalidStops  = 10016
	CodeNoMoney       = 10019
	CodeNoQuote       = 10021
	CodeNotFound      = 10036
)

// Quoter supplies the current bid/ask per symbol.
type Quoter interface {
	Quote(symbol string) (market.Quote, bool)
}

// Config tunes the simulator.
type Config struct {
	StartingBalance float64
	SlippagePips    float64
	PipSize         map[string]float64
	ContractSize    map[string]float64
	MarginPerLot    map[string]float64
	Latency         time.Duration
	FailureRate     float64 // probability a call fails with a connection error
	Seed            int64
}

// Gateway is an in-memory execution.Gateway. Stop-loss and take-profit levels
// are checked against the latest quote on every call.
type Gateway struct {
	mu sync.Mutex

	quotes Quoter
	cfg    Config
	now    func() time.Time
	rng    *rand.Rand

	balance   float64
	nextID    int
	positions map[string]*execution.Position
	deals     map[string]execution.Deal
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway creates a simulator funded with cfg.StartingBalance.
func NewGateway(quotes Quoter, cfg Config, opts ...Option) *Gateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cfg.PipSize = upperKeys(cfg.PipSize)
	cfg.ContractSize = upperKeys(cfg.ContractSize)
	cfg.MarginPerLot = upperKeys(cfg.MarginPerLot)
	g := &Gateway{
		quotes:    quotes,
		cfg:       cfg,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(seed)),
		balance:   cfg.StartingBalance,
		positions: make(map[string]*execution.Position),
		deals:     make(map[string]execution.Deal),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// enter simulates latency and injected link failures, then sweeps stops.
func (g *Gateway) enter(ctx context.Context, op string) error {
	if g.cfg.Latency > 0 {
		timer := time.NewTimer(g.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &execution.ConnectionError{Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	g.mu.Lock()
	fail := g.cfg.FailureRate > 0 && g.rng.Float64() < g.cfg.FailureRate
	g.sweepLocked()
	g.mu.Unlock()
	if fail {
		return &execution.ConnectionError{Op: op, Err: errors.New("simulated link failure")}
	}
	return nil
}

// SubmitOrder fills a market order at the touch plus slippage.
func (g *Gateway) SubmitOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	if err := g.enter(ctx, "submit"); err != nil {
		return execution.OrderResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	symbol := strings.ToUpper(req.Symbol)
	reject := func(code int, msg string) (execution.OrderResult, error) {
		return execution.OrderResult{}, &execution.RejectError{Op: "submit", Code: code, Message: msg}
	}
	if req.Size <= 0 {
		return reject(CodeInvalidVolume, "invalid volume")
	}
	if req.Direction != signal.Long && req.Direction != signal.Short {
		return reject(CodeInvalidVolume, "invalid direction")
	}
	quote, ok := g.quotes.Quote(symbol)
	if !ok || quote.Bid <= 0 || quote.Ask <= 0 {
		return reject(CodeNoQuote, "no quote")
	}
	slip := g.cfg.SlippagePips * g.cfg.PipSize[symbol]
	fill := quote.Ask + slip
	if req.Direction == signal.Short {
		fill = quote.Bid - slip
	}
	if !stopsValid(req.Direction, fill, req.StopLoss, req.TakeProfit) {
		return reject(CodeInvalidStops, "invalid stops")
	}
	required := req.Size * g.cfg.MarginPerLot[symbol]
	equity := g.equityLocked()
	if equity-g.marginLocked()-required < -epsilon {
		return reject(CodeNoMoney, "not enough money")
	}

	g.nextID++
	pos := &execution.Position{
		ID:         fmt.Sprintf("%d", 100000+g.nextID),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Size:       req.Size,
		EntryPrice: fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   g.now(),
	}
	g.positions[pos.ID] = pos
	return execution.OrderResult{ID: pos.ID, Status: execution.StatusFilled, FillPrice: fill, FilledSize: req.Size}, nil
}

// ModifyOrder replaces a position's stop-loss and take-profit.
func (g *Gateway) ModifyOrder(ctx context.Context, id string, sl, tp float64) (execution.Result, error) {
	if err := g.enter(ctx, "modify"); err != nil {
		return execution.Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[id]
	if !ok {
		return execution.Result{}, &execution.RejectError{Op: "modify", Code: CodeNotFound, Message: "position not found"}
	}
	if q, ok := g.quotes.Quote(strings.ToUpper(pos.Symbol)); ok && !stopsValid(pos.Direction, exitSide(pos.Direction, q), sl, tp) {
		return execution.Result{}, &execution.RejectError{Op: "modify", Code: CodeInvalidStops, Message: "invalid stops"}
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	return execution.Result{}, nil
}

// CloseOrder exits a position at the opposite touch.
func (g *Gateway) CloseOrder(ctx context.Context, id string) (execution.Result, error) {
	if err := g.enter(ctx, "close"); err != nil {
		return execution.Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[id]
	if !ok {
		return execution.Result{}, &execution.RejectError{Op: "close", Code: CodeNotFound, Message: "position not found"}
	}
	quote, ok := g.quotes.Quote(strings.ToUpper(pos.Symbol))
	if !ok {
		return execution.Result{}, &execution.RejectError{Op: "close", Code: CodeNoQuote, Message: "no quote"}
	}
	deal := g.settleLocked(pos, exitSide(pos.Direction, quote), "manual")
	return execution.Result{ClosePrice: deal.ClosePrice, Profit: deal.Profit}, nil
}

// Positions lists open positions ordered by open time.
func (g *Gateway) Positions(ctx context.Context) ([]execution.Position, error) {
	if err := g.enter(ctx, "positions"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]execution.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

// AccountState reports balance, equity marked to the current quotes, and used margin.
func (g *Gateway) AccountState(ctx context.Context) (execution.Account, error) {
	if err := g.enter(ctx, "account"); err != nil {
		return execution.Account{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return execution.Account{Balance: g.balance, Equity: g.equityLocked(), Margin: g.marginLocked()}, nil
}

// Deal reports how a closed position ended.
func (g *Gateway) Deal(_ context.Context, positionID string) (execution.Deal, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.deals[positionID]
	return d, ok, nil
}

// Sweep triggers stop-loss and take-profit exits against the latest quotes.
func (g *Gateway) Sweep() {
	g.mu.Lock()
	g.sweepLocked()
	g.mu.Unlock()
}

func (g *Gateway) sweepLocked() {
	for _, pos := range g.positions {
		quote, ok := g.quotes.Quote(strings.ToUpper(pos.Symbol))
		if !ok {
			continue
		}
		px := exitSide(pos.Direction, quote)
		switch {
		case pos.StopLoss > 0 && crossed(pos.Direction, px, pos.StopLoss, true):
			g.settleLocked(pos, pos.StopLoss, "stop_loss")
		case pos.TakeProfit > 0 && crossed(pos.Direction, px, pos.TakeProfit, false):
			g.settleLocked(pos, pos.TakeProfit, "take_profit")
		}
	}
}

func (g *Gateway) settleLocked(pos *execution.Position, exit float64, reason string) execution.Deal {
	profit := (exit - pos.EntryPrice) * pos.Direction.Sign() * pos.Size * g.contract(pos.Symbol)
	g.balance += profit
	deal := execution.Deal{PositionID: pos.ID, ClosePrice: exit, Profit: profit, Reason: reason, ClosedAt: g.now()}
	g.deals[pos.ID] = deal
	delete(g.positions, pos.ID)
	return deal
}

func (g *Gateway) equityLocked() float64 {
	equity := g.balance
	for _, pos := range g.positions {
		quote, ok := g.quotes.Quote(strings.ToUpper(pos.Symbol))
		if !ok {
			continue
		}
		equity += (exitSide(pos.Direction, quote) - pos.EntryPrice) * pos.Direction.Sign() * pos.Size * g.contract(pos.Symbol)
	}
	return equity
}

func (g *Gateway) marginLocked() float64 {
	var margin float64
	for _, pos := range g.positions {
		margin += pos.Size * g.cfg.MarginPerLot[strings.ToUpper(pos.Symbol)]
	}
	return margin
}

func (g *Gateway) contract(symbol string) float64 {
	if c := g.cfg.ContractSize[strings.ToUpper(symbol)]; c > 0 {
		return c
	}
	return 1
}

// exitSide is the price a position would close at: bid for longs, ask for shorts.
func exitSide(dir signal.Direction, q market.Quote) float64 {
	if dir == signal.Short {
		return q.Ask
	}
	return q.Bid
}

// crossed reports whether px has reached level. stop selects the adverse side.
func crossed(dir signal.Direction, px, level float64, stop bool) bool {
	adverse := (dir == signal.Long) == stop
	if adverse {
		return px <= level
	}
	return px >= level
}

func stopsValid(dir signal.Direction, px, sl, tp float64) bool {
	switch dir {
	case signal.Long:
		return (sl == 0 || sl < px) && (tp == 0 || tp > px)
	case signal.Short:
		return (sl == 0 || sl > px) && (tp == 0 || tp < px)
	}
	return false
}

func upperKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}
