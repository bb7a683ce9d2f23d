// Package risk owns the shared risk state and decides whether an execution plan
// may proceed to the broker.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deviazarina/trepod/internal/metrics"
	"github.com/deviazarina/trepod/internal/plan"
	"github.com/deviazarina/trepod/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const epsilon = 1e-9

// Reason classifies why the gate refused a plan.
type Reason string

const (
	MaxPositionsReached    Reason = "MaxPositionsReached"
	MaxDailyTradesReached  Reason = "MaxDailyTradesReached"
	MaxDailyLossReached    Reason = "MaxDailyLossReached"
	InsufficientMargin     Reason = "InsufficientMargin"
	SymbolExposureExceeded Reason = "SymbolExposureExceeded"
	SpreadTooWide          Reason = "SpreadTooWide"
	DuplicateInFlight      Reason = "DuplicateInFlight"
)

// Rejection is returned by Reserve when a limit blocks the plan.
type Rejection struct {
	Symbol string
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Symbol, r.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Symbol, r.Reason, r.Detail)
}

// IsRejection reports whether err is a gate rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// ErrUnknownReservation is returned when committing a reservation the gate no longer holds.
var ErrUnknownReservation = errors.New("unknown reservation")

// Limits are the enforced ceilings. A zero ceiling admits nothing.
type Limits struct {
	MaxConcurrentPositions int
	MaxSymbolExposure      float64 // lots per symbol
	MaxDailyTrades         int
	MaxDailyLoss           float64 // positive currency amount
	MinMarginHeadroom      float64 // free-margin fraction of equity in [0,1]
	MarginPerLot           map[string]float64
	MaxSpreadPips          map[string]float64
}

func (l Limits) clone() Limits {
	out := l
	out.MarginPerLot = copyMap(l.MarginPerLot)
	out.MaxSpreadPips = copyMap(l.MaxSpreadPips)
	return out
}

// Account is the latest broker account reading.
type Account struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
	Margin  float64 `json:"margin"`
}

// Reservation holds a plan's claim on the risk budgets until it is committed or released.
type Reservation struct {
	ID        string
	PlanID    string
	Symbol    string
	Size      float64
	Margin    float64
	CreatedAt time.Time
}

// Snapshot is a copy of the gate state for status reporting.
type Snapshot struct {
	Day            time.Time          `json:"day"`
	OpenCount      int                `json:"open_count"`
	Exposure       map[string]float64 `json:"exposure"`
	DailyTrades    int                `json:"daily_trades"`
	DailyPnL       float64            `json:"daily_pnl"`
	DailyLoss      float64            `json:"daily_loss"`
	InFlight       []string           `json:"in_flight"`
	Account        Account            `json:"account"`
	MarginHeadroom float64            `json:"margin_headroom"`
	Limits         LimitsView         `json:"limits"`
}

// LimitsView is the scalar part of Limits exposed in snapshots.
type LimitsView struct {
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	MaxSymbolExposure      float64 `json:"max_symbol_exposure"`
	MaxDailyTrades         int     `json:"max_daily_trades"`
	MaxDailyLoss           float64 `json:"max_daily_loss"`
	MinMarginHeadroom      float64 `json:"min_margin_headroom"`
}

// Gate serializes every read and write of the risk state.
type Gate struct {
	mu sync.Mutex

	limits    Limits
	resetHour int
	now       func() time.Time
	log       zerolog.Logger

	day          time.Time
	openCount    int
	exposure     map[string]float64
	dailyTrades  int
	dailyPnL     float64
	account      Account
	reservations map[string]*Reservation
	inFlight     map[string]string // symbol -> reservation id
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock used for daily rollover.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// NewGate creates a gate whose daily counters reset at resetHour UTC.
func NewGate(limits Limits, resetHour int, opts ...Option) *Gate {
	g := &Gate{
		limits:       limits.clone(),
		resetHour:    resetHour,
		now:          time.Now,
		log:          zerolog.Nop(),
		exposure:     make(map[string]float64),
		reservations: make(map[string]*Reservation),
		inFlight:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.day = session.Boundary(g.now(), g.resetHour)
	return g
}

// rollLocked resets daily counters once the trading day has advanced.
func (g *Gate) rollLocked() {
	day := session.Boundary(g.now(), g.resetHour)
	if !day.After(g.day) {
		return
	}
	g.log.Info().
		Time("prev_day", g.day).
		Time("day", day).
		Int("trades", g.dailyTrades).
		Float64("pnl", g.dailyPnL).
		Msg("daily risk counters reset")
	g.day = day
	g.dailyTrades = 0
	g.dailyPnL = 0
}

// Reserve checks p against every limit and, if all pass, claims budget for it.
func (g *Gate) Reserve(p plan.ExecutionPlan) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	symbol := strings.ToUpper(p.Symbol)
	margin := p.Size * g.limits.MarginPerLot[symbol]
	if rej := g.checkLocked(symbol, p, margin); rej != nil {
		metrics.RiskRejections.WithLabelValues(string(rej.Reason)).Inc()
		g.log.Debug().Str("sym", p.Symbol).Str("reason", string(rej.Reason)).Str("detail", rej.Detail).Msg("plan rejected")
		return nil, rej
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		PlanID:    p.ID,
		Symbol:    symbol,
		Size:      p.Size,
		Margin:    margin,
		CreatedAt: g.now(),
	}
	g.reservations[res.ID] = res
	g.inFlight[symbol] = res.ID
	return res, nil
}

func (g *Gate) checkLocked(symbol string, p plan.ExecutionPlan, margin float64) *Rejection {
	reject := func(reason Reason, format string, args ...any) *Rejection {
		return &Rejection{Symbol: p.Symbol, Reason: reason, Detail: fmt.Sprintf(format, args...)}
	}
	if _, busy := g.inFlight[symbol]; busy {
		return reject(DuplicateInFlight, "plan already in flight")
	}
	if maxSpread, ok := g.limits.MaxSpreadPips[symbol]; ok && p.SpreadPips > maxSpread+epsilon {
		return reject(SpreadTooWide, "spread %.2f > %.2f pips", p.SpreadPips, maxSpread)
	}
	if loss := -g.dailyPnL; g.limits.MaxDailyLoss <= 0 || loss >= g.limits.MaxDailyLoss-epsilon {
		return reject(MaxDailyLossReached, "daily loss %.2f of %.2f", loss, g.limits.MaxDailyLoss)
	}
	pending := len(g.reservations)
	if g.dailyTrades+pending >= g.limits.MaxDailyTrades {
		return reject(MaxDailyTradesReached, "%d trades + %d in flight of %d", g.dailyTrades, pending, g.limits.MaxDailyTrades)
	}
	if g.openCount+pending >= g.limits.MaxConcurrentPositions {
		return reject(MaxPositionsReached, "%d open + %d in flight of %d", g.openCount, pending, g.limits.MaxConcurrentPositions)
	}
	exposure := g.exposure[symbol] + g.reservedSizeLocked(symbol) + p.Size
	if exposure > g.limits.MaxSymbolExposure+epsilon {
		return reject(SymbolExposureExceeded, "exposure %.4f > %.4f lots", exposure, g.limits.MaxSymbolExposure)
	}
	headroom, ok := g.headroomLocked(margin)
	if !ok {
		return reject(InsufficientMargin, "no account state")
	}
	if headroom < g.limits.MinMarginHeadroom {
		return reject(InsufficientMargin, "headroom %.4f < %.4f", headroom, g.limits.MinMarginHeadroom)
	}
	return nil
}

func (g *Gate) reservedSizeLocked(symbol string) float64 {
	var size float64
	for _, r := range g.reservations {
		if r.Symbol == symbol {
			size += r.Size
		}
	}
	return size
}

// headroomLocked returns free margin as a fraction of equity after adding extra
// plus all reserved margin. ok is false when no usable account state exists.
func (g *Gate) headroomLocked(extra float64) (float64, bool) {
	if g.account.Equity <= 0 {
		return 0, false
	}
	used := g.account.Margin + extra
	for _, r := range g.reservations {
		used += r.Margin
	}
	return (g.account.Equity - used) / g.account.Equity, true
}

// Commit converts a reservation into an open position of the filled size.
func (g *Gate) Commit(res *Reservation, filled float64) error {
	if res == nil {
		return ErrUnknownReservation
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	if _, ok := g.reservations[res.ID]; !ok {
		return fmt.Errorf("%s reservation %s: %w", res.Symbol, res.ID, ErrUnknownReservation)
	}
	g.dropLocked(res)
	if filled <= 0 {
		filled = res.Size
	}
	g.openCount++
	g.dailyTrades++
	g.exposure[res.Symbol] += filled
	return nil
}

// Release drops a reservation without opening a position. Releasing twice is harmless.
func (g *Gate) Release(res *Reservation) {
	if res == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked(res)
}

func (g *Gate) dropLocked(res *Reservation) {
	delete(g.reservations, res.ID)
	if g.inFlight[res.Symbol] == res.ID {
		delete(g.inFlight, res.Symbol)
	}
}

// Close records a closed position and its realized profit.
func (g *Gate) Close(symbol string, size, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	symbol = strings.ToUpper(symbol)
	if g.openCount > 0 {
		g.openCount--
	}
	g.exposure[symbol] -= size
	if g.exposure[symbol] <= epsilon {
		delete(g.exposure, symbol)
	}
	g.dailyPnL += pnl
}

// Adopt registers a broker position the book did not know about. It counts as a
// trade for the current day.
func (g *Gate) Adopt(symbol string, size float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	symbol = strings.ToUpper(symbol)
	g.openCount++
	g.dailyTrades++
	g.exposure[symbol] += size
}

// Resync overwrites the open-position count and exposure after drift is detected.
func (g *Gate) Resync(openCount int, exposure map[string]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCount = openCount
	g.exposure = make(map[string]float64, len(exposure))
	for sym, size := range exposure {
		if size > epsilon {
			g.exposure[strings.ToUpper(sym)] = size
		}
	}
}

// UpdateAccount stores the latest account reading used for the margin check.
func (g *Gate) UpdateAccount(a Account) {
	g.mu.Lock()
	g.account = a
	g.mu.Unlock()
}

// SetLimits replaces the enforced limits.
func (g *Gate) SetLimits(l Limits) {
	g.mu.Lock()
	g.limits = l.clone()
	g.mu.Unlock()
}

// Limits returns a copy of the enforced limits.
func (g *Gate) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits.clone()
}

// OpenCount is the number of positions the gate believes are open.
func (g *Gate) OpenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openCount
}

// Exposure returns the open lots for symbol.
func (g *Gate) Exposure(symbol string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exposure[strings.ToUpper(symbol)]
}

// Snapshot returns a copy of the current state, rolling the day first.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	inFlight := make([]string, 0, len(g.inFlight))
	for sym := range g.inFlight {
		inFlight = append(inFlight, sym)
	}
	sort.Strings(inFlight)
	headroom, _ := g.headroomLocked(0)
	loss := -g.dailyPnL
	if loss < 0 {
		loss = 0
	}
	return Snapshot{
		Day:            g.day,
		OpenCount:      g.openCount,
		Exposure:       copyMap(g.exposure),
		DailyTrades:    g.dailyTrades,
		DailyPnL:       g.dailyPnL,
		DailyLoss:      loss,
		InFlight:       inFlight,
		Account:        g.account,
		MarginHeadroom: headroom,
		Limits: LimitsView{
			MaxConcurrentPositions: g.limits.MaxConcurrentPositions,
			MaxSymbolExposure:      g.limits.MaxSymbolExposure,
			MaxDailyTrades:         g.limits.MaxDailyTrades,
			MaxDailyLoss:           g.limits.MaxDailyLoss,
			MinMarginHeadroom:      g.limits.MinMarginHeadroom,
		},
	}
}

func copyMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}
