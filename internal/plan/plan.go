// Package plan turns an aggregated signal into concrete execution parameters:
// tier selection, stop-loss and take-profit distances, and position size.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deviazarina/trepod/internal/market"
	"github.com/deviazarina/trepod/internal/session"
	"github.com/deviazarina/trepod/internal/signal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMaxSizeMultiplier caps tier × session size scaling.
const DefaultMaxSizeMultiplier = 3.0

var (
	// ErrNoTier means the signal confidence is below every configured tier.
	ErrNoTier = errors.New("confidence below lowest tier")
	// ErrInvalidPlan means the computed levels violate distance or side rules.
	ErrInvalidPlan = errors.New("invalid execution plan")
	// ErrUnknownSymbol means no parameters are configured for the symbol.
	ErrUnknownSymbol = errors.New("no parameters for symbol")
	// ErrNoDirection means the signal carries no tradable direction.
	ErrNoDirection = errors.New("signal has no direction")
)

// Tier maps a confidence band to TP/SL/size multipliers.
type Tier struct {
	Name           string  `yaml:"name" json:"name"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`
	TPMultiplier   float64 `yaml:"tp_multiplier" json:"tp_multiplier"`
	SLMultiplier   float64 `yaml:"sl_multiplier" json:"sl_multiplier"`
	SizeMultiplier float64 `yaml:"size_multiplier" json:"size_multiplier"`
}

// DefaultTiers returns the stock confidence ladder, highest first.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "ultra_high", MinConfidence: 0.85, TPMultiplier: 1.8, SLMultiplier: 0.7, SizeMultiplier: 2.0},
		{Name: "very_high", MinConfidence: 0.75, TPMultiplier: 1.5, SLMultiplier: 0.8, SizeMultiplier: 1.5},
		{Name: "high", MinConfidence: 0.65, TPMultiplier: 1.3, SLMultiplier: 0.9, SizeMultiplier: 1.2},
		{Name: "moderate", MinConfidence: 0.55, TPMultiplier: 1.0, SLMultiplier: 1.0, SizeMultiplier: 1.0},
		{Name: "minimum", MinConfidence: 0.45, TPMultiplier: 1.0, SLMultiplier: 1.0, SizeMultiplier: 1.0},
	}
}

// Volatility classifies the short/long true-range ratio of the snapshot bars
// and scales TP/SL pips by level. Acceptable ratios leave both untouched.
type Volatility struct {
	MinBars        int     `yaml:"min_bars" json:"min_bars" default:"20" validate:"gte=0"`
	FastBars       int     `yaml:"fast_bars" json:"fast_bars" default:"10" validate:"gt=0"`
	SlowBars       int     `yaml:"slow_bars" json:"slow_bars" default:"50" validate:"gtfield=FastBars"`
	OptimalLow     float64 `yaml:"optimal_low" json:"optimal_low" default:"0.8" validate:"gt=0"`
	OptimalHigh    float64 `yaml:"optimal_high" json:"optimal_high" default:"1.4" validate:"gtfield=OptimalLow"`
	AcceptableLow  float64 `yaml:"acceptable_low" json:"acceptable_low" default:"0.6" validate:"gt=0,ltefield=OptimalLow"`
	AcceptableHigh float64 `yaml:"acceptable_high" json:"acceptable_high" default:"1.8" validate:"gtefield=OptimalHigh"`
	OptimalTP      float64 `yaml:"optimal_tp" json:"optimal_tp" default:"1.2" validate:"gt=0"`
	OptimalSL      float64 `yaml:"optimal_sl" json:"optimal_sl" default:"1" validate:"gt=0"`
	ExtremeTP      float64 `yaml:"extreme_tp" json:"extreme_tp" default:"0.8" validate:"gt=0"`
	ExtremeSL      float64 `yaml:"extreme_sl" json:"extreme_sl" default:"1.2" validate:"gt=0"`
}

// Volatility levels.
const (
	VolatilityOptimal    = "optimal"
	VolatilityAcceptable = "acceptable"
	VolatilityExtreme    = "extreme"
)

// DefaultVolatility returns the stock bands and multipliers.
func DefaultVolatility() Volatility {
	return Volatility{
		MinBars: 20, FastBars: 10, SlowBars: 50,
		OptimalLow: 0.8, OptimalHigh: 1.4,
		AcceptableLow: 0.6, AcceptableHigh: 1.8,
		OptimalTP: 1.2, OptimalSL: 1,
		ExtremeTP: 0.8, ExtremeSL: 1.2,
	}
}

// Level classifies bars. ok is false when history is short or flat.
func (v Volatility) Level(bars []signal.Bar) (level string, ratio float64, ok bool) {
	if v.FastBars <= 0 || v.SlowBars <= 0 || len(bars) < v.MinBars {
		return "", 0, false
	}
	ratio, ok = market.VolatilityRatio(bars, v.FastBars, v.SlowBars)
	if !ok {
		return "", 0, false
	}
	switch {
	case ratio >= v.OptimalLow && ratio <= v.OptimalHigh:
		return VolatilityOptimal, ratio, true
	case ratio >= v.AcceptableLow && ratio <= v.AcceptableHigh:
		return VolatilityAcceptable, ratio, true
	default:
		return VolatilityExtreme, ratio, true
	}
}

func (v Volatility) multipliers(level string) (tp, sl float64) {
	switch level {
	case VolatilityOptimal:
		return v.OptimalTP, v.OptimalSL
	case VolatilityExtreme:
		return v.ExtremeTP, v.ExtremeSL
	}
	return 1, 1
}

// SymbolParams are the per-instrument distance and sizing bounds. Pip values are
// in pips; PipSize and TickSize are in price units.
type SymbolParams struct {
	PipSize    float64
	TickSize   float64
	BaseTPPips float64
	BaseSLPips float64
	MinTPPips  float64
	MaxTPPips  float64
	MinSLPips  float64
	MaxSLPips  float64
	BaseLot    float64
	LotStep    float64
	MaxLot     float64
}

// Adjustment records one clamp or rounding applied while building a plan.
type Adjustment struct {
	Field  string  `json:"field"`
	From   float64 `json:"from"`
	To     float64 `json:"to"`
	Reason string  `json:"reason"`
}

// ExecutionPlan is the fully specified order intent for one signal.
type ExecutionPlan struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Direction   signal.Direction `json:"direction"`
	Entry       float64          `json:"entry"`
	SLDistance  float64          `json:"sl_distance"`
	TPDistance  float64          `json:"tp_distance"`
	SLPips      float64          `json:"sl_pips"`
	TPPips      float64          `json:"tp_pips"`
	StopLoss    float64          `json:"stop_loss"`
	TakeProfit  float64          `json:"take_profit"`
	Size        float64          `json:"size"`
	Confidence  float64          `json:"confidence"`
	Tier        string           `json:"tier"`
	Session     string           `json:"session"`
	SpreadPips  float64          `json:"spread_pips"`
	Volatility  string           `json:"volatility,omitempty"`
	Adjustments []Adjustment     `json:"adjustments,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Adapter builds execution plans from signals.
type Adapter struct {
	tiers             []Tier
	symbols           map[string]SymbolParams
	sessions          *session.Table
	maxSizeMultiplier float64
	volatility        *Volatility
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithVolatility scales TP/SL by the volatility level of the snapshot bars.
// Without it distances depend on tier only.
func WithVolatility(v Volatility) Option {
	return func(a *Adapter) { a.volatility = &v }
}

// NewAdapter validates the tier ladder and symbol table.
func NewAdapter(tiers []Tier, symbols map[string]SymbolParams, sessions *session.Table, maxSizeMultiplier float64, opts ...Option) (*Adapter, error) {
	if len(tiers) == 0 {
		return nil, errors.New("no confidence tiers configured")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinConfidence > sorted[j].MinConfidence })
	for _, t := range sorted {
		if t.TPMultiplier <= 0 || t.SLMultiplier <= 0 || t.SizeMultiplier <= 0 {
			return nil, fmt.Errorf("tier %s: multipliers must be > 0", t.Name)
		}
	}
	params := make(map[string]SymbolParams, len(symbols))
	for sym, p := range symbols {
		if p.PipSize <= 0 {
			return nil, fmt.Errorf("%s: pip size must be > 0", sym)
		}
		if p.BaseTPPips <= 0 || p.BaseSLPips <= 0 {
			return nil, fmt.Errorf("%s: base tp/sl pips must be > 0", sym)
		}
		if p.LotStep <= 0 {
			return nil, fmt.Errorf("%s: lot step must be > 0", sym)
		}
		params[strings.ToUpper(sym)] = p
	}
	if maxSizeMultiplier <= 0 {
		maxSizeMultiplier = DefaultMaxSizeMultiplier
	}
	a := &Adapter{tiers: sorted, symbols: params, sessions: sessions, maxSizeMultiplier: maxSizeMultiplier}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TierFor returns the highest tier whose minimum confidence is <= confidence.
func (a *Adapter) TierFor(confidence float64) (Tier, bool) {
	for _, t := range a.tiers {
		if confidence >= t.MinConfidence {
			return t, true
		}
	}
	return Tier{}, false
}

// Build computes the execution plan for sig against snap.
func (a *Adapter) Build(sig signal.Signal, snap signal.Snapshot) (ExecutionPlan, error) {
	if sig.Direction != signal.Long && sig.Direction != signal.Short {
		return ExecutionPlan{}, ErrNoDirection
	}
	params, ok := a.symbols[strings.ToUpper(sig.Symbol)]
	if !ok {
		return ExecutionPlan{}, fmt.Errorf("%s: %w", sig.Symbol, ErrUnknownSymbol)
	}
	tier, ok := a.TierFor(sig.Confidence)
	if !ok {
		return ExecutionPlan{}, fmt.Errorf("%s confidence %.3f: %w", sig.Symbol, sig.Confidence, ErrNoTier)
	}

	p := ExecutionPlan{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Tier:       tier.Name,
		Session:    snap.Session,
		SpreadPips: snap.SpreadPips,
		CreatedAt:  sig.Ts,
	}

	tpRaw := params.BaseTPPips * tier.TPMultiplier
	slRaw := params.BaseSLPips * tier.SLMultiplier
	if a.volatility != nil {
		tpRaw, slRaw = p.scaleForVolatility(*a.volatility, snap.Bars, tpRaw, slRaw)
	}
	tpPips := p.clampPips("tp_pips", tpRaw, params.MinTPPips, params.MaxTPPips)
	slPips := p.clampPips("sl_pips", slRaw, params.MinSLPips, params.MaxSLPips)

	p.TPDistance = p.toDistance("tp_distance", tpPips, params.MinTPPips, params)
	p.SLDistance = p.toDistance("sl_distance", slPips, params.MinSLPips, params)
	pip := decimal.NewFromFloat(params.PipSize)
	p.TPPips = decimal.NewFromFloat(p.TPDistance).Div(pip).Round(4).InexactFloat64()
	p.SLPips = decimal.NewFromFloat(p.SLDistance).Div(pip).Round(4).InexactFloat64()

	p.Size = a.size(&p, tier, snap.Session, params)

	entry := snap.Ask
	if sig.Direction == signal.Short {
		entry = snap.Bid
	}
	if entry <= 0 {
		entry = snap.Mid()
	}
	p.Entry = entry
	sign := sig.Direction.Sign()
	p.StopLoss = roundTo(entry-sign*p.SLDistance, params.TickSize)
	p.TakeProfit = roundTo(entry+sign*p.TPDistance, params.TickSize)

	if err := p.Validate(); err != nil {
		return ExecutionPlan{}, err
	}
	return p, nil
}

func (p *ExecutionPlan) adjust(field string, from, to float64, reason string) {
	p.Adjustments = append(p.Adjustments, Adjustment{Field: field, From: from, To: to, Reason: reason})
}

// scaleForVolatility applies the level multipliers ahead of the min/max clamp.
func (p *ExecutionPlan) scaleForVolatility(v Volatility, bars []signal.Bar, tp, sl float64) (float64, float64) {
	level, ratio, ok := v.Level(bars)
	if !ok {
		return tp, sl
	}
	p.Volatility = level
	tpMult, slMult := v.multipliers(level)
	reason := fmt.Sprintf("volatility %s (tr ratio %.2f)", level, ratio)
	if tpMult != 1 {
		p.adjust("tp_pips", tp, tp*tpMult, reason)
		tp *= tpMult
	}
	if slMult != 1 {
		p.adjust("sl_pips", sl, sl*slMult, reason)
		sl *= slMult
	}
	return tp, sl
}

func (p *ExecutionPlan) clampPips(field string, v, lo, hi float64) float64 {
	if lo > 0 && v < lo {
		p.adjust(field, v, lo, "below minimum")
		return lo
	}
	if hi > 0 && v > hi {
		p.adjust(field, v, hi, "above maximum")
		return hi
	}
	return v
}

// toDistance converts pips into a tick-aligned price distance. Rounding that
// lands under the minimum is redone upward.
func (p *ExecutionPlan) toDistance(field string, pips, minPips float64, params SymbolParams) float64 {
	raw := decimal.NewFromFloat(pips).Mul(decimal.NewFromFloat(params.PipSize))
	dist := raw
	if params.TickSize > 0 {
		tick := decimal.NewFromFloat(params.TickSize)
		dist = raw.Div(tick).Round(0).Mul(tick)
		floor := decimal.NewFromFloat(minPips).Mul(decimal.NewFromFloat(params.PipSize))
		if dist.LessThan(floor) || !dist.IsPositive() {
			up := raw.Div(tick).Ceil().Mul(tick)
			if !up.IsPositive() {
				up = tick
			}
			p.adjust(field, dist.InexactFloat64(), up.InexactFloat64(), "tick rounding below minimum")
			dist = up
		}
	}
	return dist.InexactFloat64()
}

func (a *Adapter) size(p *ExecutionPlan, tier Tier, sessionName string, params SymbolParams) float64 {
	sessionMult := 1.0
	if a.sessions != nil {
		if w, ok := a.sessions.Lookup(sessionName); ok && w.Multiplier > 0 {
			sessionMult = w.Multiplier
		}
	}
	mult := tier.SizeMultiplier * sessionMult
	if mult > a.maxSizeMultiplier {
		p.adjust("size_multiplier", mult, a.maxSizeMultiplier, "above maximum")
		mult = a.maxSizeMultiplier
	}
	base := params.BaseLot
	if base <= 0 {
		base = params.LotStep
	}
	size := base * mult
	if size < params.LotStep {
		p.adjust("size", size, params.LotStep, "below lot step")
		size = params.LotStep
	}
	if params.MaxLot > 0 && size > params.MaxLot {
		p.adjust("size", size, params.MaxLot, "above maximum")
		size = params.MaxLot
	}
	step := decimal.NewFromFloat(params.LotStep)
	return decimal.NewFromFloat(size).Round(8).Div(step).Floor().Mul(step).InexactFloat64()
}

// Validate checks distances are positive and levels sit on the correct side of entry.
func (p ExecutionPlan) Validate() error {
	if p.Entry <= 0 {
		return fmt.Errorf("%s entry %.5f: %w", p.Symbol, p.Entry, ErrInvalidPlan)
	}
	if p.SLDistance <= 0 || p.TPDistance <= 0 {
		return fmt.Errorf("%s non-positive distance sl=%.5f tp=%.5f: %w", p.Symbol, p.SLDistance, p.TPDistance, ErrInvalidPlan)
	}
	if p.Size <= 0 {
		return fmt.Errorf("%s size %.4f: %w", p.Symbol, p.Size, ErrInvalidPlan)
	}
	if p.StopLoss <= 0 {
		return fmt.Errorf("%s stop loss %.5f: %w", p.Symbol, p.StopLoss, ErrInvalidPlan)
	}
	switch p.Direction {
	case signal.Long:
		if !(p.StopLoss < p.Entry && p.TakeProfit > p.Entry) {
			return fmt.Errorf("%s long levels sl=%.5f entry=%.5f tp=%.5f: %w", p.Symbol, p.StopLoss, p.Entry, p.TakeProfit, ErrInvalidPlan)
		}
	case signal.Short:
		if !(p.StopLoss > p.Entry && p.TakeProfit < p.Entry) {
			return fmt.Errorf("%s short levels sl=%.5f entry=%.5f tp=%.5f: %w", p.Symbol, p.StopLoss, p.Entry, p.TakeProfit, ErrInvalidPlan)
		}
	default:
		return fmt.Errorf("%s direction %q: %w", p.Symbol, p.Direction, ErrInvalidPlan)
	}
	return nil
}

func roundTo(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(v).Div(t).Round(0).Mul(t).InexactFloat64()
}
