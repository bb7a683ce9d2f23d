package strategy

import (
	"fmt"
	"math"

	"github.com/deviazarina/trepod/internal/signal"
)

const (
	priceActionMinBars = 20
	srLookback         = 10
	srBreakPct         = 0.0005
)

// PriceAction scores candle patterns: engulfing bars, pin bars, and breaks of the
// recent range.
type PriceAction struct{}

// Name returns the configured identifier.
func (PriceAction) Name() string { return PriceActionName }

// Score evaluates the last few bars of the snapshot.
func (PriceAction) Score(snap signal.Snapshot) signal.ComponentScore {
	bars := snap.Bars
	n := len(bars)
	if n < priceActionMinBars {
		return neutral(PriceActionName, "insufficient history")
	}

	var total float64
	var evidence []string

	for i := 1; i <= 4; i++ {
		cur, prev := bars[n-i], bars[n-i-1]
		switch {
		case cur.Close > cur.Open && prev.Close < prev.Open && cur.Open < prev.Close && cur.Close > prev.Open:
			total += 2
			evidence = append(evidence, "bullish engulfing")
		case cur.Close < cur.Open && prev.Close > prev.Open && cur.Open > prev.Close && cur.Close < prev.Open:
			total -= 2
			evidence = append(evidence, "bearish engulfing")
		}
	}

	for i := 1; i <= 3; i++ {
		b := bars[n-i]
		rng := b.High - b.Low
		if rng <= 0 {
			continue
		}
		body := math.Abs(b.Close - b.Open)
		upper := b.High - math.Max(b.Open, b.Close)
		lower := math.Min(b.Open, b.Close) - b.Low
		switch {
		case lower > body*2 && lower > upper*2:
			total += 1.5
			evidence = append(evidence, "bullish pin bar")
		case upper > body*2 && upper > lower*2:
			total -= 1.5
			evidence = append(evidence, "bearish pin bar")
		}
	}

	window := bars[n-1-srLookback : n-1]
	hi, lo := window[0].High, window[0].Low
	for _, b := range window[1:] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	px := bars[n-1].Close
	switch {
	case px > hi*(1+srBreakPct):
		total += 2
		evidence = append(evidence, "resistance break")
	case px < lo*(1-srBreakPct):
		total -= 2
		evidence = append(evidence, "support break")
	}

	out := signal.ComponentScore{Component: PriceActionName, Lean: signal.None, Evidence: evidence}
	switch {
	case total >= 3:
		out.Lean = signal.Long
		out.Score = math.Min(0.9, total/6*0.9)
	case total <= -3:
		out.Lean = signal.Short
		out.Score = math.Min(0.9, -total/6*0.9)
	default:
		out.Score = 0.3
	}
	out.Evidence = append(out.Evidence, fmt.Sprintf("pattern score=%.1f", total))
	return out
}
