package strategy

import (
	"fmt"
	"math"

	"github.com/deviazarina/trepod/internal/signal"
)

// TechnicalConfluence votes RSI, MACD, and EMA alignment into one directional read.
type TechnicalConfluence struct{}

// Name returns the configured identifier.
func (TechnicalConfluence) Name() string { return TechnicalConfluenceName }

// Score tallies bullish and bearish indicator votes.
func (TechnicalConfluence) Score(snap signal.Snapshot) signal.ComponentScore {
	ind := snap.Indicators
	if !ind.Ready || len(snap.Bars) == 0 {
		return neutral(TechnicalConfluenceName, "indicators warming up")
	}

	var bull, bear int
	var evidence []string

	if ind.RSI > 30 && ind.RSI < 70 {
		switch {
		case ind.RSI > 55:
			bull++
			evidence = append(evidence, "rsi bullish")
		case ind.RSI < 45:
			bear++
			evidence = append(evidence, "rsi bearish")
		}
	}

	if ind.MACD > ind.MACDSignal {
		bull++
		evidence = append(evidence, "macd bullish")
	} else {
		bear++
		evidence = append(evidence, "macd bearish")
	}

	px := snap.Last().Close
	switch {
	case px > ind.EMA8 && ind.EMA8 > ind.EMA20:
		bull += 2
		evidence = append(evidence, "ema bullish alignment")
	case px < ind.EMA8 && ind.EMA8 < ind.EMA20:
		bear += 2
		evidence = append(evidence, "ema bearish alignment")
	}

	out := signal.ComponentScore{Component: TechnicalConfluenceName, Lean: signal.None, Evidence: evidence}
	switch {
	case bull > bear:
		out.Lean = signal.Long
		out.Score = math.Min(0.85, float64(bull)/5)
	case bear > bull:
		out.Lean = signal.Short
		out.Score = math.Min(0.85, float64(bear)/5)
	default:
		out.Score = 0.4
	}
	out.Evidence = append(out.Evidence, fmt.Sprintf("votes bull=%d bear=%d", bull, bear))
	return out
}
