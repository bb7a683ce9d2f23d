// Package strategy contains the signal scorers and the aggregator that combines them.
package strategy

import (
	"github.com/deviazarina/trepod/internal/signal"
)

// Component names as they appear in configuration weights.
const (
	PriceActionName         = "price_action"
	VolumeProfileName       = "volume_profile"
	InstitutionalFlowName   = "institutional_flow"
	TechnicalConfluenceName = "technical_confluence"
	SessionAlignmentName    = "session_alignment"
	VolatilityFilterName    = "volatility_filter"
)

const neutralScore = 0.5

// Component scores one snapshot. Implementations are pure and deterministic.
type Component interface {
	Name() string
	Score(snap signal.Snapshot) signal.ComponentScore
}

func neutral(name, reason string) signal.ComponentScore {
	return signal.ComponentScore{
		Component: name,
		Score:     neutralScore,
		Lean:      signal.None,
		Neutral:   true,
		Evidence:  []string{reason},
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func volumes(bars []signal.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

func tail[T any](xs []T, n int) []T {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
