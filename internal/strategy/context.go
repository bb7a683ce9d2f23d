package strategy

import (
	"fmt"

	"github.com/deviazarina/trepod/internal/market"
	"github.com/deviazarina/trepod/internal/signal"
)

// SessionAlignment reports how favorable the current session is. It carries no lean.
type SessionAlignment struct{}

// Name returns the configured identifier.
func (SessionAlignment) Name() string { return SessionAlignmentName }

// Score returns the configured score of the snapshot's session.
func (SessionAlignment) Score(snap signal.Snapshot) signal.ComponentScore {
	if snap.Session == "" {
		return neutral(SessionAlignmentName, "no session")
	}
	return signal.ComponentScore{
		Component: SessionAlignmentName,
		Score:     clamp(snap.SessionScore, 0, 1),
		Lean:      signal.None,
		Evidence:  []string{"session " + snap.Session},
	}
}

// VolatilityFilter rates the current true range against its longer average.
type VolatilityFilter struct{}

// Name returns the configured identifier.
func (VolatilityFilter) Name() string { return VolatilityFilterName }

// Score classifies volatility as optimal, acceptable, or extreme.
func (VolatilityFilter) Score(snap signal.Snapshot) signal.ComponentScore {
	if len(snap.Bars) < flowMinBars {
		return neutral(VolatilityFilterName, "insufficient history")
	}
	ratio, ok := market.VolatilityRatio(snap.Bars, 10, 50)
	if !ok {
		return neutral(VolatilityFilterName, "flat range")
	}

	out := signal.ComponentScore{Component: VolatilityFilterName, Lean: signal.None}
	switch {
	case ratio >= 0.8 && ratio <= 1.4:
		out.Score = 0.8
		out.Evidence = []string{"optimal"}
	case ratio >= 0.6 && ratio <= 1.8:
		out.Score = 0.6
		out.Evidence = []string{"acceptable"}
	default:
		out.Score = 0.3
		out.Evidence = []string{"extreme"}
	}
	out.Evidence = append(out.Evidence, fmt.Sprintf("tr ratio=%.2f", ratio))
	return out
}
