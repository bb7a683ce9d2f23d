package strategy

import (
	"fmt"

	"github.com/deviazarina/trepod/internal/signal"
)

const (
	flowMinBars          = 20
	surgeRatio           = 1.5
	activeRatio          = 1.2
	surgeMove            = 0.001
	institutionalVolume  = 1.8
	institutionalRangeTo = 0.002
)

// VolumeProfile confirms price moves with relative volume.
type VolumeProfile struct{}

// Name returns the configured identifier.
func (VolumeProfile) Name() string { return VolumeProfileName }

// Score compares recent volume against the window and checks the price move it backs.
func (VolumeProfile) Score(snap signal.Snapshot) signal.ComponentScore {
	bars := snap.Bars
	if len(bars) < flowMinBars {
		return neutral(VolumeProfileName, "insufficient history")
	}
	vols := volumes(bars)
	avg := mean(tail(vols, 20))
	if avg <= 0 {
		return neutral(VolumeProfileName, "no volume")
	}
	ratio := mean(tail(vols, 5)) / avg

	n := len(bars)
	anchor := bars[n-5].Close
	change := 0.0
	if anchor > 0 {
		change = (bars[n-1].Close - anchor) / anchor
	}

	out := signal.ComponentScore{Component: VolumeProfileName, Lean: signal.None}
	switch {
	case ratio > surgeRatio && change > surgeMove:
		out.Lean, out.Score = signal.Long, 0.8
		out.Evidence = []string{"bullish surge"}
	case ratio > surgeRatio && change < -surgeMove:
		out.Lean, out.Score = signal.Short, 0.8
		out.Evidence = []string{"bearish surge"}
	case ratio > activeRatio:
		out.Score = 0.6
		out.Evidence = []string{"active"}
	default:
		out.Score = 0.3
		out.Evidence = []string{"quiet"}
	}
	out.Evidence = append(out.Evidence, fmt.Sprintf("volume ratio=%.2f change=%.4f", ratio, change))
	return out
}

// InstitutionalFlow looks for heavy volume traded inside a narrow range, the
// footprint of accumulation or distribution.
type InstitutionalFlow struct{}

// Name returns the configured identifier.
func (InstitutionalFlow) Name() string { return InstitutionalFlowName }

// Score counts accumulation and distribution bars among the last five.
func (InstitutionalFlow) Score(snap signal.Snapshot) signal.ComponentScore {
	bars := snap.Bars
	if len(bars) < flowMinBars {
		return neutral(InstitutionalFlowName, "insufficient history")
	}
	avg := mean(volumes(bars))
	if avg <= 0 {
		return neutral(InstitutionalFlowName, "no volume")
	}

	votes := 0
	for _, b := range tail(bars, 5) {
		if b.Close <= 0 {
			continue
		}
		if b.Volume/avg > institutionalVolume && (b.High-b.Low)/b.Close < institutionalRangeTo {
			if b.Close > b.Open {
				votes++
			} else {
				votes--
			}
		}
	}

	out := signal.ComponentScore{Component: InstitutionalFlowName, Lean: signal.None, Score: 0.4}
	switch {
	case votes >= 2:
		out.Lean, out.Score = signal.Long, 0.75
		out.Evidence = []string{"accumulation"}
	case votes <= -2:
		out.Lean, out.Score = signal.Short, 0.75
		out.Evidence = []string{"distribution"}
	}
	out.Evidence = append(out.Evidence, fmt.Sprintf("flow votes=%d", votes))
	return out
}
