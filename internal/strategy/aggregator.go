package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/deviazarina/trepod/internal/signal"
)

// WeightTolerance bounds how far configured weights may drift from summing to 1.
const WeightTolerance = 1e-6

// ErrInsufficientComponents is wrapped by ValidationError when too few components
// produced a non-neutral reading.
var ErrInsufficientComponents = errors.New("insufficient non-neutral components")

// ValidationError reports scorer input that cannot support a decision this cycle.
type ValidationError struct {
	Symbol     string
	NonNeutral int
	Required   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %d non-neutral components, need %d", e.Symbol, e.NonNeutral, e.Required)
}

func (e *ValidationError) Unwrap() error { return ErrInsufficientComponents }

// Aggregator combines component scores into a single Signal.
type Aggregator struct {
	weights       map[string]float64
	minConfidence float64
	minComponents int
}

// NewAggregator validates the weight set and returns an aggregator.
func NewAggregator(weights map[string]float64, minConfidence float64, minComponents int) (*Aggregator, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	if minConfidence < 0 || minConfidence > 1 {
		return nil, fmt.Errorf("min confidence %.4f outside [0,1]", minConfidence)
	}
	if minComponents < 0 {
		minComponents = 0
	}
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Aggregator{weights: w, minConfidence: minConfidence, minComponents: minComponents}, nil
}

// ValidateWeights checks weights are non-negative and sum to 1.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return errors.New("no component weights configured")
	}
	var sum float64
	for name, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("weight for %s must be >= 0, got %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("component weights sum to %.6f, expected 1.0", sum)
	}
	return nil
}

// MinConfidence is the threshold below which direction is forced to none.
func (a *Aggregator) MinConfidence() float64 { return a.minConfidence }

// Aggregate folds the scores for symbol into a Signal.
func (a *Aggregator) Aggregate(symbol string, scores []signal.ComponentScore, ts time.Time) (signal.Signal, error) {
	nonNeutral := 0
	for _, s := range scores {
		if !s.Neutral {
			nonNeutral++
		}
	}
	if nonNeutral < a.minComponents {
		return signal.Signal{}, &ValidationError{Symbol: symbol, NonNeutral: nonNeutral, Required: a.minComponents}
	}

	var confidence, longLean, shortLean float64
	contributions := make([]signal.Contribution, 0, len(scores))
	for _, s := range scores {
		w := a.weights[s.Component]
		score := clamp(s.Score, 0, 1)
		if math.IsNaN(s.Score) {
			score = neutralScore
		}
		confidence += w * score
		switch s.Lean {
		case signal.Long:
			longLean += w * score
		case signal.Short:
			shortLean += w * score
		}
		contributions = append(contributions, signal.Contribution{
			Component: s.Component,
			Score:     score,
			Weight:    w,
			Lean:      s.Lean,
		})
	}
	confidence = clamp(confidence, 0, 1)

	direction := signal.None
	switch {
	case longLean > shortLean:
		direction = signal.Long
	case shortLean > longLean:
		direction = signal.Short
	}
	if confidence < a.minConfidence {
		direction = signal.None
	}

	return signal.Signal{
		Symbol:        symbol,
		Confidence:    confidence,
		Direction:     direction,
		Contributions: contributions,
		Ts:            ts,
	}, nil
}

// Evaluate scores snap with every component and aggregates the result.
func (a *Aggregator) Evaluate(components []Component, snap signal.Snapshot) (signal.Signal, []signal.ComponentScore, error) {
	scores := make([]signal.ComponentScore, 0, len(components))
	for _, c := range components {
		scores = append(scores, c.Score(snap))
	}
	sig, err := a.Aggregate(snap.Symbol, scores, snap.Ts)
	return sig, scores, err
}
