// Package signal standardizes payloads shared between market data, scoring, and execution layers.
package signal

import "time"

// Direction is the trade bias of a signal, plan, or position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	None  Direction = "none"
)

// Sign returns +1 for long, -1 for short, and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// Opposite flips long and short; none stays none.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return None
	}
}

// Tick models a single trade or quote update coming off a feed.
type Tick struct {
	Symbol string
	Price  float64
	Size   float64
	Side   int // +1 buy, -1 sell (aggressor)
	Bid    float64
	Ask    float64
	Ts     time.Time
}

// Bar is one OHLCV candle.
type Bar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Start  time.Time
}

// Indicators carries the derived values computed over a snapshot window. Ready is
// false until the window is long enough for every indicator.
type Indicators struct {
	ATR        float64
	RSI        float64
	EMA8       float64
	EMA20      float64
	EMA50      float64
	MACD       float64
	MACDSignal float64
	Ready      bool
}

// Snapshot is the immutable per-cycle view of one symbol.
type Snapshot struct {
	Symbol       string
	Ts           time.Time
	Bars         []Bar
	Bid          float64
	Ask          float64
	Spread       float64
	SpreadPips   float64
	Indicators   Indicators
	Session      string
	SessionScore float64
}

// Last returns the most recent bar, or a zero bar when the window is empty.
func (s Snapshot) Last() Bar {
	if len(s.Bars) == 0 {
		return Bar{}
	}
	return s.Bars[len(s.Bars)-1]
}

// Mid is the midpoint of the current quote.
func (s Snapshot) Mid() float64 {
	if s.Bid <= 0 || s.Ask <= 0 {
		return s.Last().Close
	}
	return (s.Bid + s.Ask) / 2
}

// ComponentScore is what one scorer reports for one snapshot.
type ComponentScore struct {
	Component string
	Score     float64 // [0,1]
	Lean      Direction
	Neutral   bool // set when the scorer lacked input and fell back to 0.5
	Evidence  []string
}

// Contribution is a component's weighted share of the aggregate confidence.
type Contribution struct {
	Component string    `json:"component"`
	Score     float64   `json:"score"`
	Weight    float64   `json:"weight"`
	Lean      Direction `json:"lean"`
}

// Signal is the aggregated decision for one symbol and cycle.
type Signal struct {
	Symbol        string         `json:"symbol"`
	Confidence    float64        `json:"confidence"`
	Direction     Direction      `json:"direction"`
	Contributions []Contribution `json:"contributions"`
	Ts            time.Time      `json:"ts"`
}
