package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/deviazarina/trepod/internal/session"
	"github.com/deviazarina/trepod/internal/signal"
)

// ErrNoQuote is returned when a symbol has not produced a quote yet.
var ErrNoQuote = errors.New("no quote")

// Source provides bar windows and quotes.
type Source interface {
	Bars(symbol string, n int) []signal.Bar
	Quote(symbol string) (Quote, bool)
}

// Builder assembles snapshots from a Source.
type Builder struct {
	src      Source
	sessions *session.Table
	pipSizes map[string]float64
	window   int
	now      func() time.Time
}

// NewBuilder constructs a builder producing windows of the given number of bars.
func NewBuilder(src Source, sessions *session.Table, pipSizes map[string]float64, window int, now func() time.Time) *Builder {
	if window <= 0 {
		window = 100
	}
	if now == nil {
		now = time.Now
	}
	sizes := make(map[string]float64, len(pipSizes))
	for sym, size := range pipSizes {
		sizes[sym] = size
	}
	return &Builder{src: src, sessions: sessions, pipSizes: sizes, window: window, now: now}
}

// Build returns the snapshot for symbol at the current instant.
func (b *Builder) Build(symbol string) (signal.Snapshot, error) {
	quote, ok := b.src.Quote(symbol)
	if !ok {
		return signal.Snapshot{}, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	bars := b.src.Bars(symbol, b.window)
	now := b.now()

	spread := quote.Ask - quote.Bid
	if spread < 0 {
		spread = 0
	}
	var spreadPips float64
	if pip := b.pipSizes[symbol]; pip > 0 {
		spreadPips = spread / pip
	}

	snap := signal.Snapshot{
		Symbol:     symbol,
		Ts:         now,
		Bars:       bars,
		Bid:        quote.Bid,
		Ask:        quote.Ask,
		Spread:     spread,
		SpreadPips: spreadPips,
		Indicators: Compute(bars),
	}
	if b.sessions != nil {
		w := b.sessions.Classify(now)
		snap.Session = w.Name
		snap.SessionScore = w.Score
	}
	return snap, nil
}
