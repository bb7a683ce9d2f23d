// Package market turns raw ticks into per-symbol bar windows and builds the
// immutable snapshots the scorers consume.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/deviazarina/trepod/internal/signal"
)

// Quote is the latest top of book for a symbol.
type Quote struct {
	Bid float64
	Ask float64
	Ts  time.Time
}

type series struct {
	bars  []signal.Bar
	quote Quote
	book  bool
}

// BarAggregator folds ticks into fixed-interval OHLCV bars and tracks the latest
// quote per symbol. It is safe for concurrent use.
type BarAggregator struct {
	interval time.Duration
	capacity int
	mu       sync.RWMutex
	series   map[string]*series
}

// NewBarAggregator keeps at most capacity bars of the given interval per symbol.
func NewBarAggregator(interval time.Duration, capacity int) *BarAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	if capacity <= 0 {
		capacity = 200
	}
	return &BarAggregator{
		interval: interval,
		capacity: capacity,
		series:   make(map[string]*series),
	}
}

// Run consumes ticks until ctx is canceled or the channel closes.
func (a *BarAggregator) Run(ctx context.Context, ticks <-chan signal.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tk, ok := <-ticks:
			if !ok {
				return nil
			}
			a.OnTick(tk)
		}
	}
}

// OnTick applies one tick. A tick with bid/ask and no size only moves the quote;
// trade ticks without bid/ask set the quote only until a book quote arrives.
func (a *BarAggregator) OnTick(tk signal.Tick) {
	if tk.Symbol == "" {
		return
	}
	hasBook := tk.Bid > 0 && tk.Ask > 0
	if !hasBook && tk.Price <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.series[tk.Symbol]
	if s == nil {
		s = &series{}
		a.series[tk.Symbol] = s
	}

	switch {
	case hasBook:
		s.quote = Quote{Bid: tk.Bid, Ask: tk.Ask, Ts: tk.Ts}
		s.book = true
	case !s.book:
		s.quote = Quote{Bid: tk.Price, Ask: tk.Price, Ts: tk.Ts}
	}
	if tk.Price <= 0 || (hasBook && tk.Size == 0) {
		return
	}

	bucket := tk.Ts.Truncate(a.interval)
	n := len(s.bars)
	if n > 0 && s.bars[n-1].Start.Equal(bucket) {
		b := &s.bars[n-1]
		if tk.Price > b.High {
			b.High = tk.Price
		}
		if tk.Price < b.Low {
			b.Low = tk.Price
		}
		b.Close = tk.Price
		b.Volume += tk.Size
		return
	}
	if n > 0 && bucket.Before(s.bars[n-1].Start) {
		return
	}
	s.bars = append(s.bars, signal.Bar{
		Open: tk.Price, High: tk.Price, Low: tk.Price, Close: tk.Price,
		Volume: tk.Size, Start: bucket,
	})
	if len(s.bars) > a.capacity {
		s.bars = append(s.bars[:0:0], s.bars[len(s.bars)-a.capacity:]...)
	}
}

// Seed replaces the bar history of a symbol, e.g. with candles fetched at startup.
func (a *BarAggregator) Seed(symbol string, bars []signal.Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.series[symbol]
	if s == nil {
		s = &series{}
		a.series[symbol] = s
	}
	if len(bars) > a.capacity {
		bars = bars[len(bars)-a.capacity:]
	}
	s.bars = append([]signal.Bar(nil), bars...)
}

// Bars returns a copy of the last n bars (all when n <= 0).
func (a *BarAggregator) Bars(symbol string, n int) []signal.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[symbol]
	if s == nil {
		return nil
	}
	src := s.bars
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]signal.Bar, len(src))
	copy(out, src)
	return out
}

// Quote returns the latest quote for symbol.
func (a *BarAggregator) Quote(symbol string) (Quote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[symbol]
	if s == nil || s.quote.Bid <= 0 {
		return Quote{}, false
	}
	return s.quote, true
}
