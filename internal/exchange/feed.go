// Package exchange hosts market data feeds and the HTTP terminal-bridge gateway.
package exchange

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/metrics"
	"github.com/deviazarina/trepod/internal/signal"
)

const (
	// ProviderStub emits synthetic random-walk quotes and trades (offline work, paper runs).
	ProviderStub = "stub"
	// ProviderBinance streams live trades and best bid/ask from Binance public websockets.
	ProviderBinance = "binance"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	defaultBinanceURL   = "wss://stream.binance.com:9443"
)

// StubQuote seeds the synthetic walk for one symbol.
type StubQuote struct {
	Price  float64
	Spread float64
	Step   float64 // max absolute move per tick
}

// Feed represents a pluggable market data stream implementation.
type Feed struct {
	provider     string
	symbols      []string
	log          zerolog.Logger
	tickInterval time.Duration
	binanceURL   string
	stub         map[string]StubQuote
	seed         int64
	mu           sync.RWMutex
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithTickInterval overrides the synthetic feed cadence.
func WithTickInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.tickInterval = d
		}
	}
}

// WithBinanceURL points the websocket feed at another host.
func WithBinanceURL(url string) Option {
	return func(f *Feed) {
		if url != "" {
			f.binanceURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithStubQuotes sets starting prices for the synthetic feed.
func WithStubQuotes(quotes map[string]StubQuote, seed int64) Option {
	return func(f *Feed) {
		for sym, q := range quotes {
			f.stub[strings.ToUpper(sym)] = q
		}
		f.seed = seed
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		log:          log,
		tickInterval: defaultTickInterval,
		binanceURL:   defaultBinanceURL,
		stub:         make(map[string]StubQuote),
	}
	f.setSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetSymbols replaces the tracked symbol list (deduplicated, sorted for determinism).
func (f *Feed) SetSymbols(symbols []string) {
	f.setSymbols(symbols)
}

func (f *Feed) setSymbols(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	f.symbols = f.symbols[:0]
	for sym := range unique {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
}

// Symbols returns the tracked symbols.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Run pushes ticks onto the provided channel until the context is canceled.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	switch f.provider {
	case ProviderBinance:
		return f.runBinance(ctx, out)
	default:
		return f.runStub(ctx, out)
	}
}

func (f *Feed) runStub(ctx context.Context, out chan<- signal.Tick) error {
	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	seed := f.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	walk := make(map[string]StubQuote)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-ticker.C:
			for _, s := range f.Symbols() {
				q, ok := walk[s]
				if !ok {
					q = f.stubStart(s)
				}
				q.Price += (rng.Float64()*2 - 1) * q.Step
				if q.Price <= q.Spread {
					q.Price = q.Spread * 2
				}
				walk[s] = q
				side := 1
				if rng.Intn(2) == 0 {
					side = -1
				}
				tick := signal.Tick{
					Symbol: s,
					Price:  q.Price,
					Size:   1 + float64(rng.Intn(20)),
					Side:   side,
					Bid:    q.Price - q.Spread/2,
					Ask:    q.Price + q.Spread/2,
					Ts:     ts,
				}
				select {
				case out <- tick:
					metrics.TicksTotal.WithLabelValues(s).Inc()
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (f *Feed) stubStart(symbol string) StubQuote {
	f.mu.RLock()
	q, ok := f.stub[symbol]
	f.mu.RUnlock()
	if !ok || q.Price <= 0 {
		q = StubQuote{Price: 100}
	}
	if q.Spread <= 0 {
		q.Spread = q.Price * 0.0001
	}
	if q.Step <= 0 {
		q.Step = q.Spread
	}
	return q
}
