package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deviazarina/trepod/internal/session"
	"github.com/deviazarina/trepod/internal/signal"
)

func TestBarAggregatorBuckets(t *testing.T) {
	agg := NewBarAggregator(time.Minute, 3)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	agg.OnTick(signal.Tick{Symbol: "XAUUSD", Price: 100, Size: 1, Ts: t0})
	agg.OnTick(signal.Tick{Symbol: "XAUUSD", Price: 102, Size: 2, Ts: t0.Add(20 * time.Second)})
	agg.OnTick(signal.Tick{Symbol: "XAUUSD", Price: 99, Size: 1, Ts: t0.Add(40 * time.Second)})
	agg.OnTick(signal.Tick{Symbol: "XAUUSD", Price: 101, Size: 1, Bid: 100.9, Ask: 101.1, Ts: t0.Add(70 * time.Second)})

	bars := agg.Bars("XAUUSD", 0)
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	first := bars[0]
	if first.Open != 100 || first.High != 102 || first.Low != 99 || first.Close != 99 || first.Volume != 4 {
		t.Fatalf("unexpected first bar %+v", first)
	}
	q, ok := agg.Quote("XAUUSD")
	if !ok || q.Bid != 100.9 || q.Ask != 101.1 {
		t.Fatalf("unexpected quote %+v", q)
	}

	for i := 2; i < 6; i++ {
		agg.OnTick(signal.Tick{Symbol: "XAUUSD", Price: 100, Size: 1, Ts: t0.Add(time.Duration(i) * time.Minute)})
	}
	if got := len(agg.Bars("XAUUSD", 0)); got != 3 {
		t.Fatalf("expected capacity trim to 3, got %d", got)
	}
	if got := len(agg.Bars("XAUUSD", 2)); got != 2 {
		t.Fatalf("expected 2 bars on request, got %d", got)
	}
}

func TestBarAggregatorRunStopsOnCancel(t *testing.T) {
	agg := NewBarAggregator(time.Second, 10)
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan signal.Tick, 1)
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx, ticks) }()

	ticks <- signal.Tick{Symbol: "BTCUSD", Price: 50000, Size: 1, Ts: time.Now()}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("aggregator did not stop")
	}
}

func TestBuilderBuild(t *testing.T) {
	agg := NewBarAggregator(time.Minute, 100)
	agg.Seed("XAUUSD", rampBars(60, 2000, 0.2))
	agg.OnTick(signal.Tick{Symbol: "XAUUSD", Price: 2012, Bid: 2011.9, Ask: 2012.1, Ts: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)})

	table := session.NewTable([]session.Window{{Name: "OVERLAP", StartHour: 13, EndHour: 16, Multiplier: 1.8, Score: 0.95}}, session.Window{}, 0)
	now := func() time.Time { return time.Date(2026, 3, 2, 14, 0, 5, 0, time.UTC) }
	builder := NewBuilder(agg, table, map[string]float64{"XAUUSD": 0.1}, 50, now)

	snap, err := builder.Build("XAUUSD")
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(snap.Bars) != 50 {
		t.Fatalf("expected 50 bars, got %d", len(snap.Bars))
	}
	if snap.SpreadPips < 1.99 || snap.SpreadPips > 2.01 {
		t.Fatalf("expected 2 pip spread, got %.4f", snap.SpreadPips)
	}
	if snap.Session != "OVERLAP" || snap.SessionScore != 0.95 {
		t.Fatalf("unexpected session %s %.2f", snap.Session, snap.SessionScore)
	}
	if !snap.Indicators.Ready {
		t.Fatalf("expected ready indicators")
	}

	if _, err := builder.Build("BTCUSD"); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}
}

func TestBarAggregatorQuoteOnlyTicks(t *testing.T) {
	agg := NewBarAggregator(time.Minute, 10)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	agg.OnTick(signal.Tick{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Ts: t0})
	if len(agg.Bars("BTCUSDT", 0)) != 0 {
		t.Fatalf("quote-only tick must not create a bar")
	}
	agg.OnTick(signal.Tick{Symbol: "BTCUSDT", Price: 100.5, Size: 2, Ts: t0.Add(time.Second)})
	q, ok := agg.Quote("BTCUSDT")
	if !ok || q.Bid != 99.9 || q.Ask != 100.1 {
		t.Fatalf("trade tick overwrote book quote: %+v", q)
	}
	bars := agg.Bars("BTCUSDT", 0)
	if len(bars) != 1 || bars[0].Close != 100.5 || bars[0].Volume != 2 {
		t.Fatalf("unexpected bars %+v", bars)
	}
}
