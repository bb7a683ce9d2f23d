package market

import (
	"math"
	"testing"
	"time"

	"github.com/deviazarina/trepod/internal/signal"
)

func rampBars(n int, start, step float64) []signal.Bar {
	bars := make([]signal.Bar, n)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	px := start
	for i := range bars {
		bars[i] = signal.Bar{Open: px, High: px + 0.5, Low: px - 0.5, Close: px + step, Volume: 100, Start: t0.Add(time.Duration(i) * time.Minute)}
		px += step
	}
	return bars
}

func TestEMAConstantSeries(t *testing.T) {
	xs := []float64{5, 5, 5, 5, 5, 5}
	out := EMA(xs, 3)
	if !math.IsNaN(out[1]) {
		t.Fatalf("expected NaN before warmup, got %.4f", out[1])
	}
	if math.Abs(out[5]-5) > 1e-9 {
		t.Fatalf("expected 5, got %.4f", out[5])
	}
}

func TestRSIExtremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if got := RSI(up, 14); got != 100 {
		t.Fatalf("expected 100 for monotonic rise, got %.2f", got)
	}
	flat := make([]float64, 20)
	if got := RSI(flat, 14); got != 50 {
		t.Fatalf("expected 50 for flat series, got %.2f", got)
	}
	if got := RSI(up[:5], 14); !math.IsNaN(got) {
		t.Fatalf("expected NaN for short series, got %.2f", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	bars := rampBars(30, 100, 0)
	if got := ATR(bars, 14); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected ATR 1, got %.4f", got)
	}
}

func TestComputeReadiness(t *testing.T) {
	short := Compute(rampBars(20, 100, 0.1))
	if short.Ready {
		t.Fatalf("expected indicators not ready on 20 bars")
	}
	if math.IsNaN(short.EMA50) || math.IsNaN(short.MACDSignal) {
		t.Fatalf("expected NaN values zeroed when not ready")
	}

	full := Compute(rampBars(80, 100, 0.1))
	if !full.Ready {
		t.Fatalf("expected indicators ready on 80 bars")
	}
	if !(full.EMA8 > full.EMA20 && full.EMA20 > full.EMA50) {
		t.Fatalf("expected bullish EMA stack on ramp, got %+v", full)
	}
	if full.MACD <= 0 {
		t.Fatalf("expected positive MACD on ramp, got %.4f", full.MACD)
	}
}
