package market

import (
	"math"

	"github.com/deviazarina/trepod/internal/signal"
)

const (
	atrPeriod  = 14
	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	// ReadyBars is the window length at which every indicator is defined.
	ReadyBars = 50
)

// Compute derives the snapshot indicator set from bars (oldest first).
func Compute(bars []signal.Bar) signal.Indicators {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	ind := signal.Indicators{
		ATR:   ATR(bars, atrPeriod),
		RSI:   RSI(closes, rsiPeriod),
		EMA8:  last(EMA(closes, 8)),
		EMA20: last(EMA(closes, 20)),
		EMA50: last(EMA(closes, 50)),
	}
	ind.MACD, ind.MACDSignal = MACD(closes, macdFast, macdSlow, macdSignal)
	ind.Ready = len(bars) >= ReadyBars && !math.IsNaN(ind.EMA50) && !math.IsNaN(ind.MACDSignal)
	if !ind.Ready {
		ind = zeroNaN(ind)
	}
	return ind
}

// EMA returns the n-period exponential moving average aligned to xs, seeded with
// the simple average of the first n values. Indices before n-1 are NaN.
func EMA(xs []float64, n int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(xs) < n {
		return out
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += xs[i]
	}
	out[n-1] = sum / float64(n)
	k := 2.0 / float64(n+1)
	for i := n; i < len(xs); i++ {
		out[i] = xs[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the latest n-period Relative Strength Index using Wilder's smoothing,
// or NaN when fewer than n+1 closes are available.
func RSI(closes []float64, n int) float64 {
	if n <= 0 || len(closes) <= n {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(n)
	loss /= float64(n)
	for i := n + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(n-1) + up) / float64(n)
		loss = (loss*float64(n-1) + down) / float64(n)
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// TrueRanges returns the true range of every bar; the first bar uses high-low.
func TrueRanges(bars []signal.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// VolatilityRatio compares the mean true range of the last fast bars with the
// mean over the last slow bars. ok is false when the slow mean is zero.
func VolatilityRatio(bars []signal.Bar, fast, slow int) (ratio float64, ok bool) {
	trs := TrueRanges(bars)
	long := meanTail(trs, slow)
	if long <= 0 {
		return 0, false
	}
	return meanTail(trs, fast) / long, true
}

func meanTail(xs []float64, n int) float64 {
	if n > 0 && len(xs) > n {
		xs = xs[len(xs)-n:]
	}
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// ATR returns the latest Wilder-smoothed average true range, or NaN when short.
func ATR(bars []signal.Bar, n int) float64 {
	if n <= 0 || len(bars) < n {
		return math.NaN()
	}
	trs := TrueRanges(bars)
	var atr float64
	for i := 0; i < n; i++ {
		atr += trs[i]
	}
	atr /= float64(n)
	for i := n; i < len(trs); i++ {
		atr = (atr*float64(n-1) + trs[i]) / float64(n)
	}
	return atr
}

// MACD returns the latest MACD line and its signal line.
func MACD(closes []float64, fast, slow, sig int) (float64, float64) {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	if len(closes) < slow {
		return math.NaN(), math.NaN()
	}
	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	return line[len(line)-1], last(EMA(line, sig))
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}

func zeroNaN(ind signal.Indicators) signal.Indicators {
	fix := func(v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return v
	}
	ind.ATR = fix(ind.ATR)
	ind.RSI = fix(ind.RSI)
	ind.EMA8 = fix(ind.EMA8)
	ind.EMA20 = fix(ind.EMA20)
	ind.EMA50 = fix(ind.EMA50)
	ind.MACD = fix(ind.MACD)
	ind.MACDSignal = fix(ind.MACDSignal)
	return ind
}
