// Package indicators computes the indicator columns the BiGe strategy
// reads: rolling SMA/EMA at 20 and 60, their composite averages, and a
// 14-period ATR. Values that do not have enough history yet carry an
// explicit not-ready marker instead of a sentinel number.
package indicators

import (
	"math"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
)

const (
	PeriodShort = 20
	PeriodLong  = 60
	PeriodATR   = 14
)

// Value is an indicator sample. V is meaningless unless Ready is true.
type Value struct {
	V     float64
	Ready bool
}

func ready(v float64) Value { return Value{V: v, Ready: true} }

// Bar is a candle with its indicator columns attached.
type Bar struct {
	binance.Kline

	MA20  Value
	MA60  Value
	EMA20 Value
	EMA60 Value
	Avg20 Value
	Avg60 Value
	ATR14 Value
}

// Compute builds the indicator columns for an ascending candle series.
// For identical input the output is bit-identical: order of operations is
// fixed and everything stays in float64.
func Compute(klines []binance.Kline) []Bar {
	n := len(klines)
	bars := make([]Bar, n)
	if n == 0 {
		return bars
	}

	closes := make([]float64, n)
	for i, k := range klines {
		bars[i].Kline = k
		closes[i] = k.Close
	}

	ma20 := smaSeries(closes, PeriodShort)
	ma60 := smaSeries(closes, PeriodLong)
	ema20 := emaSeries(closes, PeriodShort)
	ema60 := emaSeries(closes, PeriodLong)
	atr14 := atrSeries(klines, PeriodATR)

	for i := 0; i < n; i++ {
		bars[i].MA20 = ma20[i]
		bars[i].MA60 = ma60[i]
		bars[i].EMA20 = ema20[i]
		bars[i].EMA60 = ema60[i]
		bars[i].ATR14 = atr14[i]
		if ma20[i].Ready && ema20[i].Ready {
			bars[i].Avg20 = ready((ma20[i].V + ema20[i].V) / 2)
		}
		if ma60[i].Ready && ema60[i].Ready {
			bars[i].Avg60 = ready((ma60[i].V + ema60[i].V) / 2)
		}
	}
	return bars
}

// smaSeries is the arithmetic mean of the last period closes; undefined
// before index period-1.
func smaSeries(closes []float64, period int) []Value {
	out := make([]Value, len(closes))
	var sum float64
	for i, c := range closes {
		sum += c
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			out[i] = ready(sum / float64(period))
		}
	}
	return out
}

// emaSeries seeds with closes[0] and applies the non-adjusting recursion
// ema[i] = alpha*close[i] + (1-alpha)*ema[i-1]. The seeding convention is
// load-bearing: live and backtest must agree bit-for-bit.
func emaSeries(closes []float64, period int) []Value {
	out := make([]Value, len(closes))
	if len(closes) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	ema := closes[0]
	out[0] = ready(ema)
	for i := 1; i < len(closes); i++ {
		ema = alpha*closes[i] + (1-alpha)*ema
		out[i] = ready(ema)
	}
	return out
}

// atrSeries is the simple mean of the last period true ranges. TR needs
// the previous close, so it exists from index 1; ATR is undefined for
// index < period.
func atrSeries(klines []binance.Kline, period int) []Value {
	out := make([]Value, len(klines))
	if len(klines) < 2 {
		return out
	}
	tr := make([]float64, len(klines))
	for i := 1; i < len(klines); i++ {
		highLow := klines[i].High - klines[i].Low
		highClose := math.Abs(klines[i].High - klines[i-1].Close)
		lowClose := math.Abs(klines[i].Low - klines[i-1].Close)
		tr[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}
	var sum float64
	for i := 1; i < len(klines); i++ {
		sum += tr[i]
		if i > period {
			sum -= tr[i-period]
		}
		if i >= period {
			out[i] = ready(sum / float64(period))
		}
	}
	return out
}
