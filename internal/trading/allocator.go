// Package trading sizes orders. All arithmetic at the order boundary runs
// on fixed-scale decimals; floats only exist on the indicator side.
package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
)

// ErrBelowMinNotional rejects orders under the venue's notional floor.
type ErrBelowMinNotional struct {
	Symbol   string
	Notional float64
	Min      float64
}

func (e *ErrBelowMinNotional) Error() string {
	return fmt.Sprintf("%s: order notional %.4f below venue minimum %.4f", e.Symbol, e.Notional, e.Min)
}

// Allocator splits available equity evenly across the configured symbol
// set and sizes opening positions at a fixed fraction times leverage.
// A symbol with an open position still claims its slot; there is no
// cross-symbol reallocation.
type Allocator struct {
	symbolCount     int
	positionSizePct decimal.Decimal
	leverage        decimal.Decimal
}

// NewAllocator fixes the split for the run.
func NewAllocator(symbolCount, leverage int, positionSizePct float64) *Allocator {
	return &Allocator{
		symbolCount:     symbolCount,
		positionSizePct: decimal.NewFromFloat(positionSizePct),
		leverage:        decimal.NewFromInt(int64(leverage)),
	}
}

// EntrySize computes the opening quantity for one symbol from fresh
// available equity. Truncation is toward zero so the result is always
// affordable; the min-notional floor is asserted after truncation.
func (a *Allocator) EntrySize(availableEquity, markPrice float64, prec binance.SymbolPrecision) (float64, error) {
	if markPrice <= 0 {
		return 0, fmt.Errorf("%s: invalid mark price %v", prec.Symbol, markPrice)
	}
	equity := decimal.NewFromFloat(availableEquity)
	perSymbol := equity.Div(decimal.NewFromInt(int64(a.symbolCount)))
	margin := perSymbol.Mul(a.positionSizePct)
	notional := margin.Mul(a.leverage)
	price := decimal.NewFromFloat(markPrice)

	qty := notional.Div(price).Truncate(int32(prec.QtyPrecision))
	return a.check(qty, price, prec)
}

// AddSize truncates a scale-in quantity (0.5x the current position) to
// the venue's precision and applies the same notional floor.
func (a *Allocator) AddSize(rawQty, markPrice float64, prec binance.SymbolPrecision) (float64, error) {
	if markPrice <= 0 {
		return 0, fmt.Errorf("%s: invalid mark price %v", prec.Symbol, markPrice)
	}
	qty := decimal.NewFromFloat(rawQty).Truncate(int32(prec.QtyPrecision))
	return a.check(qty, decimal.NewFromFloat(markPrice), prec)
}

func (a *Allocator) check(qty, price decimal.Decimal, prec binance.SymbolPrecision) (float64, error) {
	notional := qty.Mul(price)
	if qty.IsZero() || notional.LessThan(decimal.NewFromFloat(prec.MinNotional)) {
		n, _ := notional.Float64()
		return 0, &ErrBelowMinNotional{Symbol: prec.Symbol, Notional: n, Min: prec.MinNotional}
	}
	f, _ := qty.Float64()
	return f, nil
}
