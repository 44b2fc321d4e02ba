package strategy

import (
	"testing"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/indicators"
)

const hourMs = 3_600_000

// bar builds a decision row with ready indicators.
func bar(openTime int64, high, low, close, avg20, avg60, atr float64) indicators.Bar {
	return indicators.Bar{
		Kline: binance.Kline{OpenTime: openTime, Open: close, High: high, Low: low, Close: close},
		Avg20: indicators.Value{V: avg20, Ready: true},
		Avg60: indicators.Value{V: avg60, Ready: true},
		ATR14: indicators.Value{V: atr, Ready: true},
	}
}

func notReadyBar(openTime int64) indicators.Bar {
	return indicators.Bar{
		Kline: binance.Kline{OpenTime: openTime, Open: 100, High: 101, Low: 99, Close: 100},
	}
}

func testParams() config.StrategyParams {
	p := config.DefaultStrategyParams()
	p.StopLossConfirmBars = 3
	return p
}

func longState(qty float64) *SymbolState {
	st := &SymbolState{Symbol: "BTCUSDT"}
	st.Direction = DirectionLong
	st.EntryPrice = 100
	st.Quantity = qty
	st.StopLoss = 98
	return st
}

func TestEntryLongOnPullbackInUptrend(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "BTCUSDT"}

	// Uptrend, low pulls back to within 1% of AVG20, close back above.
	a := e.Evaluate(st, bar(hourMs, 102, 99.5, 101, 100, 90, 1))
	if a.Type != ActionOpenLong {
		t.Fatalf("expected OPEN_LONG, got %v", a.Type)
	}
	if want := 98.0; a.StopLoss != want {
		t.Errorf("initial stop = %v, want %v", a.StopLoss, want)
	}
	if a.Price != 101 {
		t.Errorf("decision price = %v, want bar close 101", a.Price)
	}
}

func TestEntryShortOnPullbackInDowntrend(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "ETHUSDT"}

	a := e.Evaluate(st, bar(hourMs, 100.5, 98, 99, 100, 110, 1))
	if a.Type != ActionOpenShort {
		t.Fatalf("expected OPEN_SHORT, got %v", a.Type)
	}
	if want := 102.0; a.StopLoss != want {
		t.Errorf("initial stop = %v, want %v", a.StopLoss, want)
	}
}

func TestNoEntryWithoutPullback(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "BTCUSDT"}

	// Uptrend but the low never comes near AVG20.
	a := e.Evaluate(st, bar(hourMs, 110, 105, 108, 100, 90, 1))
	if a.Type != ActionNone {
		t.Errorf("expected NONE without a pullback, got %v", a.Type)
	}
}

func TestSameBarProcessedOnce(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "BTCUSDT"}

	row := bar(hourMs, 102, 99.5, 101, 100, 90, 1)
	if a := e.Evaluate(st, row); a.Type != ActionOpenLong {
		t.Fatalf("first pass should signal entry, got %v", a.Type)
	}
	seq := st.BarSeq

	// The identical bar again: gated, no counter movement.
	if a := e.Evaluate(st, row); a.Type != ActionNone {
		t.Errorf("repeated bar should be ignored, got %v", a.Type)
	}
	if st.BarSeq != seq {
		t.Errorf("bar sequence advanced on a repeated bar: %d -> %d", seq, st.BarSeq)
	}

	// An older bar is ignored too.
	if a := e.Evaluate(st, bar(hourMs-1, 102, 99.5, 101, 100, 90, 1)); a.Type != ActionNone {
		t.Errorf("stale bar should be ignored, got %v", a.Type)
	}
}

func TestNotReadyIndicatorsSkipBar(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "BTCUSDT"}

	if a := e.Evaluate(st, notReadyBar(hourMs)); a.Type != ActionNone {
		t.Errorf("expected NONE on unready indicators, got %v", a.Type)
	}
	// The bar still consumes the gate.
	if st.LastBarOpenTime != hourMs {
		t.Errorf("bar gate not advanced on unready bar")
	}
}

func TestTrailingStopMonotone(t *testing.T) {
	e := NewEngine(testParams())
	st := longState(1)

	// AVG20 rises: stop follows to 105*0.98.
	e.Evaluate(st, bar(hourMs, 106, 104.5, 105.5, 105, 95, 1))
	if want := 105 * 0.98; st.StopLoss != want {
		t.Fatalf("stop = %v, want %v", st.StopLoss, want)
	}
	raised := st.StopLoss

	// AVG20 falls back: the stop never loosens.
	e.Evaluate(st, bar(2*hourMs, 104, 102.9, 103.5, 102, 95, 1))
	if st.StopLoss != raised {
		t.Errorf("stop loosened from %v to %v", raised, st.StopLoss)
	}
}

func TestEmergencyStopBeatsEverything(t *testing.T) {
	e := NewEngine(testParams())
	st := longState(2)

	// Breach of 5 ATR below AVG20 on a single bar.
	a := e.Evaluate(st, bar(hourMs, 100, 95, 96, 100, 95, 1))
	if a.Type != ActionClose {
		t.Fatalf("expected CLOSE, got %v", a.Type)
	}
	if a.CloseReason != CloseEmergency {
		t.Errorf("close reason = %v, want emergency", a.CloseReason)
	}
	// One bar, no confirmation accumulation needed.
	if st.BelowStopCt != 0 {
		t.Errorf("emergency close should not consume the confirmation counter")
	}
}

func TestConfirmationStopNeedsConsecutiveTouches(t *testing.T) {
	e := NewEngine(testParams()) // 3 confirm bars
	st := longState(1)

	touch := func(seq int64) Action {
		// Low touches the 98 stop without an emergency-scale breach.
		return e.Evaluate(st, bar(seq*hourMs, 100.5, 97.9, 100.2, 100, 95, 1))
	}

	if a := touch(1); a.Type != ActionNone {
		t.Fatalf("first touch closed early: %v", a.Type)
	}
	if a := touch(2); a.Type != ActionNone {
		t.Fatalf("second touch closed early: %v", a.Type)
	}
	a := touch(3)
	if a.Type != ActionClose || a.CloseReason != CloseStopConfirmed {
		t.Fatalf("third touch should confirm the stop, got %v/%v", a.Type, a.CloseReason)
	}
}

func TestConfirmationCounterResetsOnCleanBar(t *testing.T) {
	e := NewEngine(testParams())
	st := longState(1)

	e.Evaluate(st, bar(hourMs, 100.5, 97.9, 100.2, 100, 95, 1))
	e.Evaluate(st, bar(2*hourMs, 100.5, 97.9, 100.2, 100, 95, 1))
	if st.BelowStopCt != 2 {
		t.Fatalf("counter = %d after two touches, want 2", st.BelowStopCt)
	}

	// A bar clear of the stop resets the streak. Low stays above the
	// stop and outside the pullback band so no add fires either.
	e.Evaluate(st, bar(3*hourMs, 103, 101.5, 102, 100, 95, 1))
	if st.BelowStopCt != 0 {
		t.Errorf("counter = %d after clean bar, want 0", st.BelowStopCt)
	}
}

func TestAddRequiresIntervalAndCap(t *testing.T) {
	p := testParams() // add interval 3, max adds 3
	e := NewEngine(p)
	st := longState(2)

	addBar := func(seq int64) Action {
		return e.Evaluate(st, bar(seq*hourMs, 101, 99.5, 100.5, 100, 95, 1))
	}

	// Bars 1 and 2 are inside the interval gate.
	if a := addBar(1); a.Type != ActionNone {
		t.Fatalf("add fired inside the interval gate: %v", a.Type)
	}
	if a := addBar(2); a.Type != ActionNone {
		t.Fatalf("add fired inside the interval gate: %v", a.Type)
	}

	// Bar 3 satisfies the gate; quantity is half the position.
	a := addBar(3)
	if a.Type != ActionAdd {
		t.Fatalf("expected ADD at interval boundary, got %v", a.Type)
	}
	if want := 1.0; a.Quantity != want {
		t.Errorf("add quantity = %v, want %v", a.Quantity, want)
	}

	// Simulate the fill, then exhaust the cap.
	st.ApplyAdd(a.Quantity)
	st.AddCount = p.MaxAddCount
	if a := addBar(7); a.Type != ActionNone {
		t.Errorf("add fired past max_add_count: %v", a.Type)
	}
}

func TestAddIntervalCountsFromLastAdd(t *testing.T) {
	e := NewEngine(testParams())
	st := longState(2)

	addBar := func(seq int64) Action {
		return e.Evaluate(st, bar(seq*hourMs, 101, 99.5, 100.5, 100, 95, 1))
	}

	a := addBar(3)
	if a.Type != ActionAdd {
		t.Fatalf("expected first ADD, got %v", a.Type)
	}
	st.ApplyAdd(a.Quantity)

	// Two bars after the add: still gated.
	if a := addBar(4); a.Type != ActionNone {
		t.Fatalf("add fired too soon after previous add: %v", a.Type)
	}
	if a := addBar(5); a.Type != ActionNone {
		t.Fatalf("add fired too soon after previous add: %v", a.Type)
	}
	if a := addBar(6); a.Type != ActionAdd {
		t.Errorf("expected second ADD three bars later, got %v", a.Type)
	}
}

func TestRecoveredStopPendingSeedsOnFirstReadyBar(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "BTCUSDT"}
	st.Recover(DirectionLong, 100, 1, 3, 0, false)

	if !st.StopPending {
		t.Fatal("recovered state without indicators should have a pending stop")
	}

	e.Evaluate(st, bar(hourMs, 101, 99.8, 100.5, 100, 95, 1))
	if st.StopPending {
		t.Error("first ready bar should clear the pending stop")
	}
	if want := 98.0; st.StopLoss != want {
		t.Errorf("seeded stop = %v, want %v", st.StopLoss, want)
	}
}

func TestRecoveredPositionNeverAdds(t *testing.T) {
	p := testParams()
	e := NewEngine(p)
	st := &SymbolState{Symbol: "BTCUSDT"}
	st.Recover(DirectionLong, 100, 1, p.MaxAddCount, 98, true)

	// A perfect add setup well past the interval gate.
	for seq := int64(1); seq <= 10; seq++ {
		a := e.Evaluate(st, bar(seq*hourMs, 101, 99.5, 100.5, 100, 95, 1))
		if a.Type == ActionAdd {
			t.Fatalf("recovered position added at bar %d", seq)
		}
	}
}

func TestExitPreservesBarGate(t *testing.T) {
	st := longState(1)
	st.LastBarOpenTime = 5 * hourMs
	st.BarSeq = 5

	st.ApplyExit()
	if st.HasPosition() {
		t.Fatal("exit should clear the position")
	}
	if st.LastBarOpenTime != 5*hourMs || st.BarSeq != 5 {
		t.Error("exit must not rewind the bar gate")
	}
}

func TestShortTrailingStopAndConfirm(t *testing.T) {
	e := NewEngine(testParams())
	st := &SymbolState{Symbol: "ETHUSDT"}
	st.Direction = DirectionShort
	st.EntryPrice = 100
	st.Quantity = 1
	st.StopLoss = 102

	// AVG20 falls: short stop tightens downward.
	e.Evaluate(st, bar(hourMs, 98.5, 96, 97, 98, 105, 1))
	if want := 98 * 1.02; st.StopLoss != want {
		t.Fatalf("short stop = %v, want %v", st.StopLoss, want)
	}
	tightened := st.StopLoss

	// AVG20 rises again: stop holds.
	e.Evaluate(st, bar(2*hourMs, 99.5, 98.5, 99, 99.5, 105, 1))
	if st.StopLoss != tightened {
		t.Errorf("short stop loosened from %v to %v", tightened, st.StopLoss)
	}
}
