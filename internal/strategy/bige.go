// Package strategy implements the BiGe 7x trend-following state machine:
// pullback entries along the AVG20/AVG60 trend, scale-ins on later
// pullbacks, a monotone AVG20-anchored trailing stop, a multi-bar
// confirmation stop and a single-bar ATR emergency stop.
package strategy

import (
	"math"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/indicators"
)

// ActionType is the single action a symbol may take on one bar.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionOpenLong
	ActionOpenShort
	ActionAdd
	ActionClose
)

func (a ActionType) String() string {
	switch a {
	case ActionOpenLong:
		return "OPEN_LONG"
	case ActionOpenShort:
		return "OPEN_SHORT"
	case ActionAdd:
		return "ADD"
	case ActionClose:
		return "CLOSE"
	default:
		return "NONE"
	}
}

// CloseReason says which stop fired.
type CloseReason string

const (
	CloseEmergency     CloseReason = "emergency"
	CloseStopConfirmed CloseReason = "stop_confirmed"
)

// Action is the decision for one symbol on one completed bar.
type Action struct {
	Type        ActionType
	Symbol      string
	CloseReason CloseReason
	// Quantity is set for adds (0.5x the current position, before
	// precision truncation). Opens are sized by the allocator.
	Quantity float64
	// StopLoss is the initial stop for opens.
	StopLoss float64
	// Price is the decision bar's close, the assumed price in shadow mode.
	Price float64
}

// Engine is the decision core. It is pure over (state, bar, params):
// no globals, no I/O, so live and shadow share it byte for byte.
type Engine struct {
	params config.StrategyParams
}

// NewEngine fixes the parameter closure for the run.
func NewEngine(params config.StrategyParams) *Engine {
	return &Engine{params: params}
}

// Params returns the fixed parameter set.
func (e *Engine) Params() config.StrategyParams {
	return e.params
}

// Evaluate processes one completed bar for one symbol and returns at most
// one action. It mutates the bookkeeping fields of st (bar gate, trailing
// stop, confirmation counter); position transitions are applied by the
// caller only after the order actually fills.
//
// Decision order is fixed: new-bar gate, readiness, trailing update,
// emergency stop, confirmation stop, add, entry.
func (e *Engine) Evaluate(st *SymbolState, row indicators.Bar) Action {
	none := Action{Type: ActionNone, Symbol: st.Symbol}

	// New-bar gate: the same bar must never be processed twice.
	if row.OpenTime <= st.LastBarOpenTime {
		return none
	}
	st.LastBarOpenTime = row.OpenTime
	st.BarSeq++

	if !row.Avg20.Ready || !row.Avg60.Ready || !row.ATR14.Ready {
		return none
	}
	avg20 := row.Avg20.V
	avg60 := row.Avg60.V
	atr := row.ATR14.V
	if avg20 <= 0 {
		return none
	}

	if st.HasPosition() {
		return e.managePosition(st, row, avg20, atr)
	}
	return e.tryEnter(st, row, avg20, avg60)
}

func (e *Engine) managePosition(st *SymbolState, row indicators.Bar, avg20, atr float64) Action {
	p := e.params
	long := st.Direction == DirectionLong

	// Trailing stop, monotone in favor of the position. A recovered
	// position with a pending stop gets seeded here instead.
	if long {
		newStop := avg20 * (1 - p.MA20Buffer)
		if st.StopPending || newStop > st.StopLoss {
			st.StopLoss = newStop
		}
	} else {
		newStop := avg20 * (1 + p.MA20Buffer)
		if st.StopPending || newStop < st.StopLoss {
			st.StopLoss = newStop
		}
	}
	st.StopPending = false

	// Emergency stop first: single-bar catastrophic breach in ATR units.
	if p.EmergencyStopATR > 0 {
		var breach float64
		if long {
			breach = avg20 - row.Low
		} else {
			breach = row.High - avg20
		}
		if breach > p.EmergencyStopATR*atr {
			return Action{Type: ActionClose, Symbol: st.Symbol, CloseReason: CloseEmergency, Price: row.Close}
		}
	}

	// Confirmation stop: consecutive touches of the trailing stop.
	touched := (long && row.Low <= st.StopLoss) || (!long && row.High >= st.StopLoss)
	if touched {
		if st.BelowStopCt < p.StopLossConfirmBars {
			st.BelowStopCt++
		}
		if st.BelowStopCt >= p.StopLossConfirmBars {
			return Action{Type: ActionClose, Symbol: st.Symbol, CloseReason: CloseStopConfirmed, Price: row.Close}
		}
	} else {
		st.BelowStopCt = 0
	}

	// Scale in on a fresh pullback to AVG20, at most maxAddCount times
	// and never closer than the bar interval gate.
	if st.AddCount >= p.MaxAddCount {
		return Action{Type: ActionNone, Symbol: st.Symbol}
	}
	lastActivity := st.EntryBarSeq
	if st.LastAddBarSeq > lastActivity {
		lastActivity = st.LastAddBarSeq
	}
	if st.BarSeq-lastActivity < int64(p.AddPositionMinInterval) {
		return Action{Type: ActionNone, Symbol: st.Symbol}
	}

	var addOK bool
	if long {
		addOK = math.Abs(row.Low-avg20)/avg20 < p.PullbackTolerance &&
			row.Low > st.StopLoss &&
			row.Close > avg20
	} else {
		addOK = math.Abs(row.High-avg20)/avg20 < p.PullbackTolerance &&
			row.High < st.StopLoss &&
			row.Close < avg20
	}
	if addOK {
		return Action{Type: ActionAdd, Symbol: st.Symbol, Quantity: 0.5 * st.Quantity, Price: row.Close}
	}
	return Action{Type: ActionNone, Symbol: st.Symbol}
}

func (e *Engine) tryEnter(st *SymbolState, row indicators.Bar, avg20, avg60 float64) Action {
	p := e.params

	uptrend := avg20 > avg60
	downtrend := avg20 < avg60

	if uptrend {
		pullback := math.Abs(row.Low-avg20)/avg20 < p.PullbackTolerance
		stop := avg20 * (1 - p.MA20Buffer)
		if pullback && row.Low > stop && row.Close > avg20 {
			return Action{Type: ActionOpenLong, Symbol: st.Symbol, StopLoss: stop, Price: row.Close}
		}
	}
	if downtrend {
		pullback := math.Abs(row.High-avg20)/avg20 < p.PullbackTolerance
		stop := avg20 * (1 + p.MA20Buffer)
		if pullback && row.High < stop && row.Close < avg20 {
			return Action{Type: ActionOpenShort, Symbol: st.Symbol, StopLoss: stop, Price: row.Close}
		}
	}
	return Action{Type: ActionNone, Symbol: st.Symbol}
}
