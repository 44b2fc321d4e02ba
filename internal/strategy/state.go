package strategy

import (
	"sync"
	"time"
)

// Direction is the position direction of a symbol state machine.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// SymbolState is the durable-within-run memory of one symbol's state
// machine. It has exactly one writer (the controller goroutine handling
// the symbol); everyone else reads snapshots through the Store.
type SymbolState struct {
	Symbol string `json:"symbol"`

	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	StopLoss   float64   `json:"stop_loss"`

	// StopPending marks a recovered position whose stop could not be
	// recomputed yet because indicators were not ready.
	StopPending bool `json:"stop_pending"`

	AddCount    int `json:"add_count"`
	BelowStopCt int `json:"below_stop_ct"`

	EntryBarSeq   int64 `json:"entry_bar_seq"`
	LastAddBarSeq int64 `json:"last_add_bar_seq"`
	BarSeq        int64 `json:"bar_seq"`

	// LastBarOpenTime (epoch ms) strictly increases; bars at or before it
	// are ignored.
	LastBarOpenTime int64 `json:"last_bar_open_time"`

	UpdatedAt time.Time `json:"updated_at"`
}

// HasPosition reports whether the state machine holds a position.
func (s *SymbolState) HasPosition() bool {
	return s.Direction != DirectionNone
}

// ApplyEntry records a filled opening order.
func (s *SymbolState) ApplyEntry(dir Direction, avgPrice, qty, stopLoss float64) {
	s.Direction = dir
	s.EntryPrice = avgPrice
	s.Quantity = qty
	s.StopLoss = stopLoss
	s.StopPending = false
	s.AddCount = 0
	s.BelowStopCt = 0
	s.EntryBarSeq = s.BarSeq
	s.LastAddBarSeq = s.BarSeq
	s.UpdatedAt = time.Now()
}

// ApplyAdd records a filled scale-in order.
func (s *SymbolState) ApplyAdd(qty float64) {
	s.Quantity += qty
	s.AddCount++
	s.LastAddBarSeq = s.BarSeq
	s.UpdatedAt = time.Now()
}

// ApplyExit clears the position fields. Bar counters survive: the same
// bar must never be processed twice, exit or not.
func (s *SymbolState) ApplyExit() {
	s.Direction = DirectionNone
	s.EntryPrice = 0
	s.Quantity = 0
	s.StopLoss = 0
	s.StopPending = false
	s.AddCount = 0
	s.BelowStopCt = 0
	s.UpdatedAt = time.Now()
}

// Recover rebuilds state from a venue-reported position after restart.
// AddCount is pinned to maxAddCount so a restarted process can never
// over-add. When the stop cannot be computed yet, StopPending is set and
// the first ready bar seeds it.
func (s *SymbolState) Recover(dir Direction, entryPrice, qty float64, maxAddCount int, stopLoss float64, stopReady bool) {
	s.Direction = dir
	s.EntryPrice = entryPrice
	s.Quantity = qty
	s.AddCount = maxAddCount
	s.BelowStopCt = 0
	s.StopLoss = stopLoss
	s.StopPending = !stopReady
	s.UpdatedAt = time.Now()
}

// Store owns the per-symbol states. Mutation goes through the owning
// controller goroutine; concurrent readers get copies.
type Store struct {
	mu     sync.RWMutex
	states map[string]*SymbolState
}

// NewStore creates a Store with one state per symbol.
func NewStore(symbols []string) *Store {
	states := make(map[string]*SymbolState, len(symbols))
	for _, sym := range symbols {
		states[sym] = &SymbolState{Symbol: sym}
	}
	return &Store{states: states}
}

// Replace writes back the owning controller's working copy. The owner
// mutates a local copy during fetch/decide/execute so no lock is held
// across network calls; readers only ever see the committed value.
func (st *Store) Replace(symbol string, s SymbolState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.states[symbol]; ok {
		*cur = s
	}
}

// Snapshot returns a consistent copy of one symbol's state.
func (st *Store) Snapshot(symbol string) (SymbolState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.states[symbol]
	if !ok {
		return SymbolState{}, false
	}
	return *s, true
}

// SnapshotAll returns consistent copies of every symbol state.
func (st *Store) SnapshotAll() []SymbolState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]SymbolState, 0, len(st.states))
	for _, s := range st.states {
		out = append(out, *s)
	}
	return out
}
