package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
)

// ShadowBroker is the paper-trading Broker: real candles from the public
// market data API, simulated balance and fills. Fills are assumed at the
// close of the decision bar, which is the same price the strategy based
// its decision on.
type ShadowBroker struct {
	public  *binance.Client
	dataDir string
	logger  zerolog.Logger

	mu        sync.Mutex
	balance   float64
	positions map[string]*shadowPosition
	lastClose map[string]float64
}

type shadowPosition struct {
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	Leverage   int     `json:"leverage"`
}

// shadowSignal is one journaled simulated fill.
type shadowSignal struct {
	Time         time.Time `json:"time"`
	Symbol       string    `json:"symbol"`
	Action       string    `json:"action"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	PriceAssumed float64   `json:"price_assumed"`
	PnL          float64   `json:"pnl,omitempty"`
	Balance      float64   `json:"balance"`
}

// shadowEquity is one journaled balance reading.
type shadowEquity struct {
	Time          time.Time `json:"time"`
	Balance       float64   `json:"balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenPositions int       `json:"open_positions"`
}

// NewShadowBroker creates the simulator with a starting balance. dataDir
// receives the signal and equity journals as JSON lines.
func NewShadowBroker(testnet bool, startBalance float64, dataDir string) (*ShadowBroker, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shadow data dir: %w", err)
	}
	return &ShadowBroker{
		public:    binance.NewPublicClient(testnet),
		dataDir:   dataDir,
		logger:    logging.WithComponent("shadow"),
		balance:   startBalance,
		positions: make(map[string]*shadowPosition),
		lastClose: make(map[string]float64),
	}, nil
}

func (s *ShadowBroker) Ping(ctx context.Context) error     { return s.public.Ping(ctx) }
func (s *ShadowBroker) SyncTime(ctx context.Context) error { return s.public.SyncTime(ctx) }

// SetLeverage is a no-op: the simulator books positions, it has no
// venue-side account to configure.
func (s *ShadowBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *ShadowBroker) SetMarginType(ctx context.Context, symbol string, marginType binance.MarginType) error {
	return nil
}

// GetKlines passes through to the public API and records the close of
// the last completed candle as the fill price assumption for the symbol.
func (s *ShadowBroker) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	klines, err := s.public.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(klines) >= 2 {
		s.markToMarket(symbol, klines[len(klines)-2].Close)
	}
	return klines, nil
}

// markToMarket moves the fill price assumption to the latest completed
// close. A changed close under an open position moves the book's
// mark-to-market value, so it gets an equity journal point.
func (s *ShadowBroker) markToMarket(symbol string, close float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.lastClose[symbol]
	s.lastClose[symbol] = close
	if seen && prev == close {
		return
	}
	if _, open := s.positions[symbol]; !open {
		return
	}
	s.journalEquity()
}

func (s *ShadowBroker) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	px, ok := s.lastClose[symbol]
	s.mu.Unlock()
	if ok {
		return px, nil
	}
	return s.public.GetTickerPrice(ctx, symbol)
}

func (s *ShadowBroker) GetSymbolPrecision(ctx context.Context, symbol string) (binance.SymbolPrecision, error) {
	return s.public.GetSymbolPrecision(ctx, symbol)
}

// GetBalance reports the simulated balance with unrealized PnL marked at
// the last assumed prices.
func (s *ShadowBroker) GetBalance(ctx context.Context) (binance.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unrealized := s.unrealizedLocked()
	return binance.Balance{
		Total:         s.balance + unrealized,
		Available:     s.balance,
		UnrealizedPnL: unrealized,
	}, nil
}

func (p *shadowPosition) pnlAt(mark float64) float64 {
	if p.Side == "SHORT" {
		return (p.EntryPrice - mark) * p.Quantity
	}
	return (mark - p.EntryPrice) * p.Quantity
}

// unrealizedLocked sums mark-to-market PnL over the open book. Callers
// hold s.mu.
func (s *ShadowBroker) unrealizedLocked() float64 {
	total := 0.0
	for sym, p := range s.positions {
		if mark, ok := s.lastClose[sym]; ok {
			total += p.pnlAt(mark)
		}
	}
	return total
}

// journalEquity writes one equity point with the current mark-to-market
// value. Callers hold s.mu.
func (s *ShadowBroker) journalEquity() {
	s.appendJournal("shadow_equity.json", shadowEquity{
		Time:          time.Now().UTC(),
		Balance:       s.balance,
		UnrealizedPnL: s.unrealizedLocked(),
		OpenPositions: len(s.positions),
	})
}

func (s *ShadowBroker) GetAllPositions(ctx context.Context) ([]binance.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]binance.Position, 0, len(s.positions))
	for sym, p := range s.positions {
		pos := binance.Position{
			Symbol:     sym,
			Side:       p.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
			Leverage:   p.Leverage,
			MarginType: binance.MarginTypeIsolated,
		}
		if mark, ok := s.lastClose[sym]; ok {
			pos.UnrealizedPnL = p.pnlAt(mark)
		}
		out = append(out, pos)
	}
	return out, nil
}

// MarketOrder books a simulated fill at the assumed price: a new
// position when flat, a blended scale-in when one is open in the same
// direction.
func (s *ShadowBroker) MarketOrder(ctx context.Context, symbol string, side binance.OrderSide, quantity float64) (*binance.OrderResult, error) {
	price, err := s.GetTickerPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("no price assumption for %s: %w", symbol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	posSide := "LONG"
	if side == binance.SideSell {
		posSide = "SHORT"
	}

	action := "entry"
	if p, ok := s.positions[symbol]; ok {
		if p.Side != posSide {
			return nil, fmt.Errorf("%s: simulated order against open %s position", symbol, p.Side)
		}
		action = "add"
		total := p.Quantity + quantity
		p.EntryPrice = (p.EntryPrice*p.Quantity + price*quantity) / total
		p.Quantity = total
	} else {
		s.positions[symbol] = &shadowPosition{Side: posSide, Quantity: quantity, EntryPrice: price}
	}

	s.appendJournal("shadow_signals.json", shadowSignal{
		Time: time.Now().UTC(), Symbol: symbol, Action: action,
		Side: posSide, Quantity: quantity, PriceAssumed: price, Balance: s.balance,
	})
	s.journalEquity()

	return &binance.OrderResult{
		OrderID:        time.Now().UnixNano(),
		Symbol:         symbol,
		Side:           side,
		ExecutedQty:    quantity,
		AvgPrice:       price,
		AvgPriceSource: binance.AvgPriceDerived,
		Status:         binance.OrderStatusFilled,
	}, nil
}

// ClosePosition realizes PnL into the simulated balance.
func (s *ShadowBroker) ClosePosition(ctx context.Context, symbol string) (*binance.OrderResult, error) {
	price, err := s.GetTickerPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("no price assumption for %s: %w", symbol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	delete(s.positions, symbol)

	pnl := p.pnlAt(price)
	s.balance += pnl

	side := binance.SideSell
	if p.Side == "SHORT" {
		side = binance.SideBuy
	}

	s.appendJournal("shadow_signals.json", shadowSignal{
		Time: time.Now().UTC(), Symbol: symbol, Action: "close",
		Side: p.Side, Quantity: p.Quantity, PriceAssumed: price, PnL: pnl, Balance: s.balance,
	})
	s.journalEquity()

	return &binance.OrderResult{
		OrderID:        time.Now().UnixNano(),
		Symbol:         symbol,
		Side:           side,
		ExecutedQty:    p.Quantity,
		AvgPrice:       price,
		AvgPriceSource: binance.AvgPriceDerived,
		Status:         binance.OrderStatusFilled,
	}, nil
}

// appendJournal writes one JSON line. Journal failures are logged, never
// surfaced: the simulation keeps running.
func (s *ShadowBroker) appendJournal(name string, v interface{}) {
	path := filepath.Join(s.dataDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("shadow journal open failed")
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("shadow journal write failed")
	}
}
