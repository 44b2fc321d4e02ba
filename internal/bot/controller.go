// Package bot runs the live and shadow controllers: the tick loop that
// fetches candles, evaluates the strategy per symbol and executes the
// resulting orders.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/api"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/database"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/indicators"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/metrics"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/notification"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/strategy"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/trading"
)

const (
	// klineLimit is the candle window per tick; indicators need at least
	// PeriodLong+1 bars and the extra history keeps the EMA seed stable.
	klineLimit = 200

	// maxConsecutiveErrors escalates repeated whole-tick failures.
	maxConsecutiveErrors = 5
)

// Broker is the execution surface the controller drives. The live
// controller passes the futures client; the shadow controller passes the
// simulator. Both expose identical semantics so the decision path cannot
// diverge between modes.
type Broker interface {
	Ping(ctx context.Context) error
	SyncTime(ctx context.Context) error
	GetBalance(ctx context.Context) (binance.Balance, error)
	GetAllPositions(ctx context.Context) ([]binance.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType binance.MarginType) error
	MarketOrder(ctx context.Context, symbol string, side binance.OrderSide, quantity float64) (*binance.OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (*binance.OrderResult, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolPrecision(ctx context.Context, symbol string) (binance.SymbolPrecision, error)
}

// Controller owns the tick loop for one process. One goroutine runs the
// loop; symbols are processed serially inside a tick so a process never
// races itself on the venue.
type Controller struct {
	cfg      *config.Config
	broker   Broker
	store    *strategy.Store
	engine   *strategy.Engine
	alloc    *trading.Allocator
	notifier *notification.Manager
	journal  *database.TradeRepository  // nil disables the journal
	mirror   *database.RedisStateMirror // nil disables the mirror
	logger   zerolog.Logger
	mode     string

	mu                sync.Mutex
	running           bool
	startedAt         time.Time
	lastTickAt        time.Time
	consecutiveErrors int
	equity            float64
	availableEquity   float64
	dayStartEquity    float64
	lastReportDay     string
	totalTrades       int
	winTrades         int
	totalPnLPct       float64
}

// New wires a controller. journal and mirror may be nil.
func New(cfg *config.Config, broker Broker, notifier *notification.Manager,
	journal *database.TradeRepository, mirror *database.RedisStateMirror) *Controller {

	mode := "live"
	if cfg.TradingConfig.Shadow {
		mode = "shadow"
	}
	return &Controller{
		cfg:      cfg,
		broker:   broker,
		store:    strategy.NewStore(cfg.TradingConfig.Symbols),
		engine:   strategy.NewEngine(cfg.StrategyParams),
		alloc:    trading.NewAllocator(len(cfg.TradingConfig.Symbols), cfg.StrategyParams.Leverage, cfg.StrategyParams.PositionSizePct),
		notifier: notifier,
		journal:  journal,
		mirror:   mirror,
		logger:   logging.WithComponent("bot").With().Str("mode", mode).Logger(),
		mode:     mode,
	}
}

// Store exposes the state store for the status API.
func (c *Controller) Store() *strategy.Store {
	return c.store
}

// Status implements api.StatusProvider.
func (c *Controller) Status() api.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	open := 0
	for _, st := range c.store.SnapshotAll() {
		if st.HasPosition() {
			open++
		}
	}
	return api.Status{
		Mode:              c.mode,
		Running:           c.running,
		Symbols:           c.cfg.TradingConfig.Symbols,
		Timeframe:         c.cfg.TradingConfig.Timeframe,
		Equity:            c.equity,
		AvailableEquity:   c.availableEquity,
		OpenPositions:     open,
		ConsecutiveErrors: c.consecutiveErrors,
		LastTickAt:        c.lastTickAt,
		StartedAt:         c.startedAt,
	}
}

// Init is the fail-fast startup sequence: connectivity, clock sync,
// per-symbol leverage and margin mode, a balance read and position
// recovery. Any error here aborts the process before the loop starts.
func (c *Controller) Init(ctx context.Context) error {
	if err := c.broker.Ping(ctx); err != nil {
		return fmt.Errorf("connectivity check failed: %w", err)
	}
	if err := c.broker.SyncTime(ctx); err != nil {
		return fmt.Errorf("clock sync failed: %w", err)
	}

	for _, sym := range c.cfg.TradingConfig.Symbols {
		if err := c.broker.SetLeverage(ctx, sym, c.cfg.StrategyParams.Leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", sym, err)
		}
		if err := c.broker.SetMarginType(ctx, sym, binance.MarginTypeIsolated); err != nil {
			return fmt.Errorf("set margin type for %s: %w", sym, err)
		}
	}

	bal, err := c.broker.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("initial balance read failed: %w", err)
	}
	c.mu.Lock()
	c.equity = bal.Total
	c.availableEquity = bal.Available
	c.dayStartEquity = bal.Total
	c.lastReportDay = reportSeedDay(time.Now())
	c.startedAt = time.Now()
	c.mu.Unlock()
	metrics.Equity.Set(bal.Total)
	metrics.AvailableEquity.Set(bal.Available)

	if err := c.recoverPositions(ctx); err != nil {
		return fmt.Errorf("position recovery failed: %w", err)
	}

	c.notifier.SendStartup(c.mode, c.cfg.TradingConfig.Symbols, c.cfg.TradingConfig.Timeframe, bal.Total)
	c.logger.Info().
		Strs("symbols", c.cfg.TradingConfig.Symbols).
		Str("timeframe", c.cfg.TradingConfig.Timeframe).
		Float64("equity", bal.Total).
		Msg("controller initialized")
	return nil
}

// Run blocks on the tick loop until ctx is cancelled. Ticks never
// overlap: the loop body runs synchronously and a slow tick simply
// delays the next one. Open positions are left untouched on shutdown;
// recovery picks them up on the next start.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	interval := time.Duration(c.cfg.TradingConfig.TickIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("tick loop started")
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.running = false
	totals := notification.ShutdownTotals{
		Runtime:     time.Since(c.startedAt),
		TotalTrades: c.totalTrades,
		WinTrades:   c.winTrades,
		TotalPnLPct: c.totalPnLPct,
	}
	c.mu.Unlock()

	c.notifier.SendShutdown(totals)
	c.logger.Info().Msg("controller stopped, open positions left on venue")
}

// tick runs one full pass over all symbols.
func (c *Controller) tick(ctx context.Context) {
	start := time.Now()
	tickFailed := false

	bal, err := c.broker.GetBalance(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("balance read failed, skipping tick")
		c.noteTickResult(true)
		return
	}
	c.mu.Lock()
	c.equity = bal.Total
	c.availableEquity = bal.Available
	c.mu.Unlock()
	metrics.Equity.Set(bal.Total)
	metrics.AvailableEquity.Set(bal.Available)

	for _, sym := range c.cfg.TradingConfig.Symbols {
		if ctx.Err() != nil {
			return
		}
		if err := c.processSymbol(ctx, sym, bal.Available); err != nil {
			tickFailed = true
			metrics.SymbolErrorsTotal.WithLabelValues(sym).Inc()
			var apiErr *binance.APIError
			if errors.As(err, &apiErr) {
				metrics.APIErrorsTotal.WithLabelValues(apiErr.Kind().String()).Inc()
			}
			c.logger.Error().Err(err).Str("symbol", sym).Msg("symbol pass failed")
		}
	}

	open := 0
	for _, st := range c.store.SnapshotAll() {
		if st.HasPosition() {
			open++
		}
	}
	metrics.OpenPositions.Set(float64(open))

	c.mu.Lock()
	c.lastTickAt = time.Now()
	c.mu.Unlock()

	c.noteTickResult(tickFailed)
	c.maybeHeartbeat(bal, open)
	c.maybeDailyReport(ctx, bal)

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
}

// noteTickResult tracks the escalation counter: five failed ticks in a
// row raise a SYSTEM_ERROR alert, then the counter restarts.
func (c *Controller) noteTickResult(failed bool) {
	c.mu.Lock()
	if failed {
		c.consecutiveErrors++
	} else {
		c.consecutiveErrors = 0
	}
	n := c.consecutiveErrors
	if n >= maxConsecutiveErrors {
		c.consecutiveErrors = 0
	}
	c.mu.Unlock()
	metrics.ConsecutiveErrors.Set(float64(n))

	if n >= maxConsecutiveErrors {
		c.notifier.SendAlert("SYSTEM_ERROR", fmt.Sprintf("%d consecutive failed ticks", n))
	}
}

// processSymbol is one symbol's fetch, decide, execute, commit pass. The
// working copy of the state is local; the store only sees the committed
// result, so no lock is held across network calls.
func (c *Controller) processSymbol(ctx context.Context, symbol string, availableEquity float64) error {
	klines, err := c.broker.GetKlines(ctx, symbol, c.cfg.TradingConfig.Timeframe, klineLimit)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	// The last candle is still forming; decisions run on the last
	// completed one. Short history is a data gap, not a failure: treat
	// it like unready indicators and wait for the next tick.
	if len(klines) < indicators.PeriodLong+2 {
		c.logger.Debug().Str("symbol", symbol).Int("candles", len(klines)).Msg("insufficient history, skipping")
		return nil
	}
	bars := indicators.Compute(klines[:len(klines)-1])
	row := bars[len(bars)-1]

	st, ok := c.store.Snapshot(symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %s", symbol)
	}

	action := c.engine.Evaluate(&st, row)
	if err := c.execute(ctx, &st, action, availableEquity); err != nil {
		// The bar gate already advanced: the bar was seen, the order did
		// not happen. Commit so the same bar is not retried with a
		// possibly stale decision.
		c.store.Replace(symbol, st)
		c.mirrorState(ctx, st)
		return err
	}

	c.store.Replace(symbol, st)
	c.mirrorState(ctx, st)
	return nil
}

func (c *Controller) mirrorState(ctx context.Context, st strategy.SymbolState) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Save(ctx, st); err != nil {
		c.logger.Warn().Err(err).Str("symbol", st.Symbol).Msg("state mirror write failed")
	}
}

// execute turns one action into at most one order and applies the state
// transition only after the fill is confirmed.
func (c *Controller) execute(ctx context.Context, st *strategy.SymbolState, action strategy.Action, availableEquity float64) error {
	switch action.Type {
	case strategy.ActionNone:
		return nil
	case strategy.ActionOpenLong:
		return c.open(ctx, st, strategy.DirectionLong, action, availableEquity)
	case strategy.ActionOpenShort:
		return c.open(ctx, st, strategy.DirectionShort, action, availableEquity)
	case strategy.ActionAdd:
		return c.add(ctx, st, action)
	case strategy.ActionClose:
		return c.close(ctx, st, action)
	default:
		return fmt.Errorf("unknown action %v", action.Type)
	}
}

func (c *Controller) open(ctx context.Context, st *strategy.SymbolState, dir strategy.Direction, action strategy.Action, availableEquity float64) error {
	prec, err := c.broker.GetSymbolPrecision(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch precision: %w", err)
	}
	mark, err := c.broker.GetTickerPrice(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch mark price: %w", err)
	}

	qty, err := c.alloc.EntrySize(availableEquity, mark, prec)
	if err != nil {
		var tooSmall *trading.ErrBelowMinNotional
		if errors.As(err, &tooSmall) {
			c.logger.Warn().Str("symbol", st.Symbol).Err(err).Msg("entry skipped, below min notional")
			return nil
		}
		return err
	}

	side := binance.SideBuy
	if dir == strategy.DirectionShort {
		side = binance.SideSell
	}
	res, err := c.broker.MarketOrder(ctx, st.Symbol, side, qty)
	if err != nil {
		return fmt.Errorf("entry order: %w", err)
	}

	st.ApplyEntry(dir, res.AvgPrice, res.ExecutedQty, action.StopLoss)
	metrics.OrdersTotal.WithLabelValues(st.Symbol, "entry").Inc()
	c.logger.Info().
		Str("symbol", st.Symbol).
		Str("side", dir.String()).
		Float64("qty", res.ExecutedQty).
		Float64("price", res.AvgPrice).
		Float64("stop", action.StopLoss).
		Msg("position opened")
	c.notifier.SendEntry(st.Symbol, dir.String(), res.ExecutedQty, res.AvgPrice, action.StopLoss)

	if c.journal != nil {
		if _, err := c.journal.RecordEntry(ctx, st.Symbol, dir.String(), res.AvgPrice, res.ExecutedQty, action.StopLoss, c.mode == "shadow"); err != nil {
			c.logger.Warn().Err(err).Msg("trade journal write failed")
		}
	}
	return nil
}

func (c *Controller) add(ctx context.Context, st *strategy.SymbolState, action strategy.Action) error {
	prec, err := c.broker.GetSymbolPrecision(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch precision: %w", err)
	}
	mark, err := c.broker.GetTickerPrice(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch mark price: %w", err)
	}

	qty, err := c.alloc.AddSize(action.Quantity, mark, prec)
	if err != nil {
		var tooSmall *trading.ErrBelowMinNotional
		if errors.As(err, &tooSmall) {
			c.logger.Warn().Str("symbol", st.Symbol).Err(err).Msg("add skipped, below min notional")
			return nil
		}
		return err
	}

	side := binance.SideBuy
	if st.Direction == strategy.DirectionShort {
		side = binance.SideSell
	}
	res, err := c.broker.MarketOrder(ctx, st.Symbol, side, qty)
	if err != nil {
		return fmt.Errorf("add order: %w", err)
	}

	// Blend the average entry before the quantity moves.
	total := st.Quantity + res.ExecutedQty
	if total > 0 {
		st.EntryPrice = (st.EntryPrice*st.Quantity + res.AvgPrice*res.ExecutedQty) / total
	}
	st.ApplyAdd(res.ExecutedQty)
	metrics.OrdersTotal.WithLabelValues(st.Symbol, "add").Inc()
	c.logger.Info().
		Str("symbol", st.Symbol).
		Float64("qty", res.ExecutedQty).
		Float64("price", res.AvgPrice).
		Int("add_count", st.AddCount).
		Msg("position increased")
	c.notifier.SendAdd(st.Symbol, st.Direction.String(), res.ExecutedQty, res.AvgPrice, st.AddCount, c.cfg.StrategyParams.MaxAddCount)

	if c.journal != nil {
		if err := c.journal.RecordAdd(ctx, st.Symbol, st.Quantity, st.EntryPrice, st.AddCount); err != nil {
			c.logger.Warn().Err(err).Msg("trade journal write failed")
		}
	}
	return nil
}

func (c *Controller) close(ctx context.Context, st *strategy.SymbolState, action strategy.Action) error {
	res, err := c.broker.ClosePosition(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	if res == nil {
		// Venue shows no position; the machine was stale. Reconcile quietly.
		c.logger.Warn().Str("symbol", st.Symbol).Msg("close requested but venue flat, reconciling state")
		st.ApplyExit()
		return nil
	}

	dirSign := 1.0
	if st.Direction == strategy.DirectionShort {
		dirSign = -1.0
	}
	pnlPct := dirSign * (res.AvgPrice - st.EntryPrice) / st.EntryPrice * 100 * float64(c.cfg.StrategyParams.Leverage)
	side := st.Direction.String()
	entry := st.EntryPrice

	st.ApplyExit()
	metrics.OrdersTotal.WithLabelValues(st.Symbol, "close").Inc()
	c.logger.Info().
		Str("symbol", st.Symbol).
		Str("reason", string(action.CloseReason)).
		Float64("exit", res.AvgPrice).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")
	c.notifier.SendExit(st.Symbol, side, entry, res.AvgPrice, pnlPct, string(action.CloseReason))

	c.mu.Lock()
	c.totalTrades++
	if pnlPct > 0 {
		c.winTrades++
	}
	c.totalPnLPct += pnlPct
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.RecordExit(ctx, st.Symbol, res.AvgPrice, pnlPct, string(action.CloseReason)); err != nil {
			c.logger.Warn().Err(err).Msg("trade journal write failed")
		}
	}
	if c.mirror != nil {
		c.mirror.Delete(ctx, st.Symbol)
	}
	return nil
}
