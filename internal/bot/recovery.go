package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/indicators"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/strategy"
)

// recoverPositions rebuilds the per-symbol state machines from whatever
// the venue reports after a restart. The state mirror is consulted
// first: a warm entry matching the venue position restores the stop,
// add count and bar counters from before the restart. Without one the
// recovery is cold and add_count is pinned to the maximum, so a
// restarted engine with no memory of its own adds never grows an
// inherited position.
func (c *Controller) recoverPositions(ctx context.Context) error {
	positions, err := c.broker.GetAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	configured := make(map[string]bool, len(c.cfg.TradingConfig.Symbols))
	for _, s := range c.cfg.TradingConfig.Symbols {
		configured[s] = true
	}

	var recovered, foreign []string
	venueHas := make(map[string]bool, len(positions))
	for _, pos := range positions {
		if !configured[pos.Symbol] {
			foreign = append(foreign, pos.Symbol)
			continue
		}
		venueHas[pos.Symbol] = true

		dir := strategy.DirectionLong
		if pos.Side == "SHORT" {
			dir = strategy.DirectionShort
		}

		st, ok := c.store.Snapshot(pos.Symbol)
		if !ok {
			continue
		}

		warm := false
		if mirrored, ok := c.mirrorLoad(ctx, pos.Symbol); ok && mirrored.Direction == dir {
			// The mirror remembers what the venue cannot. Quantity and
			// entry price still come from the venue, which is
			// authoritative for fills.
			st = mirrored
			st.EntryPrice = pos.EntryPrice
			st.Quantity = pos.Quantity
			st.UpdatedAt = time.Now()
			warm = true
		} else {
			stop, stopReady := c.recoveredStop(ctx, pos.Symbol, dir)
			st.Recover(dir, pos.EntryPrice, pos.Quantity, c.cfg.StrategyParams.MaxAddCount, stop, stopReady)
		}
		c.store.Replace(pos.Symbol, st)
		c.mirrorState(ctx, st)

		recovered = append(recovered, fmt.Sprintf("%s %s qty=%v entry=%v", pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice))
		c.logger.Info().
			Str("symbol", pos.Symbol).
			Str("side", pos.Side).
			Float64("qty", pos.Quantity).
			Float64("entry", pos.EntryPrice).
			Bool("warm", warm).
			Bool("stop_pending", st.StopPending).
			Msg("position recovered")
	}

	// A mirror entry for a symbol the venue reports flat is stale; the
	// position was closed while the mirror could not be updated.
	if c.mirror != nil {
		for _, sym := range c.cfg.TradingConfig.Symbols {
			if venueHas[sym] {
				continue
			}
			if mirrored, ok := c.mirrorLoad(ctx, sym); ok && mirrored.HasPosition() {
				c.logger.Info().Str("symbol", sym).Msg("dropping stale mirror entry for flat symbol")
				c.mirror.Delete(ctx, sym)
			}
		}
	}

	// The recovery alert always fires, including the zero-position case,
	// so an operator can tell a clean start from a silent failure.
	body := "no open positions"
	if len(recovered) > 0 {
		body = strings.Join(recovered, "\n")
	}
	c.notifier.SendAlert("POSITIONS_RECOVERED", body)

	if len(foreign) > 0 {
		c.logger.Warn().Strs("symbols", foreign).Msg("venue holds positions outside the configured set, ignoring")
		c.notifier.SendAlert("UNMANAGED_POSITIONS", strings.Join(foreign, ", "))
	}
	return nil
}

// mirrorLoad reads one warm state from the mirror. A miss or a read
// failure falls back to cold venue-only recovery.
func (c *Controller) mirrorLoad(ctx context.Context, symbol string) (strategy.SymbolState, bool) {
	if c.mirror == nil {
		return strategy.SymbolState{}, false
	}
	st, ok, err := c.mirror.Load(ctx, symbol)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("state mirror read failed, recovering cold")
		return strategy.SymbolState{}, false
	}
	return st, ok
}

// recoveredStop recomputes the trailing stop from current candles. When
// the indicator window is not ready the stop stays pending and the first
// ready bar in the loop seeds it.
func (c *Controller) recoveredStop(ctx context.Context, symbol string, dir strategy.Direction) (float64, bool) {
	klines, err := c.broker.GetKlines(ctx, symbol, c.cfg.TradingConfig.Timeframe, klineLimit)
	if err != nil || len(klines) < 2 {
		return 0, false
	}
	bars := indicators.Compute(klines[:len(klines)-1])
	row := bars[len(bars)-1]
	if !row.Avg20.Ready || row.Avg20.V <= 0 {
		return 0, false
	}
	if dir == strategy.DirectionLong {
		return row.Avg20.V * (1 - c.cfg.StrategyParams.MA20Buffer), true
	}
	return row.Avg20.V * (1 + c.cfg.StrategyParams.MA20Buffer), true
}
