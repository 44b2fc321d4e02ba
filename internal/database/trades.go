package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Trade is one journal row. A row is opened on entry, quantity and
// add_count move on scale-ins, and exit fields land on close.
type Trade struct {
	ID          int64
	Symbol      string
	Side        string
	EntryPrice  float64
	ExitPrice   *float64
	Quantity    float64
	AddCount    int
	EntryTime   time.Time
	ExitTime    *time.Time
	StopLoss    float64
	PnLPercent  *float64
	CloseReason *string
	Shadow      bool
	Status      string
}

// TradeRepository journals fills. Callers treat errors as diagnostics,
// never as trading failures.
type TradeRepository struct {
	db *DB
}

// NewTradeRepository creates a repository over an open pool.
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// RecordEntry inserts an OPEN row for a filled opening order and returns
// its id for later updates.
func (r *TradeRepository) RecordEntry(ctx context.Context, symbol, side string, price, qty, stopLoss float64, shadow bool) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trades (symbol, side, entry_price, quantity, entry_time, stop_loss, shadow, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN')
		RETURNING id`,
		symbol, side, price, qty, time.Now().UTC(), stopLoss, shadow,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record entry: %w", err)
	}
	return id, nil
}

// RecordAdd moves quantity and add_count on the open row for a symbol.
// The blended entry price comes from the state machine, not from SQL.
func (r *TradeRepository) RecordAdd(ctx context.Context, symbol string, newQty, entryPrice float64, addCount int) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET quantity = $2, entry_price = $3, add_count = $4, updated_at = CURRENT_TIMESTAMP
		WHERE symbol = $1 AND status = 'OPEN'`,
		symbol, newQty, entryPrice, addCount,
	)
	if err != nil {
		return fmt.Errorf("failed to record add: %w", err)
	}
	return nil
}

// RecordExit closes the open row for a symbol.
func (r *TradeRepository) RecordExit(ctx context.Context, symbol string, exitPrice, pnlPct float64, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET exit_price = $2, exit_time = $3, pnl_percent = $4, close_reason = $5,
		    status = 'CLOSED', updated_at = CURRENT_TIMESTAMP
		WHERE symbol = $1 AND status = 'OPEN'`,
		symbol, exitPrice, time.Now().UTC(), pnlPct, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record exit: %w", err)
	}
	return nil
}

// RecordEquitySnapshot stores one balance reading.
func (r *TradeRepository) RecordEquitySnapshot(ctx context.Context, total, available, unrealized float64, shadow bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO equity_snapshots (taken_at, total_equity, available_equity, unrealized_pnl, shadow)
		VALUES ($1, $2, $3, $4, $5)`,
		time.Now().UTC(), total, available, unrealized, shadow,
	)
	if err != nil {
		return fmt.Errorf("failed to record equity snapshot: %w", err)
	}
	return nil
}

// DailySummary aggregates closed trades since a cutoff.
type DailySummary struct {
	Trades int
	Wins   int
}

// GetDailySummary counts closed trades and wins since the cutoff.
func (r *TradeRepository) GetDailySummary(ctx context.Context, since time.Time) (DailySummary, error) {
	var s DailySummary
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE pnl_percent > 0)
		FROM trades
		WHERE status = 'CLOSED' AND exit_time >= $1`,
		since,
	).Scan(&s.Trades, &s.Wins)
	if err != nil {
		return DailySummary{}, fmt.Errorf("failed to query daily summary: %w", err)
	}
	return s, nil
}

// GetOpenTrades lists the OPEN rows, newest first.
func (r *TradeRepository) GetOpenTrades(ctx context.Context) ([]Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, side, entry_price, exit_price, quantity, add_count,
		       entry_time, exit_time, stop_loss, pnl_percent, close_reason, shadow, status
		FROM trades
		WHERE status = 'OPEN'
		ORDER BY entry_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()

	trades, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Trade, error) {
		var t Trade
		err := row.Scan(&t.ID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.AddCount, &t.EntryTime, &t.ExitTime, &t.StopLoss,
			&t.PnLPercent, &t.CloseReason, &t.Shadow, &t.Status)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan open trades: %w", err)
	}
	return trades, nil
}
