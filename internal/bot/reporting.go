package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
)

// reportZone is UTC+8: the daily report goes out at 08:00 local to the
// operators.
var reportZone = time.FixedZone("UTC+8", 8*3600)

const reportHour = 8

// reportDay is the calendar key for the daily-report gate.
func reportDay(t time.Time) string {
	return t.In(reportZone).Format("2006-01-02")
}

// reportSeedDay picks the initial gate value at startup. A start before
// the report hour still owes today's report, so the gate is seeded with
// yesterday; at or after the hour, today's window has passed for this
// process and the first report goes out tomorrow.
func reportSeedDay(t time.Time) string {
	local := t.In(reportZone)
	if local.Hour() < reportHour {
		return reportDay(local.AddDate(0, 0, -1))
	}
	return reportDay(local)
}

// maybeHeartbeat hands the hourly heartbeat to the notifier; the time
// gate lives there.
func (c *Controller) maybeHeartbeat(bal binance.Balance, openPositions int) {
	c.mu.Lock()
	trades := c.totalTrades
	errs := c.consecutiveErrors
	c.mu.Unlock()

	c.notifier.SendHeartbeat(fmt.Sprintf(
		"Mode: %s\nEquity: %.2f USDT (avail %.2f)\nOpen positions: %d\nTrades: %d\nConsecutive errors: %d",
		c.mode, bal.Total, bal.Available, openPositions, trades, errs))
}

// maybeDailyReport fires at most once per UTC+8 calendar day, on the
// first tick at or after 08:00. The day key, not a timer, is the gate:
// a process asleep through the morning reports late instead of twice.
func (c *Controller) maybeDailyReport(ctx context.Context, bal binance.Balance) {
	now := time.Now().In(reportZone)
	day := reportDay(now)

	c.mu.Lock()
	due := day != c.lastReportDay && now.Hour() >= reportHour
	if !due {
		c.mu.Unlock()
		return
	}
	c.lastReportDay = day
	startEquity := c.dayStartEquity
	c.dayStartEquity = bal.Total
	c.mu.Unlock()

	trades, wins := 0, 0
	if c.journal != nil {
		since := time.Date(now.Year(), now.Month(), now.Day(), reportHour, 0, 0, 0, reportZone).AddDate(0, 0, -1)
		if s, err := c.journal.GetDailySummary(ctx, since.UTC()); err == nil {
			trades, wins = s.Trades, s.Wins
		} else {
			c.logger.Warn().Err(err).Msg("daily summary query failed")
		}
		if err := c.journal.RecordEquitySnapshot(ctx, bal.Total, bal.Available, bal.UnrealizedPnL, c.mode == "shadow"); err != nil {
			c.logger.Warn().Err(err).Msg("equity snapshot write failed")
		}
	}

	c.notifier.SendDailyReport(day, startEquity, bal.Total, trades, wins)
	c.logger.Info().Str("day", day).Float64("equity", bal.Total).Msg("daily report sent")
}
