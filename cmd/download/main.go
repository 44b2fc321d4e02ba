// Command download bulk-fetches historical candles into CSV files. It is
// resumable: a checkpoint next to the data records finished tasks and a
// rerun only fetches what is missing.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/downloader"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
)

func main() {
	var (
		root       = flag.String("root", "data", "output directory")
		symbols    = flag.String("symbols", "", "comma-separated symbols; empty selects top by volume")
		top        = flag.Int("top", 50, "number of top-volume symbols when -symbols is empty")
		timeframes = flag.String("timeframes", "1h,4h,1d", "comma-separated timeframes")
		start      = flag.String("start", "", "range start date YYYY-MM-DD (UTC); empty fetches the most recent window")
		end        = flag.String("end", "", "range end date YYYY-MM-DD (UTC); empty runs to the present")
		workers    = flag.Int("workers", 4, "concurrent download workers")
		candles    = flag.Int("candles", 1000, "candles per request")
		rpm        = flag.Int("rpm", 1200, "request budget per minute")
		logLevel   = flag.String("log-level", "INFO", "log level")
	)
	flag.Parse()

	logging.Init(&logging.Config{Level: *logLevel, Output: "stdout", JSONFormat: false})
	logger := logging.WithComponent("download")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := binance.NewPublicClient(false)

	var syms []string
	if *symbols != "" {
		for _, raw := range strings.Split(*symbols, ",") {
			sym, err := downloader.NormalizeSymbol(raw)
			if err != nil {
				logger.Fatal().Err(err).Str("symbol", raw).Msg("invalid symbol")
			}
			syms = append(syms, sym)
		}
	} else {
		var err error
		syms, err = downloader.TopSymbols(ctx, client, *top)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to select symbols")
		}
		logger.Info().Int("count", len(syms)).Msg("selected top symbols by volume")
	}

	opts := downloader.DefaultOptions()
	opts.Root = *root
	opts.Symbols = syms
	opts.Timeframes = strings.Split(*timeframes, ",")
	opts.Workers = *workers
	opts.CandlesPerTask = *candles
	opts.RequestsPerMinute = *rpm
	if *start != "" {
		ts, err := time.ParseInLocation("2006-01-02", *start, time.UTC)
		if err != nil {
			logger.Fatal().Err(err).Str("start", *start).Msg("invalid start date")
		}
		opts.Start = ts
	}
	if *end != "" {
		ts, err := time.ParseInLocation("2006-01-02", *end, time.UTC)
		if err != nil {
			logger.Fatal().Err(err).Str("end", *end).Msg("invalid end date")
		}
		opts.End = ts
	}

	d, err := downloader.New(client, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create downloader")
	}

	report, err := d.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("download interrupted")
		os.Exit(1)
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
}
