package downloader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
)

// KlineSource is the market-data surface the downloader needs; the
// futures client implements it.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
	GetKlinesRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]binance.Kline, error)
}

// Options sizes one download run. A zero Start fetches the most recent
// CandlesPerTask window; a set Start pages from that date forward, to
// End or the present.
type Options struct {
	Root              string
	Symbols           []string
	Timeframes        []string
	Start             time.Time
	End               time.Time
	Workers           int
	CandlesPerTask    int // capped by the venue at 1500 per request
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
	AcquireTimeout    time.Duration
}

// DefaultOptions is a polite production profile.
func DefaultOptions() Options {
	return Options{
		Workers:           4,
		CandlesPerTask:    1000,
		RequestsPerMinute: 1200,
		Burst:             20,
		MaxRetries:        3,
		AcquireTimeout:    30 * time.Second,
	}
}

// task is one symbol+timeframe unit of work.
type task struct {
	Symbol    string
	Timeframe string
}

// timeframePriority orders work so the timeframes the strategy actually
// trades land first. Lower runs earlier.
func timeframePriority(tf string) int {
	switch tf {
	case "1h", "1d":
		return 1
	case "4h":
		return 2
	case "30m":
		return 3
	case "15m":
		return 4
	case "5m":
		return 5
	case "3m":
		return 6
	case "1m":
		return 7
	default:
		return 10
	}
}

// Report summarizes one run; it is also written as JSON next to the data.
type Report struct {
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	SuccessRatio float64       `json:"success_ratio"`
	Duration     time.Duration `json:"duration_ns"`
	Failures     []string      `json:"failures,omitempty"`
}

// Downloader drives a bounded worker pool over the task list.
type Downloader struct {
	client     KlineSource
	opts       Options
	limiter    *RateLimiter
	checkpoint *Checkpoint
	logger     zerolog.Logger
}

// New builds a downloader over a public market-data client.
func New(client KlineSource, opts Options) (*Downloader, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("download root not set")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download root: %w", err)
	}
	cp, err := LoadCheckpoint(filepath.Join(opts.Root, "checkpoint.json"))
	if err != nil {
		return nil, err
	}
	return &Downloader{
		client:     client,
		opts:       opts,
		limiter:    NewRateLimiter(opts.RequestsPerMinute, opts.Burst),
		checkpoint: cp,
		logger:     logging.WithComponent("downloader"),
	}, nil
}

// Run executes the whole task list and writes the report. Tasks already
// in the checkpoint are skipped; failures after all retries are reported
// but do not stop the run.
func (d *Downloader) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	tasks := d.buildTasks()
	report := Report{Total: len(tasks)}

	work := make(chan task)
	var wg sync.WaitGroup
	var mu sync.Mutex

	workers := d.opts.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if ctx.Err() != nil {
					return
				}
				err := d.runTask(ctx, t)
				mu.Lock()
				if err != nil {
					report.Failed++
					report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", TaskKey(t.Symbol, t.Timeframe), err))
					d.logger.Error().Err(err).Str("symbol", t.Symbol).Str("timeframe", t.Timeframe).Msg("task failed")
				} else {
					report.Completed++
				}
				mu.Unlock()
			}
		}()
	}

	for _, t := range tasks {
		if d.checkpoint.IsDone(t.Symbol, t.Timeframe) {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			continue
		}
		select {
		case work <- t:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	report.Duration = time.Since(start)
	if attempted := report.Completed + report.Failed; attempted > 0 {
		report.SuccessRatio = float64(report.Completed) / float64(attempted)
	}
	sort.Strings(report.Failures)
	d.writeReport(report)
	d.logger.Info().
		Int("total", report.Total).
		Int("completed", report.Completed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("download run finished")
	return report, ctx.Err()
}

// buildTasks expands symbols x timeframes and orders them by timeframe
// priority, then symbol for determinism.
func (d *Downloader) buildTasks() []task {
	tasks := make([]task, 0, len(d.opts.Symbols)*len(d.opts.Timeframes))
	for _, tf := range d.opts.Timeframes {
		for _, sym := range d.opts.Symbols {
			tasks = append(tasks, task{Symbol: sym, Timeframe: tf})
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := timeframePriority(tasks[i].Timeframe), timeframePriority(tasks[j].Timeframe)
		if pi != pj {
			return pi < pj
		}
		if tasks[i].Timeframe != tasks[j].Timeframe {
			return tasks[i].Timeframe < tasks[j].Timeframe
		}
		return tasks[i].Symbol < tasks[j].Symbol
	})
	return tasks
}

// runTask downloads one symbol+timeframe with retries. A retry first
// clears the checkpoint key so a crash mid-rewrite re-downloads instead
// of trusting a partial file.
func (d *Downloader) runTask(ctx context.Context, t task) error {
	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.checkpoint.Clear(t.Symbol, t.Timeframe); err != nil {
				return err
			}
		}

		klines, err := d.fetch(ctx, t)
		if err != nil {
			lastErr = err
			if binance.IsRateLimited(err) {
				d.limiter.Slowdown(time.Minute)
			}
			continue
		}

		if err := d.writeCSV(t, klines); err != nil {
			lastErr = err
			continue
		}
		return d.checkpoint.MarkDone(t.Symbol, t.Timeframe)
	}
	return lastErr
}

// fetch pulls one task's candles. Without a date range it is a single
// most-recent request; with one it pages forward by advancing the start
// past the last open time until the range is covered, one token per
// request.
func (d *Downloader) fetch(ctx context.Context, t task) ([]binance.Kline, error) {
	if d.opts.Start.IsZero() {
		if err := d.limiter.Acquire(d.opts.AcquireTimeout); err != nil {
			return nil, err
		}
		return d.client.GetKlines(ctx, t.Symbol, t.Timeframe, d.opts.CandlesPerTask)
	}

	start := d.opts.Start.UnixMilli()
	end := int64(0)
	if !d.opts.End.IsZero() {
		end = d.opts.End.UnixMilli()
	}

	var all []binance.Kline
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.limiter.Acquire(d.opts.AcquireTimeout); err != nil {
			return nil, err
		}
		batch, err := d.client.GetKlinesRange(ctx, t.Symbol, t.Timeframe, start, end, d.opts.CandlesPerTask)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		last := batch[len(batch)-1].OpenTime
		if end > 0 && last >= end {
			break
		}
		// A short batch means the venue has nothing further in range.
		if len(batch) < d.opts.CandlesPerTask {
			break
		}
		start = last + 1
	}
	return all, nil
}

// writeCSV stores the candles ascending and deduplicated by open time at
// {root}/{timeframe}/{symbol}_{timeframe}.csv.
func (d *Downloader) writeCSV(t task, klines []binance.Kline) error {
	sort.Slice(klines, func(i, j int) bool { return klines[i].OpenTime < klines[j].OpenTime })
	dedup := klines[:0]
	var prev int64 = -1
	for _, k := range klines {
		if k.OpenTime == prev {
			continue
		}
		prev = k.OpenTime
		dedup = append(dedup, k)
	}

	dir := filepath.Join(d.opts.Root, t.Timeframe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", t.Symbol, t.Timeframe))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp_ms", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, k := range dedup {
		rec := []string{
			strconv.FormatInt(k.OpenTime, 10),
			strconv.FormatFloat(k.Open, 'f', -1, 64),
			strconv.FormatFloat(k.High, 'f', -1, 64),
			strconv.FormatFloat(k.Low, 'f', -1, 64),
			strconv.FormatFloat(k.Close, 'f', -1, 64),
			strconv.FormatFloat(k.Volume, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (d *Downloader) writeReport(r Report) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(d.opts.Root, "download_report.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write download report")
	}
}
