package downloader

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
)

func TestTimeframePriorityOrder(t *testing.T) {
	// The traded timeframes run first, then progressively smaller ones.
	order := []string{"1h", "1d", "4h", "30m", "15m", "5m", "3m", "1m"}
	prev := 0
	for _, tf := range order {
		p := timeframePriority(tf)
		if p < prev {
			t.Errorf("priority of %s (%d) out of order", tf, p)
		}
		prev = p
	}
	if timeframePriority("1h") != timeframePriority("1d") {
		t.Error("1h and 1d should share top priority")
	}
	if timeframePriority("6h") != 10 {
		t.Errorf("unknown timeframe priority = %d, want 10", timeframePriority("6h"))
	}
}

func TestBuildTasksOrdersByPriorityThenSymbol(t *testing.T) {
	d := &Downloader{opts: Options{
		Symbols:    []string{"ETHUSDT", "BTCUSDT"},
		Timeframes: []string{"5m", "1h", "4h"},
	}}
	tasks := d.buildTasks()

	if len(tasks) != 6 {
		t.Fatalf("got %d tasks, want 6", len(tasks))
	}

	want := []task{
		{"BTCUSDT", "1h"},
		{"ETHUSDT", "1h"},
		{"BTCUSDT", "4h"},
		{"ETHUSDT", "4h"},
		{"BTCUSDT", "5m"},
		{"ETHUSDT", "5m"},
	}
	for i, w := range want {
		if tasks[i] != w {
			t.Errorf("task[%d] = %+v, want %+v", i, tasks[i], w)
		}
	}
}

func TestTaskKey(t *testing.T) {
	if got := TaskKey("BTCUSDT", "1h"); got != "BTCUSDT_1h" {
		t.Errorf("TaskKey = %q", got)
	}
}

// fakeSource serves scripted candles and records the start of every
// ranged request.
type fakeSource struct {
	data       []binance.Kline
	rangeCalls []int64
}

func (f *fakeSource) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	if len(f.data) > limit {
		return f.data[len(f.data)-limit:], nil
	}
	return f.data, nil
}

func (f *fakeSource) GetKlinesRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]binance.Kline, error) {
	f.rangeCalls = append(f.rangeCalls, start)
	var out []binance.Kline
	for _, k := range f.data {
		if k.OpenTime < start || (end > 0 && k.OpenTime > end) {
			continue
		}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func hourlyCandles(base time.Time, n int) []binance.Kline {
	out := make([]binance.Kline, n)
	for i := range out {
		open := base.Add(time.Duration(i) * time.Hour).UnixMilli()
		out[i] = binance.Kline{
			OpenTime: open, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10,
			CloseTime: open + 3599999,
		}
	}
	return out
}

func TestRunPagesAcrossDateRange(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{data: hourlyCandles(base, 10)}

	opts := DefaultOptions()
	opts.Root = t.TempDir()
	opts.Symbols = []string{"BTCUSDT"}
	opts.Timeframes = []string{"1h"}
	opts.Workers = 1
	opts.CandlesPerTask = 4
	opts.Start = base
	opts.End = base.Add(9 * time.Hour)

	d, err := New(src, opts)
	if err != nil {
		t.Fatal(err)
	}
	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Completed != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, want one completed task", report)
	}

	// 10 candles at 4 per page: three requests, each starting one past
	// the previous page's last open time.
	wantStarts := []int64{
		base.UnixMilli(),
		base.Add(3*time.Hour).UnixMilli() + 1,
		base.Add(7*time.Hour).UnixMilli() + 1,
	}
	if len(src.rangeCalls) != len(wantStarts) {
		t.Fatalf("range calls = %v, want %v", src.rangeCalls, wantStarts)
	}
	for i, want := range wantStarts {
		if src.rangeCalls[i] != want {
			t.Errorf("page %d start = %d, want %d", i, src.rangeCalls[i], want)
		}
	}

	f, err := os.Open(filepath.Join(opts.Root, "1h", "BTCUSDT_1h.csv"))
	if err != nil {
		t.Fatalf("csv missing: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 11 {
		t.Fatalf("csv rows = %d, want header plus 10 candles", len(rows))
	}
	if got := rows[1][0]; got != "1704067200000" {
		t.Errorf("first candle = %s, want range start", got)
	}
}

func TestFetchWithoutRangeUsesMostRecentWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{data: hourlyCandles(base, 10)}

	opts := DefaultOptions()
	opts.Root = t.TempDir()
	opts.CandlesPerTask = 4

	d, err := New(src, opts)
	if err != nil {
		t.Fatal(err)
	}
	klines, err := d.fetch(context.Background(), task{Symbol: "BTCUSDT", Timeframe: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if len(klines) != 4 {
		t.Fatalf("got %d candles, want the most recent 4", len(klines))
	}
	if len(src.rangeCalls) != 0 {
		t.Errorf("ranged endpoint used without a configured range: %v", src.rangeCalls)
	}
	if klines[len(klines)-1].OpenTime != base.Add(9*time.Hour).UnixMilli() {
		t.Errorf("window does not end at the latest candle")
	}
}
