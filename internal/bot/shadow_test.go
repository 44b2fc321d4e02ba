package bot

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
)

func newTestShadow(t *testing.T) *ShadowBroker {
	t.Helper()
	s, err := NewShadowBroker(false, 10000, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestShadowEntryAddCloseLifecycle(t *testing.T) {
	s := newTestShadow(t)
	ctx := context.Background()
	s.lastClose["BTCUSDT"] = 100

	// Entry: 2 @ 100.
	res, err := s.MarketOrder(ctx, "BTCUSDT", binance.SideBuy, 2)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if res.AvgPrice != 100 || res.Status != binance.OrderStatusFilled {
		t.Errorf("entry fill = %+v", res)
	}

	// Add: 1 @ 110 blends the entry to 103.33.
	s.lastClose["BTCUSDT"] = 110
	if _, err := s.MarketOrder(ctx, "BTCUSDT", binance.SideBuy, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	positions, _ := s.GetAllPositions(ctx)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	wantEntry := (100.0*2 + 110.0*1) / 3
	if math.Abs(positions[0].EntryPrice-wantEntry) > 1e-9 || positions[0].Quantity != 3 {
		t.Errorf("position = %+v, want qty 3 entry %.4f", positions[0], wantEntry)
	}

	// Close at 120 realizes (120 - 103.33) * 3 = 50 into the balance.
	s.lastClose["BTCUSDT"] = 120
	closeRes, err := s.ClosePosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closeRes == nil || closeRes.Side != binance.SideSell {
		t.Fatalf("close result = %+v", closeRes)
	}
	bal, _ := s.GetBalance(ctx)
	if math.Abs(bal.Total-10050) > 1e-9 {
		t.Errorf("balance = %v, want 10050", bal.Total)
	}
	if positions, _ := s.GetAllPositions(ctx); len(positions) != 0 {
		t.Error("position survived close")
	}
}

func TestShadowShortPnL(t *testing.T) {
	s := newTestShadow(t)
	ctx := context.Background()
	s.lastClose["ETHUSDT"] = 100

	if _, err := s.MarketOrder(ctx, "ETHUSDT", binance.SideSell, 5); err != nil {
		t.Fatal(err)
	}
	s.lastClose["ETHUSDT"] = 90

	bal, _ := s.GetBalance(ctx)
	if math.Abs(bal.UnrealizedPnL-50) > 1e-9 {
		t.Errorf("short unrealized = %v, want +50", bal.UnrealizedPnL)
	}

	if _, err := s.ClosePosition(ctx, "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	bal, _ = s.GetBalance(ctx)
	if math.Abs(bal.Total-10050) > 1e-9 {
		t.Errorf("balance = %v, want 10050", bal.Total)
	}
}

func TestShadowCloseFlatReturnsNil(t *testing.T) {
	s := newTestShadow(t)
	s.lastClose["BTCUSDT"] = 100
	res, err := s.ClosePosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected nil for flat close, got %+v", res)
	}
}

func TestShadowRejectsOpposingOrder(t *testing.T) {
	s := newTestShadow(t)
	ctx := context.Background()
	s.lastClose["BTCUSDT"] = 100

	if _, err := s.MarketOrder(ctx, "BTCUSDT", binance.SideBuy, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarketOrder(ctx, "BTCUSDT", binance.SideSell, 1); err == nil {
		t.Error("order against open position should be rejected")
	}
}

func TestShadowJournalsSignals(t *testing.T) {
	dir := t.TempDir()
	s, err := NewShadowBroker(false, 10000, dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s.lastClose["BTCUSDT"] = 100

	s.MarketOrder(ctx, "BTCUSDT", binance.SideBuy, 1)
	s.lastClose["BTCUSDT"] = 105
	s.ClosePosition(ctx, "BTCUSDT")

	data, err := os.ReadFile(filepath.Join(dir, "shadow_signals.json"))
	if err != nil {
		t.Fatalf("signals journal missing: %v", err)
	}
	lines := 0
	for _, line := range splitLines(string(data)) {
		var sig shadowSignal
		if err := json.Unmarshal([]byte(line), &sig); err != nil {
			t.Fatalf("bad journal line %q: %v", line, err)
		}
		if sig.PriceAssumed == 0 {
			t.Errorf("journal entry missing assumed price: %+v", sig)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("journal lines = %d, want entry and close", lines)
	}

	if _, err := os.Stat(filepath.Join(dir, "shadow_equity.json")); err != nil {
		t.Errorf("equity journal missing: %v", err)
	}
}

func TestShadowEquityJournalFollowsBarCloses(t *testing.T) {
	dir := t.TempDir()
	s, err := NewShadowBroker(false, 10000, dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	equityPath := filepath.Join(dir, "shadow_equity.json")

	// A bar close with no open book changes nothing worth journaling.
	s.markToMarket("BTCUSDT", 100)
	if _, err := os.Stat(equityPath); err == nil {
		t.Fatal("equity point written with no open position")
	}

	if _, err := s.MarketOrder(ctx, "BTCUSDT", binance.SideBuy, 2); err != nil {
		t.Fatal(err)
	}

	// Two new closes under an open position, then a repeat of the last
	// one: the repeat must not add a point.
	s.markToMarket("BTCUSDT", 110)
	s.markToMarket("BTCUSDT", 120)
	s.markToMarket("BTCUSDT", 120)

	data, err := os.ReadFile(equityPath)
	if err != nil {
		t.Fatalf("equity journal missing: %v", err)
	}
	var points []shadowEquity
	for _, line := range splitLines(string(data)) {
		var eq shadowEquity
		if err := json.Unmarshal([]byte(line), &eq); err != nil {
			t.Fatalf("bad equity line %q: %v", line, err)
		}
		points = append(points, eq)
	}
	if len(points) != 3 {
		t.Fatalf("equity points = %d, want fill plus two bar closes", len(points))
	}
	// The fill at 100 carries no unrealized PnL; the closes at 110 and
	// 120 mark the 2-unit long at +20 and +40.
	wants := []float64{0, 20, 40}
	for i, want := range wants {
		if math.Abs(points[i].UnrealizedPnL-want) > 1e-9 {
			t.Errorf("point %d unrealized = %v, want %v", i, points[i].UnrealizedPnL, want)
		}
		if points[i].OpenPositions != 1 {
			t.Errorf("point %d open positions = %d, want 1", i, points[i].OpenPositions)
		}
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
