package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/database"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/strategy"
)

type fakeProvider struct{}

func (fakeProvider) Status() Status {
	return Status{Mode: "live", Running: true, Timeframe: "4h"}
}

type fakeLister struct {
	trades []database.Trade
	err    error
}

func (f *fakeLister) GetOpenTrades(ctx context.Context) ([]database.Trade, error) {
	return f.trades, f.err
}

func serve(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.httpServer.Handler.ServeHTTP(w, req)

	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return w, body
}

func TestTradesEndpointListsOpenRows(t *testing.T) {
	lister := &fakeLister{trades: []database.Trade{
		{ID: 1, Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 48000, Quantity: 0.5, EntryTime: time.Now().UTC(), Status: "OPEN"},
	}}
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, strategy.NewStore(nil), fakeProvider{}, lister)

	w, body := serve(t, s, "/api/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var count int
	if err := json.Unmarshal(body["count"], &count); err != nil || count != 1 {
		t.Errorf("count = %v (%v), want 1", count, err)
	}
	var rows []database.Trade
	if err := json.Unmarshal(body["trades"], &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Symbol != "BTCUSDT" {
		t.Errorf("trades = %+v", rows)
	}
}

func TestTradesEndpointWithoutJournal(t *testing.T) {
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, strategy.NewStore(nil), fakeProvider{}, nil)

	w, body := serve(t, s, "/api/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var journal bool
	if err := json.Unmarshal(body["journal"], &journal); err != nil || journal {
		t.Errorf("journal = %v (%v), want false when disabled", journal, err)
	}
}

func TestTradesEndpointSurfacesQueryError(t *testing.T) {
	lister := &fakeLister{err: errors.New("pool closed")}
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, strategy.NewStore(nil), fakeProvider{}, lister)

	w, _ := serve(t, s, "/api/trades")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestPositionsEndpointFiltersFlatSymbols(t *testing.T) {
	store := strategy.NewStore([]string{"BTCUSDT", "ETHUSDT"})
	st, _ := store.Snapshot("BTCUSDT")
	st.ApplyEntry(strategy.DirectionLong, 48000, 0.5, 47000)
	store.Replace("BTCUSDT", st)

	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, store, fakeProvider{}, nil)
	w, body := serve(t, s, "/api/positions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var count int
	if err := json.Unmarshal(body["count"], &count); err != nil || count != 1 {
		t.Errorf("count = %v, want only the open symbol", count)
	}
}
