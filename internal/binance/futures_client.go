package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
	// SpotBaseURL serves the public 24hr ticker used for symbol selection
	SpotBaseURL = "https://api.binance.com"

	requestTimeout = 10 * time.Second
	recvWindow     = "10000"
)

// Client is a signed REST adapter for Binance USDT-M futures. It owns its
// HTTP client and signing secret; callers only ever see values.
type Client struct {
	apiKey      string
	secretKey   string
	baseURL     string
	spotBaseURL string
	httpClient  *http.Client

	// server clock offset in ms, updated by SyncTime
	timeOffset atomic.Int64

	precisionMu    sync.RWMutex
	precisionCache map[string]SymbolPrecision
}

// NewClient creates a signed futures client. Credentials are mandatory;
// missing keys are a construction-time failure, not a runtime surprise.
func NewClient(apiKey, secretKey string, testnet bool) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	secretKey = strings.TrimSpace(secretKey)
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("binance credentials missing (API_KEY / API_SECRET)")
	}
	c := newClient(testnet)
	c.apiKey = apiKey
	c.secretKey = secretKey
	return c, nil
}

// NewPublicClient creates a client restricted to public market data.
// Signed calls through it fail with an auth error.
func NewPublicClient(testnet bool) *Client {
	return newClient(testnet)
}

func newClient(testnet bool) *Client {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	return &Client{
		baseURL:        baseURL,
		spotBaseURL:    SpotBaseURL,
		httpClient:     &http.Client{Timeout: requestTimeout},
		precisionCache: make(map[string]SymbolPrecision),
	}
}

// ==================== HEALTH & TIME ====================

// Ping checks venue reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.publicGet(ctx, "/fapi/v1/ping", nil)
	return err
}

// ServerTime returns the venue clock in epoch milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("error parsing server time: %w", err)
	}
	return resp.ServerTime, nil
}

// SyncTime re-reads the venue clock and stores the local offset used for
// signed timestamps.
func (c *Client) SyncTime(ctx context.Context) error {
	serverTime, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	c.timeOffset.Store(serverTime - time.Now().UnixMilli())
	return nil
}

func (c *Client) timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli()+c.timeOffset.Load(), 10)
}

// ==================== ACCOUNT ====================

// GetBalance returns the USDT wallet snapshot from /fapi/v2/balance.
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return Balance{}, fmt.Errorf("error fetching balance: %w", err)
	}
	var entries []futuresBalanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return Balance{}, fmt.Errorf("error parsing balance: %w", err)
	}
	for _, e := range entries {
		if e.Asset == "USDT" {
			return Balance{Total: e.Balance, Available: e.AvailableBalance, UnrealizedPnL: e.CrossUnPnl}, nil
		}
	}
	return Balance{}, nil
}

// GetPosition returns the open position for a symbol, or nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}
	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}
	for _, e := range entries {
		if e.PositionAmt != 0 {
			p := toPosition(e)
			return &p, nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every position with non-zero quantity.
func (c *Client) GetAllPositions(ctx context.Context) ([]Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	var positions []Position
	for _, e := range entries {
		if e.PositionAmt != 0 {
			positions = append(positions, toPosition(e))
		}
	}
	return positions, nil
}

func toPosition(e positionRiskEntry) Position {
	side := "LONG"
	if e.PositionAmt < 0 {
		side = "SHORT"
	}
	return Position{
		Symbol:        e.Symbol,
		Side:          side,
		Quantity:      math.Abs(e.PositionAmt),
		EntryPrice:    e.EntryPrice,
		Leverage:      e.Leverage,
		MarginType:    MarginType(strings.ToUpper(e.MarginType)),
		UnrealizedPnL: e.UnrealizedProfit,
	}
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage %d out of range [1,125]", leverage)
	}
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// SetMarginType sets ISOLATED or CROSSED margin. The venue answers with an
// error when the mode is already set; that answer counts as success.
func (c *Client) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && isMarginNoop(apiErr) {
			return nil
		}
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

func isMarginNoop(e *APIError) bool {
	return e.Code == -4046 || strings.Contains(e.Message, "No need to change margin type")
}

// ==================== TRADING ====================

// MarketOrder submits a market order. avgPrice prefers the venue-reported
// field; when it is zero the price is derived from fills. No fills and a
// non-FILLED status is surfaced as a reject.
func (c *Client) MarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (*OrderResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("market order quantity must be positive, got %v", quantity)
	}
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", map[string]string{
		"symbol":           symbol,
		"side":             string(side),
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"newClientOrderId": "bige-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	var resp futuresOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	avgPrice, source, err := orderAvgPrice(resp)
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:        resp.OrderID,
		Symbol:         resp.Symbol,
		Side:           OrderSide(resp.Side),
		ExecutedQty:    resp.ExecutedQty,
		AvgPrice:       avgPrice,
		AvgPriceSource: source,
		Status:         OrderStatus(resp.Status),
	}, nil
}

// orderAvgPrice resolves the execution price from a raw order response.
func orderAvgPrice(resp futuresOrderResponse) (float64, AvgPriceSource, error) {
	if resp.AvgPrice > 0 {
		return resp.AvgPrice, AvgPriceVenue, nil
	}
	if len(resp.Fills) > 0 {
		var notional, qty float64
		for _, f := range resp.Fills {
			notional += f.Price * f.Qty
			qty += f.Qty
		}
		if qty > 0 {
			return notional / qty, AvgPriceDerived, nil
		}
	}
	if OrderStatus(resp.Status) != OrderStatusFilled {
		return 0, AvgPriceVenue, &APIError{
			Status:  http.StatusOK,
			Message: fmt.Sprintf("order %d not filled: status=%s with no fills", resp.OrderID, resp.Status),
		}
	}
	return 0, AvgPriceVenue, fmt.Errorf("order %d reported filled without price information", resp.OrderID)
}

// ClosePosition closes whatever is open on the symbol with a market order.
// Returns nil when there is no position.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, nil
	}
	side := SideSell
	if pos.Side == "SHORT" {
		side = SideBuy
	}
	return c.MarketOrder(ctx, symbol, side, pos.Quantity)
}

// ==================== MARKET DATA ====================

// GetKlines returns up to limit candles, ascending by open time. The last
// element may be the currently forming bar.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	return parseKlines(body)
}

// GetKlinesRange returns up to limit candles whose open time falls in
// [start, end] epoch milliseconds, ascending. A zero end runs to the
// present. The venue caps limit at 1500 per request, so callers page by
// advancing start past the last returned open time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":    symbol,
		"interval":  interval,
		"limit":     strconv.Itoa(limit),
		"startTime": strconv.FormatInt(start, 10),
	}
	if end > 0 {
		params["endTime"] = strconv.FormatInt(end, 10)
	}
	body, err := c.publicGet(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	return parseKlines(body)
}

func parseKlines(body []byte) ([]Kline, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	klines := make([]Kline, len(raw))
	for i, row := range raw {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline row %d too short: %d fields", i, len(row))
		}
		klines[i] = Kline{
			OpenTime:  int64(asFloat(row[0])),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: int64(asFloat(row[6])),
		}
	}
	return klines, nil
}

// GetTickerPrice returns the latest traded price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}
	var resp struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return resp.Price, nil
}

// GetSpot24hrTickers returns the full spot 24hr ticker table. Used by the
// downloader for top-N-by-volume symbol selection.
func (c *Client) GetSpot24hrTickers(ctx context.Context) ([]Ticker24hr, error) {
	reqURL := c.spotBaseURL + "/api/v3/ticker/24hr"
	body, err := c.doRequest(ctx, http.MethodGet, reqURL, "")
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr tickers: %w", err)
	}
	var tickers []Ticker24hr
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing 24hr tickers: %w", err)
	}
	return tickers, nil
}

// ==================== EXCHANGE INFO ====================

// GetSymbolPrecision returns the rounding rules for one symbol. The full
// exchangeInfo table is fetched once and cached.
func (c *Client) GetSymbolPrecision(ctx context.Context, symbol string) (SymbolPrecision, error) {
	c.precisionMu.RLock()
	if p, ok := c.precisionCache[symbol]; ok {
		c.precisionMu.RUnlock()
		return p, nil
	}
	c.precisionMu.RUnlock()

	body, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return SymbolPrecision{}, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return SymbolPrecision{}, fmt.Errorf("error parsing exchange info: %w", err)
	}

	c.precisionMu.Lock()
	for _, s := range info.Symbols {
		p := SymbolPrecision{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			if f.FilterType == "MIN_NOTIONAL" && f.MinNotional != "" {
				if v, err := strconv.ParseFloat(f.MinNotional, 64); err == nil {
					p.MinNotional = v
				}
			}
		}
		c.precisionCache[s.Symbol] = p
	}
	p, ok := c.precisionCache[symbol]
	c.precisionMu.Unlock()

	if !ok {
		return SymbolPrecision{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	return p, nil
}

// ==================== HTTP HELPERS ====================

// sign creates an HMAC-SHA256 signature over the canonical query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// signedRequest performs an authenticated request. The only retry allowed
// here is a single server-time resync on the timestamp-out-of-window
// signal; everything else surfaces to the caller once. Order placement is
// not idempotent, so no generic retry loop.
func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Code: -2014, Message: "client constructed without credentials"}
	}

	body, err := c.signedOnce(ctx, method, endpoint, params)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.isClockSkew() {
			if syncErr := c.SyncTime(ctx); syncErr == nil {
				return c.signedOnce(ctx, method, endpoint, params)
			}
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) signedOnce(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = c.timestamp()
	signed["recvWindow"] = recvWindow

	query := canonicalQuery(signed)
	query += "&signature=" + c.sign(query)

	return c.doRequest(ctx, method, c.baseURL+endpoint, query)
}

// publicGet performs an unauthenticated GET against the futures base URL.
func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return c.doRequest(ctx, http.MethodGet, c.baseURL+endpoint, values.Encode())
}

func (c *Client) doRequest(ctx context.Context, method, reqURL, query string) ([]byte, error) {
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}
