package downloader

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
)

// quoteAssets is the greedy-peel order for bare concatenated symbols.
// Longer and more common quotes come first so BTCUSDT peels USDT, not
// USD followed by a dangling T.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

// leveragedSuffixes marks leveraged-token bases excluded from selection.
var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR", "3L", "3S", "2L", "2S"}

// stablecoinBases never make interesting trading symbols against USDT.
var stablecoinBases = map[string]bool{
	"USDC": true, "BUSD": true, "TUSD": true, "DAI": true,
	"FDUSD": true, "USDP": true, "EUR": true,
}

// NormalizeSymbol maps the accepted spellings of a pair onto the venue's
// concatenated form: BASE/QUOTE, BASE-QUOTE and BASE-QUOTE-SWAP all
// become BASEQUOTE. A bare symbol is validated by peeling a known quote.
func NormalizeSymbol(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}

	if i := strings.IndexByte(s, '/'); i > 0 {
		return s[:i] + s[i+1:], nil
	}
	if strings.Contains(s, "-") {
		parts := strings.Split(s, "-")
		// BASE-QUOTE-SWAP is the perpetual spelling on some venues.
		if len(parts) == 3 && parts[2] == "SWAP" {
			parts = parts[:2]
		}
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("unrecognized symbol format %q", s)
		}
		return parts[0] + parts[1], nil
	}

	if _, _, err := SplitSymbol(s); err != nil {
		return "", err
	}
	return s, nil
}

// SplitSymbol peels a concatenated symbol into base and quote using the
// fixed quote preference order.
func SplitSymbol(s string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("symbol %q has no recognized quote asset", s)
}

// ToCCXT renders a concatenated symbol in BASE/QUOTE form. It round-trips
// with NormalizeSymbol for every symbol with a recognized quote.
func ToCCXT(s string) (string, error) {
	base, quote, err := SplitSymbol(s)
	if err != nil {
		return "", err
	}
	return base + "/" + quote, nil
}

func isLeveragedToken(base string) bool {
	for _, suf := range leveragedSuffixes {
		if strings.HasSuffix(base, suf) && len(base) > len(suf) {
			return true
		}
	}
	return false
}

// TopSymbols picks the N most liquid USDT pairs by 24h quote volume,
// excluding stablecoin bases and leveraged tokens.
func TopSymbols(ctx context.Context, client *binance.Client, n int) ([]string, error) {
	tickers, err := client.GetSpot24hrTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch 24h tickers: %w", err)
	}

	type scored struct {
		symbol string
		volume float64
	}
	candidates := make([]scored, 0, len(tickers))
	for _, t := range tickers {
		base, quote, err := SplitSymbol(t.Symbol)
		if err != nil || quote != "USDT" {
			continue
		}
		if stablecoinBases[base] || isLeveragedToken(base) {
			continue
		}
		candidates = append(candidates, scored{symbol: t.Symbol, volume: t.QuoteVolume})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].volume > candidates[j].volume })
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].symbol
	}
	return out, nil
}
