package downloader

import (
	"os"
	"testing"
)

// writeFile is shared by the checkpoint tests.
func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestNormalizeSymbolFormats(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC/USDT", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{"ETH-USDT", "ETHUSDT"},
		{"ETH-USDT-SWAP", "ETHUSDT"},
		{"SOLUSDT", "SOLUSDT"},
		{" bnbusdt ", "BNBUSDT"},
		{"DOT-BTC", "DOTBTC"},
	}
	for _, tc := range cases {
		got, err := NormalizeSymbol(tc.in)
		if err != nil {
			t.Errorf("NormalizeSymbol(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeSymbolRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "XYZ", "-USDT", "BTC-", "A-B-C"} {
		if got, err := NormalizeSymbol(in); err == nil {
			t.Errorf("NormalizeSymbol(%q) = %q, want error", in, got)
		}
	}
}

func TestSplitSymbolPeelsLongestQuoteFirst(t *testing.T) {
	// BTCUSDT must peel USDT, not USD.
	base, quote, err := SplitSymbol("BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if base != "BTC" || quote != "USDT" {
		t.Errorf("SplitSymbol(BTCUSDT) = %s/%s", base, quote)
	}
}

func TestToCCXTRoundTrip(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHBTC", "SOLBNB", "AVAXUSDC"} {
		ccxt, err := ToCCXT(sym)
		if err != nil {
			t.Fatalf("ToCCXT(%s): %v", sym, err)
		}
		back, err := NormalizeSymbol(ccxt)
		if err != nil {
			t.Fatalf("NormalizeSymbol(%s): %v", ccxt, err)
		}
		if back != sym {
			t.Errorf("round trip %s -> %s -> %s", sym, ccxt, back)
		}
	}
}

func TestLeveragedTokenDetection(t *testing.T) {
	leveraged := []string{"BTCUP", "ETHDOWN", "ADABULL", "XRPBEAR", "SOL3L", "DOGE2S"}
	for _, b := range leveraged {
		if !isLeveragedToken(b) {
			t.Errorf("%s should be flagged as a leveraged token", b)
		}
	}
	plain := []string{"BTC", "SUSHI", "LINK", "BEAR"} // bare BEAR is a real base, not a suffix
	for _, b := range plain {
		if isLeveragedToken(b) {
			t.Errorf("%s wrongly flagged as leveraged", b)
		}
	}
}
