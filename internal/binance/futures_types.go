package binance

// ==================== ENUMS ====================

// MarginType represents the margin mode for futures trading
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// OrderSide represents the order direction
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus represents order status
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// ==================== MARKET DATA ====================

// Kline is one OHLCV bar. Times are Binance epoch milliseconds.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// Ticker24hr is one row of the spot 24hr ticker endpoint, used for
// top-N symbol selection by quote volume.
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
}

// ==================== ACCOUNT ====================

// Balance is the USDT futures wallet snapshot.
type Balance struct {
	Total         float64
	Available     float64
	UnrealizedPnL float64
}

// futuresBalanceEntry is one row of /fapi/v2/balance.
type futuresBalanceEntry struct {
	Asset            string  `json:"asset"`
	Balance          float64 `json:"balance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
	CrossUnPnl       float64 `json:"crossUnPnl,string"`
}

// Position is an open futures position. Quantity is always positive;
// Side carries the direction. Callers receive nil, not a zero-quantity
// Position, when there is nothing open.
type Position struct {
	Symbol        string
	Side          string // "LONG" or "SHORT"
	Quantity      float64
	EntryPrice    float64
	Leverage      int
	MarginType    MarginType
	UnrealizedPnL float64
}

// positionRiskEntry is one row of /fapi/v2/positionRisk.
type positionRiskEntry struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
}

// ==================== ORDERS ====================

// OrderFill is one fill reported inside an order response.
type OrderFill struct {
	Price    float64 `json:"price,string"`
	Qty      float64 `json:"qty,string"`
	TradeID  int64   `json:"tradeId"`
	Comm     float64 `json:"commission,string"`
	CommAsst string  `json:"commissionAsset"`
}

// OrderResult is the normalized outcome of a market order. AvgPrice is
// venue-reported when present, otherwise derived from fills; AvgPriceSource
// says which.
type OrderResult struct {
	OrderID        int64
	Symbol         string
	Side           OrderSide
	ExecutedQty    float64
	AvgPrice       float64
	AvgPriceSource AvgPriceSource
	Status         OrderStatus
}

// AvgPriceSource marks where OrderResult.AvgPrice came from.
type AvgPriceSource int

const (
	AvgPriceVenue AvgPriceSource = iota
	AvgPriceDerived
)

// futuresOrderResponse is the raw /fapi/v1/order response.
type futuresOrderResponse struct {
	OrderID     int64       `json:"orderId"`
	Symbol      string      `json:"symbol"`
	Status      string      `json:"status"`
	Side        string      `json:"side"`
	Type        string      `json:"type"`
	OrigQty     float64     `json:"origQty,string"`
	ExecutedQty float64     `json:"executedQty,string"`
	AvgPrice    float64     `json:"avgPrice,string"`
	Fills       []OrderFill `json:"fills"`
}

// ==================== EXCHANGE INFO ====================

// SymbolPrecision carries the venue-declared rounding rules for a symbol.
type SymbolPrecision struct {
	Symbol         string
	PricePrecision int
	QtyPrecision   int
	MinNotional    float64
}

type exchangeInfo struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	ContractType      string           `json:"contractType"`
	QuoteAsset        string           `json:"quoteAsset"`
	PricePrecision    int              `json:"pricePrecision"`
	QuantityPrecision int              `json:"quantityPrecision"`
	Filters           []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType  string `json:"filterType"`
	MinNotional string `json:"notional"`
}
