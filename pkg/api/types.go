package api

// API request/response types for REST endpoints and WebSocket messages.

// MarketInfo represents a market's static configuration.
type MarketInfo struct {
	Symbol                string `json:"symbol"`     // e.g., "BTC-USD"
	BaseAsset             string `json:"baseAsset"`  // e.g., "BTC"
	QuoteAsset            string `json:"quoteAsset"` // e.g., "USD"
	BasisPoint            int64  `json:"basisPoint"` // pip = price * basisPoint
	MaxLeverage           int64  `json:"maxLeverage"`
	TollRatioBps          int64  `json:"tollRatioBps"`
	MaintenanceMarginBps  int64  `json:"maintenanceMarginBps"`
	PartialLiquidationBps int64  `json:"partialLiquidationBps"`
	CurrentPrice          string `json:"currentPrice"` // price at the current pip
}

// OrderbookSnapshot represents aggregated book depth around the current pip.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel is one aggregated pip of resting liquidity.
type PriceLevel struct {
	Price string `json:"price"` // decimal quote price
	Pip   uint64 `json:"pip"`
	Size  uint64 `json:"size"`
}

// PositionInfo represents an open position marked to the current price.
type PositionInfo struct {
	Symbol        string `json:"symbol"`
	Quantity      int64  `json:"quantity"` // +ve = long, -ve = short
	EntryPrice    int64  `json:"entryPrice"`
	MarkPrice     int64  `json:"markPrice"`
	Margin        int64  `json:"margin"`
	Leverage      int64  `json:"leverage"`
	OpenNotional  int64  `json:"openNotional"`
	UnrealizedPnL int64  `json:"unrealizedPnl"`
	MarginRatio   int64  `json:"marginRatio"` // basis points
}

// PendingOrderInfo represents a resting order.
type PendingOrderInfo struct {
	Symbol        string `json:"symbol"`
	OrderID       uint64 `json:"orderId"`
	Pip           uint64 `json:"pip"`
	Price         string `json:"price"`
	Side          string `json:"side"` // "buy" or "sell"
	Size          uint64 `json:"size"`
	PartialFilled uint64 `json:"partialFilled"`
	IsFilled      bool   `json:"isFilled"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders.
type SubmitOrderRequest struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`  // "buy" or "sell"
	Type     string `json:"type"`  // "market" or "limit"
	Price    string `json:"price"` // decimal string, required for limit orders
	Quantity uint64 `json:"quantity"`
	Leverage int64  `json:"leverage"`
}

// SubmitOrderResponse is the response from order submission.
type SubmitOrderResponse struct {
	Status    string `json:"status"` // "filled", "resting", "partial"
	OrderID   uint64 `json:"orderId,omitempty"`
	Pip       uint64 `json:"pip,omitempty"`
	Filled    uint64 `json:"filled"`
	Remaining uint64 `json:"remaining"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Pip     uint64 `json:"pip"`
	OrderID uint64 `json:"orderId"`
}

// ClosePositionRequest is the payload for POST /api/v1/positions/close.
type ClosePositionRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Percent uint64 `json:"percent"` // 1-100
}

// MarginRequest is the payload for the margin add/remove endpoints.
type MarginRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  int64  `json:"amount"`
}

// ClaimRequest is the payload for POST /api/v1/funds/claim.
type ClaimRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// LiquidateRequest is the payload for POST /api/v1/liquidate.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Trader     string `json:"trader"`
	Symbol     string `json:"symbol"`
}

// LiquidateResponse describes what a liquidation did.
type LiquidateResponse struct {
	Partial           bool  `json:"partial"`
	LiquidatedSize    int64 `json:"liquidatedSize"`
	RemainingQuantity int64 `json:"remainingQuantity"`
	Fee               int64 `json:"fee"`
	LiquidatorReward  int64 `json:"liquidatorReward"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:BTC-USD"]
}

// OrderbookUpdate is broadcast to orderbook channel subscribers after every
// book mutation.
type OrderbookUpdate struct {
	Type      string       `json:"type"` // "orderbook"
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
