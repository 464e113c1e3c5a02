// Package transport defines the narrow boundary between the trading
// engine and the exchange: a REST client for orders/account state and a
// streaming source of market and account events. internal/exchange is
// the concrete implementation this engine wires up.
package transport

import (
	"context"

	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

// OrderTimeInForce mirrors the exchange-level time-in-force values the
// execution tier escalation relies on.
type OrderTimeInForce string

const (
	TimeInForcePostOnly OrderTimeInForce = "PostOnly"
	TimeInForceGTC      OrderTimeInForce = "GTC"
)

// OrderStatus is the exchange-reported lifecycle of a placed order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusDeactivated OrderStatus = "DEACTIVATED"
)

// PlaceOrderParams is the input to RestClient.PlaceOrder.
type PlaceOrderParams struct {
	Symbol      string
	Side        domain.Side
	Qty         decimal.Decimal
	Price       decimal.Decimal
	TimeInForce OrderTimeInForce
	ReduceOnly  bool
}

// PlaceOrderResult is the exchange's immediate response to an order
// placement request. PostOnlyRejected is true when the order would have
// crossed the book and was refused rather than filling as taker.
type PlaceOrderResult struct {
	OrderID          string
	PostOnlyRejected bool
}

// OpenOrder is a resting order as reported by the exchange.
type OpenOrder struct {
	OrderID string
	Status  OrderStatus
}

// OrderBookTop is the best bid/ask for a symbol.
type OrderBookTop struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// PositionInfo is the exchange's view of an open position.
type PositionInfo struct {
	Symbol          string
	Side            domain.Side
	Qty             decimal.Decimal
	UnrealizedPnL   decimal.Decimal
}

// RestClient is the set of exchange REST operations the trading engine
// needs. Implementations are expected to translate exchange-native
// errors/fields into these domain-shaped types.
type RestClient interface {
	GetOrderBookTop(ctx context.Context, symbol string) (OrderBookTop, error)
	PlaceOrder(ctx context.Context, params PlaceOrderParams) (PlaceOrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	SetLeverage(ctx context.Context, symbol string, leverage int64) error
	SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error
	ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error
	GetOpenPositions(ctx context.Context) ([]PositionInfo, error)
	GetSymbolInfo(ctx context.Context, symbol string) (domain.CoinInfo, error)
	GetTopSymbolsByVolume(ctx context.Context, limit int) ([]domain.CoinInfo, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// EventKind tags a streamed Event's payload type, replacing brittle
// string-prefix topic matching with a typed dispatch switch.
type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventKindKline240
	EventKindKline15
	EventKindKline5
	EventKindTicker
	EventKindPositionUpdate
	EventKindExecution
)

// KlineEvent carries a candle update for a specific interval.
type KlineEvent struct {
	Symbol string
	Candle domain.Candle
}

// TickerEvent carries a mark/last price tick for SL/TP evaluation.
type TickerEvent struct {
	Symbol string
	Price  decimal.Decimal
}

// PositionUpdateEvent reports a change in an exchange-side position,
// used to detect an SL/TP fill that closed a position out-of-band.
// PnL is the exchange's cumRealisedPnl, valid once Size has dropped to
// zero and the position is flat.
type PositionUpdateEvent struct {
	Symbol string
	Size   decimal.Decimal
	PnL    decimal.Decimal
}

// ExecutionEvent reports a fill, used to accumulate fees by order ID.
type ExecutionEvent struct {
	Symbol  string
	OrderID string
	Fee     decimal.Decimal
}

// Event is a single tagged message from the Stream. Exactly one of the
// payload fields is populated, selected by Kind.
type Event struct {
	Kind            EventKind
	Kline           *KlineEvent
	Ticker          *TickerEvent
	PositionUpdate  *PositionUpdateEvent
	Execution       *ExecutionEvent
}

// Stream is a push source of exchange market/account events. Run starts
// the stream in the background and returns at once; events arrive on the
// first returned channel and connection errors on the second, until ctx
// is cancelled.
type Stream interface {
	Run(ctx context.Context) (<-chan Event, <-chan error)
}
