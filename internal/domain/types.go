// Package domain holds the core trading entities shared by every subsystem:
// candles, Heiken Ashi candles, signals, trades, slots and coin metadata.
// All money and price fields use decimal.Decimal — binary floats never
// enter order pricing or P&L (I-DEC).
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Candle is a standard OHLCV candle. Timestamp is the start-of-interval
// instant in Unix milliseconds. Confirmed=false marks a live, in-progress
// candle.
type Candle struct {
	TimestampMs int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	Confirmed   bool
}

// HACandle is a derived Heiken Ashi candle.
type HACandle struct {
	TimestampMs int64
	HAOpen      decimal.Decimal
	HAClose     decimal.Decimal
	HAHigh      decimal.Decimal
	HALow       decimal.Decimal
}

// IsBullish reports whether the candle closed above its open. Equality is
// neither bullish nor bearish — no flip triggers on a doji HA candle.
func (h HACandle) IsBullish() bool {
	return h.HAClose.GreaterThan(h.HAOpen)
}

func (h HACandle) IsBearish() bool {
	return h.HAClose.LessThan(h.HAOpen)
}

// Signal is an HA flip detected for a symbol.
type Signal struct {
	Symbol     string
	Side       Side
	DetectedAt time.Time
	HACandle   HACandle
}

// TPLevel is a single rung of the take-profit ladder.
type TPLevel struct {
	Level   int
	Price   decimal.Decimal
	Hit     bool
	HitTime *time.Time
}

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusFilling   TradeStatus = "FILLING"
	TradeStatusOpen      TradeStatus = "OPEN"
	TradeStatusClosing   TradeStatus = "CLOSING"
	TradeStatusClosed    TradeStatus = "CLOSED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

// ExitReason explains why a trade closed.
type ExitReason string

const (
	ExitReasonSLHit      ExitReason = "SL_HIT"
	ExitReasonTrailingSL ExitReason = "TRAILING_SL"
	ExitReasonKillSwitch ExitReason = "KILL_SWITCH"
	ExitReasonManual     ExitReason = "MANUAL"
	ExitReasonFillFailed ExitReason = "FILL_FAILED"
)

// Trade is a single position through its full lifecycle, from slot
// reservation to close.
type Trade struct {
	ID              string
	SlotID          int
	Symbol          string
	Side            Side
	EntryPrice      *decimal.Decimal
	Qty             *decimal.Decimal
	EntryOrderID    string
	InitialSLPrice  *decimal.Decimal
	CurrentSLPrice  *decimal.Decimal
	TPLevels        []TPLevel
	HighestTPReached int
	ATRValue        *decimal.Decimal
	Status          TradeStatus
	PnL             *decimal.Decimal
	Fees            decimal.Decimal
	EntryTime       *time.Time
	ExitTime        *time.Time
	ExitReason      *ExitReason
	FillAttempts    int
	CreatedAt       time.Time
}

// SlotState is the lifecycle state of a capital slot.
type SlotState string

const (
	SlotAvailable SlotState = "AVAILABLE"
	SlotAssigned  SlotState = "ASSIGNED"
	SlotInTrade   SlotState = "IN_TRADE"
	SlotCooldown  SlotState = "COOLDOWN"
	SlotFrozen    SlotState = "FROZEN"
)

// Slot is an independent capital bucket with its own compounding balance.
type Slot struct {
	ID              int
	Balance         decimal.Decimal
	State           SlotState
	CurrentSymbol   *string
	CurrentTradeID  *string
	TotalTrades     int
	TotalPnL        decimal.Decimal
	CooldownUntil   *time.Time
	UpdatedAt       time.Time
}

// CoinInfo is the tracked metadata for a symbol in the trading universe.
// QtyStep and TickSize are strictly positive.
type CoinInfo struct {
	Symbol        string
	BaseAsset     string
	Volume24h     decimal.Decimal
	MinQty        decimal.Decimal
	QtyStep       decimal.Decimal
	TickSize      decimal.Decimal
	InActiveTrade bool
}
