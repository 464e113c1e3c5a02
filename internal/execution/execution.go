// Package execution places trade entries using a 3-tier limit order
// escalation: PostOnly at best price for the first attempts, falling
// back to a regular GTC limit order that may cross as taker once those
// are exhausted.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/moneymath"
	"haflip-engine/internal/transport"
)

// Config controls fill-timeout and retry behavior.
type Config struct {
	FillTimeout    time.Duration
	MaxFillRetries int
	PostOnlyRetries int
	PollInterval   time.Duration
}

// Executor places entry orders against a RestClient with tiered
// escalation and polls for fills.
type Executor struct {
	client transport.RestClient
	cfg    Config
	logger zerolog.Logger
}

func NewExecutor(client transport.RestClient, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Executor{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "Executor").Logger(),
	}
}

// EntryResult is the outcome of ExecuteEntry.
type EntryResult struct {
	Filled       bool
	EntryPrice   decimal.Decimal
	Qty          decimal.Decimal
	OrderID      string
	Tier         int
	FillAttempts int
}

// ExecuteEntry runs the 3-tier fill protocol for a trade entry. It
// returns Filled=false when every attempt is exhausted without a fill —
// callers treat that as FILL_FAILED, not a hard error. The error is nil
// for a plain no-fill; when an orderbook read or order placement failed
// along the way, the last such transport error is returned with it.
func (e *Executor) ExecuteEntry(ctx context.Context, symbol string, side domain.Side, coin domain.CoinInfo, positionSizeUSDT decimal.Decimal) (EntryResult, error) {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxFillRetries; attempt++ {
		var tif transport.OrderTimeInForce
		var tier int
		if attempt <= e.cfg.PostOnlyRetries {
			tif = transport.TimeInForcePostOnly
			tier = attempt
		} else {
			tif = transport.TimeInForceGTC
			tier = 3
		}

		e.logger.Info().Str("symbol", symbol).Int("tier", tier).Int("attempt", attempt).Msg("entry attempt")

		top, err := e.client.GetOrderBookTop(ctx, symbol)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to get orderbook")
			lastErr = err
			continue
		}

		price := top.BestBid
		if side == domain.Short {
			price = top.BestAsk
		}
		price = moneymath.RoundEntryPrice(side, price, coin.TickSize)

		if price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		rawQty := positionSizeUSDT.Div(price)
		qty, err := moneymath.RoundQty(rawQty, coin.QtyStep, coin.MinQty)
		if err != nil {
			e.logger.Warn().Str("symbol", symbol).Str("raw_qty", rawQty.String()).Msg("computed qty below minimum, aborting entry")
			return EntryResult{FillAttempts: attempt}, nil
		}

		e.logger.Info().Str("symbol", symbol).Str("side", string(side)).Str("price", price.String()).Str("qty", qty.String()).Str("tif", string(tif)).Msg("placing entry order")

		result, err := e.client.PlaceOrder(ctx, transport.PlaceOrderParams{
			Symbol:      symbol,
			Side:        side,
			Qty:         qty,
			Price:       price,
			TimeInForce: tif,
		})
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("order placement error")
			lastErr = err
			sleepOrDone(ctx, time.Second)
			continue
		}
		if result.PostOnlyRejected {
			e.logger.Warn().Str("symbol", symbol).Msg("PostOnly rejected, would have crossed book")
			sleepOrDone(ctx, time.Second)
			continue
		}
		if result.OrderID == "" {
			e.logger.Error().Str("symbol", symbol).Msg("no order id in response")
			continue
		}

		filled := e.waitForFill(ctx, symbol, result.OrderID)
		if filled {
			e.logger.Info().Str("symbol", symbol).Str("order_id", result.OrderID).Int("tier", tier).Msg("entry filled")
			return EntryResult{
				Filled:       true,
				EntryPrice:   price,
				Qty:          qty,
				OrderID:      result.OrderID,
				Tier:         tier,
				FillAttempts: attempt,
			}, nil
		}

		e.logger.Warn().Str("symbol", symbol).Str("order_id", result.OrderID).Msg("not filled in time, cancelling")
		if err := e.client.CancelOrder(ctx, symbol, result.OrderID); err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("cancel failed")
		}
		sleepOrDone(ctx, 500*time.Millisecond)
	}

	e.logger.Warn().Str("symbol", symbol).Int("attempts", e.cfg.MaxFillRetries).Msg("all entry attempts exhausted")
	return EntryResult{FillAttempts: e.cfg.MaxFillRetries}, lastErr
}

// SetLeverage sets a symbol's leverage ahead of an entry. Callers treat a
// failure as tolerable — it commonly means the leverage was already set
// to the requested value.
func (e *Executor) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	return e.client.SetLeverage(ctx, symbol, leverage)
}

// ClosePositionMarket force-closes a position at market, used by the
// kill switch and by the SL-arm failure path.
func (e *Executor) ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("execution: cannot close %s, non-positive qty %s", symbol, qty)
	}
	return e.client.ClosePositionMarket(ctx, symbol, side, qty)
}

func (e *Executor) waitForFill(ctx context.Context, symbol, orderID string) bool {
	deadline := time.Now().Add(e.cfg.FillTimeout)
	for time.Now().Before(deadline) {
		orders, err := e.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed polling open orders")
			sleepOrDone(ctx, e.cfg.PollInterval)
			continue
		}

		found := false
		for _, o := range orders {
			if o.OrderID != orderID {
				continue
			}
			found = true
			switch o.Status {
			case transport.OrderStatusFilled:
				return true
			case transport.OrderStatusCancelled, transport.OrderStatusRejected, transport.OrderStatusDeactivated:
				return false
			}
			break
		}
		if !found {
			// Exchange no longer lists it among open orders: filled.
			return true
		}

		if sleepOrDone(ctx, e.cfg.PollInterval) {
			return false
		}
	}
	return false
}

// sleepOrDone sleeps for d unless ctx is cancelled first, returning true
// if the context was cancelled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
