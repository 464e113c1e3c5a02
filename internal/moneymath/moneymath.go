// Package moneymath rounds prices and quantities to exchange tick/lot
// steps. All rounding direction choices favor either fill probability
// (entry) or conservatism (stop loss, take profit) as described per
// function.
package moneymath

import (
	"errors"

	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
)

// ErrQtyBelowMin is returned when a computed order quantity rounds down
// below the symbol's minimum tradable quantity.
var ErrQtyBelowMin = errors.New("moneymath: quantity below minimum")

// RoundEntryPrice rounds a candidate entry price toward the side that is
// most likely to fill as a maker: floor for LONG (bid side), ceil for
// SHORT (ask side).
func RoundEntryPrice(side domain.Side, price, tick decimal.Decimal) decimal.Decimal {
	if side == domain.Long {
		return floorToStep(price, tick)
	}
	return ceilToStep(price, tick)
}

// RoundStopLoss rounds a stop loss price in the conservative direction —
// toward the entry, so the stop is never wider than computed: ceil for
// LONG, floor for SHORT.
func RoundStopLoss(side domain.Side, price, tick decimal.Decimal) decimal.Decimal {
	if side == domain.Long {
		return ceilToStep(price, tick)
	}
	return floorToStep(price, tick)
}

// RoundTakeProfit rounds a take profit price in the direction that makes
// the level easier to hit, i.e. closer to the entry: floor for LONG,
// ceil for SHORT.
func RoundTakeProfit(side domain.Side, price, tick decimal.Decimal) decimal.Decimal {
	if side == domain.Long {
		return floorToStep(price, tick)
	}
	return ceilToStep(price, tick)
}

// RoundQty floors qty to the symbol's qty step and rejects it if the
// result is below minQty.
func RoundQty(qty, step, minQty decimal.Decimal) (decimal.Decimal, error) {
	rounded := floorToStep(qty, step)
	if rounded.LessThan(minQty) {
		return decimal.Zero, ErrQtyBelowMin
	}
	return rounded, nil
}

func floorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Floor()
	return units.Mul(step)
}

func ceilToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Ceil()
	return units.Mul(step)
}
