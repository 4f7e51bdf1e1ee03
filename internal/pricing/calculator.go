// Package pricing computes maker entry prices and take-profit trigger
// prices from market price, leverage and the configured fractional offsets.
// All functions are pure.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/savplux/backpack-liquidation-limit/internal/trading"
)

var ErrInvalidInput = errors.New("invalid calculator input")

// EntryPrice biases a limit order away from the touch so it rests on the
// book and earns maker fees: above mark for longs, below mark for shorts.
func EntryPrice(mark, leverage, offset float64, side trading.Side) (float64, error) {
	if mark <= 0 {
		return 0, fmt.Errorf("mark price %v: %w", mark, ErrInvalidInput)
	}
	if leverage <= 0 {
		return 0, fmt.Errorf("leverage %v: %w", leverage, ErrInvalidInput)
	}
	if side == trading.SideBid {
		return mark * (1 + offset), nil
	}
	return mark * (1 - offset), nil
}

// TakeProfitPrice pins a leg's take-profit to its own liquidation price.
// The short offset is configured negative, which places the short's trigger
// below its liquidation price.
func TakeProfitPrice(liquidation, offset float64) (float64, error) {
	if liquidation <= 0 {
		return 0, fmt.Errorf("liquidation price %v: %w", liquidation, ErrInvalidInput)
	}
	return liquidation * (1 + offset), nil
}

// FloorToIncrement rounds v down to a multiple of inc, matching the
// exchange's tick and lot size rules. A non-positive inc returns v as is.
func FloorToIncrement(v, inc float64) float64 {
	if inc <= 0 {
		return v
	}
	return math.Floor(v/inc+1e-9) * inc
}
