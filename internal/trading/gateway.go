// Package trading holds the contracts shared by the per-pair engine: the
// exchange gateway capability, order and position types, the error taxonomy
// and the clock abstraction used to keep retry logic testable.
package trading

import (
	"context"
	"errors"
)

type Side string

const (
	SideBid Side = "Bid"
	SideAsk Side = "Ask"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderRequest is created fresh per placement attempt and never reused.
// Market orders ignore Price.
type OrderRequest struct {
	Account    string
	Symbol     string
	Side       Side
	Price      float64
	Size       float64
	ReduceOnly bool
}

type Position struct {
	Account          string
	Symbol           string
	Size             float64 // signed net quantity, negative for shorts
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
}

type Market struct {
	Symbol         string
	BaseIncrement  float64
	PriceIncrement float64
}

var (
	ErrAlreadyFilled     = errors.New("order already filled")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferFailed    = errors.New("transfer failed")
	// ErrTransient marks gateway failures worth retrying on the next poll
	// tick rather than aborting a cycle.
	ErrTransient = errors.New("transient gateway error")
)

// Gateway is the authenticated exchange capability consumed by the engine.
// Accounts are addressed by configured name; the implementation owns the
// per-account credentials.
type Gateway interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	MarketInfo(ctx context.Context, symbol string) (Market, error)
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, account, symbol, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, account, symbol, orderID string) error
	Position(ctx context.Context, account, symbol string) (Position, bool, error)
	FreeBalance(ctx context.Context, account string) (float64, error)
	Transfer(ctx context.Context, from, to string, amount float64) error
	SetLeverage(ctx context.Context, account, symbol string, leverage float64) error
}
