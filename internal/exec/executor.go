// Package exec places maker limit orders and confirms their fills under a
// bounded retry policy: place, poll, cancel, re-quote, resubmit.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/trading"

	"go.uber.org/zap"
)

// ErrTimeoutExhausted reports that every attempt timed out without a fill.
// Callers treat it as a recoverable cycle abort, not a fatal error.
var ErrTimeoutExhausted = errors.New("limit order retries exhausted")

// Gateway is the slice of the exchange capability the executor needs.
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, req trading.OrderRequest) (string, error)
	OrderStatus(ctx context.Context, account, symbol, orderID string) (trading.OrderStatus, error)
	CancelOrder(ctx context.Context, account, symbol, orderID string) error
}

// Quote is a freshly computed price and size for one placement attempt.
// Re-quoting per attempt tracks a market that moved during the last wait.
type Quote struct {
	Price float64
	Size  float64
}

type QuoteFunc func(ctx context.Context) (Quote, error)

// Policy bounds one PlaceAndConfirm call. Poll intervals are drawn per
// attempt from [PollMin, PollMax].
type Policy struct {
	MaxAttempts int
	FillTimeout time.Duration
	PollMin     time.Duration
	PollMax     time.Duration
}

type Spec struct {
	Account    string
	Symbol     string
	Side       trading.Side
	ReduceOnly bool
	Quote      QuoteFunc
}

type Fill struct {
	OrderID string
	Price   float64
	Size    float64
}

type Executor struct {
	gw    Gateway
	clock trading.Clock
	log   *zap.Logger
}

func New(gw Gateway, clock trading.Clock, log *zap.Logger) *Executor {
	return &Executor{gw: gw, clock: clock, log: log}
}

// PlaceAndConfirm runs at most pol.MaxAttempts placement attempts. The
// previous attempt's order is always cancelled before a new one is
// submitted, so one account never has two outstanding entry orders.
func (e *Executor) PlaceAndConfirm(ctx context.Context, spec Spec, pol Policy) (Fill, error) {
	if pol.MaxAttempts <= 0 {
		return Fill{}, errors.New("policy max attempts must be > 0")
	}
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		quote, err := spec.Quote(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Fill{}, ctx.Err()
			}
			e.log.Warn("quote failed",
				zap.String("account", spec.Account),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if err := e.clock.Sleep(ctx, trading.Jitter(pol.PollMin, pol.PollMax)); err != nil {
				return Fill{}, err
			}
			continue
		}
		orderID, err := e.gw.PlaceLimitOrder(ctx, trading.OrderRequest{
			Account:    spec.Account,
			Symbol:     spec.Symbol,
			Side:       spec.Side,
			Price:      quote.Price,
			Size:       quote.Size,
			ReduceOnly: spec.ReduceOnly,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Fill{}, ctx.Err()
			}
			e.log.Warn("order placement failed",
				zap.String("account", spec.Account),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if err := e.clock.Sleep(ctx, trading.Jitter(pol.PollMin, pol.PollMax)); err != nil {
				return Fill{}, err
			}
			continue
		}
		e.log.Info("limit order placed",
			zap.String("account", spec.Account),
			zap.String("side", string(spec.Side)),
			zap.Float64("price", quote.Price),
			zap.Float64("size", quote.Size),
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt),
		)
		filled, err := e.awaitFill(ctx, spec, orderID, pol)
		if err != nil {
			return Fill{}, err
		}
		if filled {
			return Fill{OrderID: orderID, Price: quote.Price, Size: quote.Size}, nil
		}
		// Unfilled at timeout: cancel before any resubmission so the
		// next attempt never overlaps this order.
		if err := e.gw.CancelOrder(ctx, spec.Account, spec.Symbol, orderID); err != nil {
			if errors.Is(err, trading.ErrAlreadyFilled) {
				return Fill{OrderID: orderID, Price: quote.Price, Size: quote.Size}, nil
			}
			if ctx.Err() != nil {
				return Fill{}, ctx.Err()
			}
			e.log.Warn("cancel failed",
				zap.String("account", spec.Account),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
	}
	return Fill{}, fmt.Errorf("%s %s for %s after %d attempts: %w",
		spec.Side, spec.Symbol, spec.Account, pol.MaxAttempts, ErrTimeoutExhausted)
}

func (e *Executor) awaitFill(ctx context.Context, spec Spec, orderID string, pol Policy) (bool, error) {
	deadline := e.clock.Now().Add(pol.FillTimeout)
	for {
		status, err := e.gw.OrderStatus(ctx, spec.Account, spec.Symbol, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			e.log.Warn("order status check failed",
				zap.String("account", spec.Account),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		} else {
			switch status {
			case trading.OrderFilled:
				return true, nil
			case trading.OrderCancelled:
				return false, nil
			}
		}
		if !e.clock.Now().Before(deadline) {
			return false, nil
		}
		if err := e.clock.Sleep(ctx, trading.Jitter(pol.PollMin, pol.PollMax)); err != nil {
			return false, err
		}
	}
}
