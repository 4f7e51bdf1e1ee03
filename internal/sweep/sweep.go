// Package sweep moves idle USDC from sub-accounts back to the main
// account after a cycle settles.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/trading"

	"go.uber.org/zap"
)

// Gateway is the slice of the exchange capability the sweeper needs.
type Gateway interface {
	FreeBalance(ctx context.Context, account string) (float64, error)
	Transfer(ctx context.Context, from, to string, amount float64) error
}

// Outcome reports one account's sweep. Amount is what was actually moved;
// zero with a nil Err means the balance was below the dust threshold.
type Outcome struct {
	Account string
	Amount  float64
	Err     error
}

type Manager struct {
	gw        Gateway
	clock     trading.Clock
	log       *zap.Logger
	attempts  int
	minAmount float64
	delayMin  time.Duration
	delayMax  time.Duration
}

func New(gw Gateway, clock trading.Clock, log *zap.Logger, attempts int, minAmount float64, delayMin, delayMax time.Duration) *Manager {
	if attempts < 1 {
		attempts = 1
	}
	return &Manager{
		gw:        gw,
		clock:     clock,
		log:       log,
		attempts:  attempts,
		minAmount: minAmount,
		delayMin:  delayMin,
		delayMax:  delayMax,
	}
}

// Sweep drains each account in from into to. Accounts are independent: a
// failure on one is recorded in its Outcome and the rest still run.
func (m *Manager) Sweep(ctx context.Context, from []string, to string) []Outcome {
	outcomes := make([]Outcome, 0, len(from))
	for _, account := range from {
		amount, err := m.sweepOne(ctx, account, to)
		outcomes = append(outcomes, Outcome{Account: account, Amount: amount, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return outcomes
}

func (m *Manager) sweepOne(ctx context.Context, from, to string) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if attempt > 1 {
			if err := m.clock.Sleep(ctx, trading.Jitter(m.delayMin, m.delayMax)); err != nil {
				return 0, err
			}
		}
		balance, err := m.gw.FreeBalance(ctx, from)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = err
			m.log.Warn("balance check failed",
				zap.String("account", from),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if balance < m.minAmount {
			m.log.Debug("balance below sweep threshold",
				zap.String("account", from),
				zap.Float64("balance", balance),
			)
			return 0, nil
		}
		if err := m.gw.Transfer(ctx, from, to, balance); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = err
			m.log.Warn("sweep transfer failed",
				zap.String("account", from),
				zap.Float64("amount", balance),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		m.log.Info("swept funds",
			zap.String("from", from),
			zap.String("to", to),
			zap.Float64("amount", balance),
		)
		return balance, nil
	}
	return 0, fmt.Errorf("sweep %s after %d attempts: %w", from, m.attempts, lastErr)
}
