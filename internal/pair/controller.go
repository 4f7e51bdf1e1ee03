// Package pair runs the hedged short/long cycle for one account pair: open
// the short, mirror it with a long, arm take-profits against the liquidation
// prices and watch until both legs are gone.
package pair

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/config"
	"github.com/savplux/backpack-liquidation-limit/internal/exec"
	"github.com/savplux/backpack-liquidation-limit/internal/metrics"
	"github.com/savplux/backpack-liquidation-limit/internal/pricing"
	"github.com/savplux/backpack-liquidation-limit/internal/state"
	"github.com/savplux/backpack-liquidation-limit/internal/sweep"
	"github.com/savplux/backpack-liquidation-limit/internal/trading"

	"go.uber.org/zap"
)

// monitorWindow caps how long a cycle may sit in MONITORING before the
// remaining legs are flattened at market.
const monitorWindow = 24 * time.Hour

const setupAttempts = 3

// Placer confirms maker limit fills under a bounded retry policy.
type Placer interface {
	PlaceAndConfirm(ctx context.Context, spec exec.Spec, pol exec.Policy) (exec.Fill, error)
}

// Sweeper drains sub-account balances back to the main account.
type Sweeper interface {
	Sweep(ctx context.Context, from []string, to string) []sweep.Outcome
}

// Alerter pushes cycle events to the operator channel. Implementations own
// the message wording; the controller only reports what happened.
type Alerter interface {
	CycleFinished(ctx context.Context, pair string, aborted bool, reason string) error
	LegLiquidated(ctx context.Context, pair, account string, liqPrice float64) error
	SweepFailed(ctx context.Context, pair, account string, cause error) error
}

// Recorder receives one record per finished cycle for long-term storage.
type Recorder interface {
	RecordCycle(pair string, result CycleResult, reason string, short, long Leg, swept float64)
}

type ControllerConfig struct {
	Name     string
	Trade    config.TradeConfig
	Sweep    config.SweepConfig
	Short    config.Account
	Long     config.Account
	Main     config.Account
	Gateway  trading.Gateway
	Exec     Placer
	Sweeper  Sweeper
	Store    state.Store
	Clock    trading.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Alerts   Alerter
	Recorder Recorder
}

type Controller struct {
	name    string
	trade   config.TradeConfig
	sweep   config.SweepConfig
	short   config.Account
	long    config.Account
	main    config.Account
	gw      trading.Gateway
	exec    Placer
	sweeper Sweeper
	store   state.Store
	clock   trading.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	alerts  Alerter
	rec     Recorder
	sm      *StateMachine
}

func NewController(cfg ControllerConfig) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Controller{
		name:    cfg.Name,
		trade:   cfg.Trade,
		sweep:   cfg.Sweep,
		short:   cfg.Short,
		long:    cfg.Long,
		main:    cfg.Main,
		gw:      cfg.Gateway,
		exec:    cfg.Exec,
		sweeper: cfg.Sweeper,
		store:   cfg.Store,
		clock:   cfg.Clock,
		log:     cfg.Log.With(zap.String("pair", cfg.Name)),
		metrics: m,
		alerts:  cfg.Alerts,
		rec:     cfg.Recorder,
		sm:      NewStateMachine(),
	}
}

func (c *Controller) State() State { return c.sm.Current() }

// RunCycle drives one full cycle from IDLE back to IDLE. A returned error
// means the cycle was aborted; the controller has already unwound whatever
// it opened and the caller only decides when to start the next cycle.
func (c *Controller) RunCycle(ctx context.Context) error {
	c.sm.SetState(StateIdle)

	shortLeg := Leg{Account: c.short.Name, Side: trading.SideAsk}
	longLeg := Leg{Account: c.long.Name, Side: trading.SideBid}

	if err := c.prepareAccounts(ctx); err != nil {
		return c.abort(ctx, &shortLeg, &longLeg, "account preparation failed", err)
	}

	market, err := c.gw.MarketInfo(ctx, c.trade.Symbol)
	if err != nil {
		return c.abort(ctx, &shortLeg, &longLeg, "market info unavailable", err)
	}

	c.sm.Apply(EventOpenShort)
	c.persist(ctx, shortLeg, longLeg)
	fill, err := c.openLeg(ctx, c.short.Name, shortLeg.Side, c.trade.MakerOffset.Short, market)
	if err != nil {
		return c.abort(ctx, &shortLeg, &longLeg, "short entry failed", err)
	}
	shortLeg.Size = fill.Size
	shortLeg.EntryPrice = fill.Price
	c.metrics.OrdersPlaced.Inc()
	c.log.Info("short leg filled",
		zap.Float64("size", shortLeg.Size),
		zap.Float64("price", shortLeg.EntryPrice),
	)

	c.sm.Apply(EventShortOK)
	c.persist(ctx, shortLeg, longLeg)
	c.pause(ctx)

	fill, err = c.openLeg(ctx, c.long.Name, longLeg.Side, c.trade.MakerOffset.Long, market)
	if err != nil {
		// The hedge is broken: flatten the short before giving up so
		// the pair never carries one-sided exposure.
		return c.abort(ctx, &shortLeg, &longLeg, "long entry failed", err)
	}
	longLeg.Size = fill.Size
	longLeg.EntryPrice = fill.Price
	c.metrics.OrdersPlaced.Inc()
	c.log.Info("long leg filled",
		zap.Float64("size", longLeg.Size),
		zap.Float64("price", longLeg.EntryPrice),
	)

	c.sm.Apply(EventLongOK)
	c.persist(ctx, shortLeg, longLeg)
	c.pause(ctx)

	if err := c.resolveLiquidationPrices(ctx, &shortLeg, &longLeg); err != nil {
		return c.abort(ctx, &shortLeg, &longLeg, "liquidation prices unavailable", err)
	}
	c.persist(ctx, shortLeg, longLeg)

	if err := c.armTakeProfits(ctx, &shortLeg, &longLeg, market); err != nil {
		return c.abort(ctx, &shortLeg, &longLeg, "take-profit placement failed", err)
	}
	c.sm.Apply(EventTPSet)
	c.persist(ctx, shortLeg, longLeg)

	reason, err := c.monitor(ctx, &shortLeg, &longLeg)
	if err != nil {
		return c.abort(ctx, &shortLeg, &longLeg, "monitoring interrupted", err)
	}
	c.sm.Apply(EventClosed)
	c.persist(ctx, shortLeg, longLeg)

	swept := c.maybeSweep(ctx)
	c.finishCycle(ctx, shortLeg, longLeg, ResultClosed, reason, swept)
	c.sm.Apply(EventDone)
	return nil
}

// prepareAccounts tops the sub-accounts up to the configured deposit and
// sets leverage before anything is at risk.
func (c *Controller) prepareAccounts(ctx context.Context) error {
	for _, acct := range []string{c.short.Name, c.long.Name} {
		if c.trade.InitialDeposit > 0 {
			if err := c.fundAccount(ctx, acct); err != nil {
				return err
			}
		}
		if err := c.gw.SetLeverage(ctx, acct, c.trade.Symbol, c.trade.Leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", acct, err)
		}
	}
	return nil
}

func (c *Controller) fundAccount(ctx context.Context, account string) error {
	var lastErr error
	for attempt := 1; attempt <= setupAttempts; attempt++ {
		if attempt > 1 {
			if err := c.pauseErr(ctx); err != nil {
				return err
			}
		}
		balance, err := c.gw.FreeBalance(ctx, account)
		if err != nil {
			lastErr = err
			continue
		}
		if balance >= c.trade.InitialDeposit {
			return nil
		}
		needed := c.trade.InitialDeposit - balance
		if err := c.gw.Transfer(ctx, c.main.Name, account, needed); err != nil {
			lastErr = err
			c.log.Warn("funding transfer failed",
				zap.String("account", account),
				zap.Float64("amount", needed),
				zap.Error(err),
			)
			continue
		}
		c.log.Info("funded account",
			zap.String("account", account),
			zap.Float64("amount", needed),
		)
		return nil
	}
	return fmt.Errorf("fund %s: %w", account, lastErr)
}

// openLeg sizes the order off the account's free balance at leverage and
// places it through the executor. The quote is recomputed per attempt so a
// resubmission tracks the market.
func (c *Controller) openLeg(ctx context.Context, account string, side trading.Side, offset float64, market trading.Market) (exec.Fill, error) {
	quote := func(ctx context.Context) (exec.Quote, error) {
		mark, err := c.gw.MarkPrice(ctx, c.trade.Symbol)
		if err != nil {
			return exec.Quote{}, err
		}
		price, err := pricing.EntryPrice(mark, c.trade.Leverage, offset, side)
		if err != nil {
			return exec.Quote{}, err
		}
		price = pricing.FloorToIncrement(price, market.PriceIncrement)
		balance, err := c.gw.FreeBalance(ctx, account)
		if err != nil {
			return exec.Quote{}, err
		}
		size := pricing.FloorToIncrement(balance*c.trade.Leverage/price, market.BaseIncrement)
		if size <= 0 {
			return exec.Quote{}, fmt.Errorf("%s balance %.4f too small for %s: %w",
				account, balance, c.trade.Symbol, trading.ErrInsufficientFunds)
		}
		return exec.Quote{Price: price, Size: size}, nil
	}
	return c.exec.PlaceAndConfirm(ctx, exec.Spec{
		Account: account,
		Symbol:  c.trade.Symbol,
		Side:    side,
		Quote:   quote,
	}, c.policy())
}

func (c *Controller) policy() exec.Policy {
	return exec.Policy{
		MaxAttempts: c.trade.LimitOrderRetries,
		FillTimeout: c.trade.LimitOrderTimeout,
		PollMin:     c.trade.GeneralDelay.Min,
		PollMax:     c.trade.GeneralDelay.Max,
	}
}

// resolveLiquidationPrices polls until the exchange reports a liquidation
// price for both fresh positions.
func (c *Controller) resolveLiquidationPrices(ctx context.Context, shortLeg, longLeg *Leg) error {
	for attempt := 1; attempt <= setupAttempts; attempt++ {
		if attempt > 1 {
			if err := c.pauseErr(ctx); err != nil {
				return err
			}
		}
		if shortLeg.LiqPrice <= 0 {
			pos, ok, err := c.gw.Position(ctx, c.short.Name, c.trade.Symbol)
			if err == nil && ok && pos.LiquidationPrice > 0 {
				shortLeg.LiqPrice = pos.LiquidationPrice
			}
		}
		if longLeg.LiqPrice <= 0 {
			pos, ok, err := c.gw.Position(ctx, c.long.Name, c.trade.Symbol)
			if err == nil && ok && pos.LiquidationPrice > 0 {
				longLeg.LiqPrice = pos.LiquidationPrice
			}
		}
		if shortLeg.LiqPrice > 0 && longLeg.LiqPrice > 0 {
			return nil
		}
	}
	return fmt.Errorf("no liquidation price for %s/%s after %d polls",
		c.short.Name, c.long.Name, setupAttempts)
}

// armTakeProfits places both reduce-only take-profit orders, each pinned to
// its own leg's liquidation price.
func (c *Controller) armTakeProfits(ctx context.Context, shortLeg, longLeg *Leg, market trading.Market) error {
	if err := c.armLegTP(ctx, shortLeg, c.trade.TakeProfitOffset.Short, market); err != nil {
		return err
	}
	if err := c.armLegTP(ctx, longLeg, c.trade.TakeProfitOffset.Long, market); err != nil {
		return err
	}
	return nil
}

func (c *Controller) armLegTP(ctx context.Context, leg *Leg, offset float64, market trading.Market) error {
	quote := func(ctx context.Context) (exec.Quote, error) {
		price, err := pricing.TakeProfitPrice(leg.LiqPrice, offset)
		if err != nil {
			return exec.Quote{}, err
		}
		return exec.Quote{
			Price: pricing.FloorToIncrement(price, market.PriceIncrement),
			Size:  math.Abs(leg.Size),
		}, nil
	}
	fill, err := c.placeResting(ctx, exec.Spec{
		Account:    leg.Account,
		Symbol:     c.trade.Symbol,
		Side:       leg.Side.Opposite(),
		ReduceOnly: true,
		Quote:      quote,
	})
	if err != nil {
		return fmt.Errorf("take-profit for %s: %w", leg.Account, err)
	}
	leg.TPOrderID = fill.OrderID
	leg.TPPrice = fill.Price
	c.metrics.OrdersPlaced.Inc()
	c.log.Info("take-profit armed",
		zap.String("account", leg.Account),
		zap.Float64("price", leg.TPPrice),
		zap.Float64("liq_price", leg.LiqPrice),
		zap.String("order_id", fill.OrderID),
	)
	return nil
}

// placeResting submits a limit order that is expected to rest, not fill.
// Placement failures retry under the same bound as entries; an order that
// sticks to the book (or fills instantly) both count as success.
func (c *Controller) placeResting(ctx context.Context, spec exec.Spec) (exec.Fill, error) {
	var lastErr error
	for attempt := 1; attempt <= c.trade.LimitOrderRetries; attempt++ {
		if attempt > 1 {
			if err := c.pauseErr(ctx); err != nil {
				return exec.Fill{}, err
			}
		}
		quote, err := spec.Quote(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		orderID, err := c.gw.PlaceLimitOrder(ctx, trading.OrderRequest{
			Account:    spec.Account,
			Symbol:     spec.Symbol,
			Side:       spec.Side,
			Price:      quote.Price,
			Size:       quote.Size,
			ReduceOnly: spec.ReduceOnly,
		})
		if err != nil {
			if ctx.Err() != nil {
				return exec.Fill{}, ctx.Err()
			}
			lastErr = err
			c.log.Warn("resting order placement failed",
				zap.String("account", spec.Account),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		return exec.Fill{OrderID: orderID, Price: quote.Price, Size: quote.Size}, nil
	}
	return exec.Fill{}, fmt.Errorf("after %d attempts: %w (%w)",
		c.trade.LimitOrderRetries, exec.ErrTimeoutExhausted, lastErr)
}

// monitor watches both legs until each one's position is gone, whether by
// liquidation or by the take-profit filling. Gateway errors here are always
// transient: the loop logs and keeps polling.
func (c *Controller) monitor(ctx context.Context, shortLeg, longLeg *Leg) (string, error) {
	started := c.clock.Now()
	for {
		if err := c.clock.Sleep(ctx, c.trade.CheckInterval); err != nil {
			return "", err
		}
		if c.clock.Now().Sub(started) > monitorWindow {
			c.log.Warn("monitor window elapsed, flattening remaining legs")
			c.closeLeg(ctx, shortLeg)
			c.closeLeg(ctx, longLeg)
			return "monitor window elapsed", nil
		}
		c.checkLeg(ctx, shortLeg)
		c.checkLeg(ctx, longLeg)
		if legDone(*shortLeg) && legDone(*longLeg) {
			// Give the API a moment before trusting the flat reading.
			c.pause(ctx)
			if !c.confirmFlat(ctx) {
				continue
			}
			return closeReason(*shortLeg, *longLeg), nil
		}
	}
}

func legDone(l Leg) bool { return l.Liquidated || l.TookProfit }

func closeReason(shortLeg, longLeg Leg) string {
	switch {
	case shortLeg.Liquidated && longLeg.Liquidated:
		return "both legs liquidated"
	case shortLeg.Liquidated:
		return "short liquidated, long took profit"
	case longLeg.Liquidated:
		return "long liquidated, short took profit"
	default:
		return "both legs took profit"
	}
}

// checkLeg inspects one open leg. A vanished position is classified by the
// take-profit order: filled means the TP captured the move, anything else
// means the exchange liquidated the leg.
func (c *Controller) checkLeg(ctx context.Context, leg *Leg) {
	if legDone(*leg) {
		return
	}
	_, open, err := c.gw.Position(ctx, leg.Account, c.trade.Symbol)
	if err != nil {
		c.log.Warn("position check failed",
			zap.String("account", leg.Account),
			zap.Error(err),
		)
		return
	}
	if open {
		return
	}
	status, err := c.gw.OrderStatus(ctx, leg.Account, c.trade.Symbol, leg.TPOrderID)
	if err != nil {
		c.log.Warn("take-profit status check failed",
			zap.String("account", leg.Account),
			zap.String("order_id", leg.TPOrderID),
			zap.Error(err),
		)
		return
	}
	if status == trading.OrderFilled {
		leg.TookProfit = true
		c.metrics.TakeProfitsFilled.Inc()
		c.log.Info("take-profit filled",
			zap.String("account", leg.Account),
			zap.Float64("price", leg.TPPrice),
		)
		return
	}
	leg.Liquidated = true
	c.metrics.LegsLiquidated.Inc()
	c.log.Info("leg liquidated",
		zap.String("account", leg.Account),
		zap.Float64("liq_price", leg.LiqPrice),
	)
	c.notify(ctx, func(ctx context.Context) error {
		return c.alerts.LegLiquidated(ctx, c.name, leg.Account, leg.LiqPrice)
	})
	if status == trading.OrderOpen {
		if err := c.gw.CancelOrder(ctx, leg.Account, c.trade.Symbol, leg.TPOrderID); err != nil {
			c.log.Warn("stale take-profit cancel failed",
				zap.String("account", leg.Account),
				zap.String("order_id", leg.TPOrderID),
				zap.Error(err),
			)
		}
	}
}

// confirmFlat re-checks both accounts once more before the cycle is
// declared closed.
func (c *Controller) confirmFlat(ctx context.Context) bool {
	for _, acct := range []string{c.short.Name, c.long.Name} {
		_, open, err := c.gw.Position(ctx, acct, c.trade.Symbol)
		if err != nil || open {
			return false
		}
	}
	return true
}

// closeLeg cancels the leg's take-profit and flattens any remaining
// position with a reduce-only market order against the entry side. Best
// effort: errors are logged, not returned.
func (c *Controller) closeLeg(ctx context.Context, leg *Leg) {
	if legDone(*leg) {
		return
	}
	if leg.TPOrderID != "" {
		if err := c.gw.CancelOrder(ctx, leg.Account, c.trade.Symbol, leg.TPOrderID); err != nil &&
			!errors.Is(err, trading.ErrAlreadyFilled) {
			c.log.Warn("take-profit cancel failed",
				zap.String("account", leg.Account),
				zap.String("order_id", leg.TPOrderID),
				zap.Error(err),
			)
		}
	}
	pos, open, err := c.gw.Position(ctx, leg.Account, c.trade.Symbol)
	if err != nil {
		c.log.Warn("position check before close failed",
			zap.String("account", leg.Account),
			zap.Error(err),
		)
		return
	}
	if !open {
		return
	}
	_, err = c.gw.PlaceMarketOrder(ctx, trading.OrderRequest{
		Account:    leg.Account,
		Symbol:     c.trade.Symbol,
		Side:       leg.Side.Opposite(),
		Size:       math.Abs(pos.Size),
		ReduceOnly: true,
	})
	if err != nil {
		c.log.Error("market close failed",
			zap.String("account", leg.Account),
			zap.Error(err),
		)
		return
	}
	c.log.Info("leg closed at market",
		zap.String("account", leg.Account),
		zap.Float64("size", math.Abs(pos.Size)),
	)
}

// abort unwinds whatever the cycle opened and records the failure. The
// short is closed first since it is always the first leg on.
func (c *Controller) abort(ctx context.Context, shortLeg, longLeg *Leg, reason string, cause error) error {
	c.sm.Apply(EventAbort)
	c.log.Error("cycle aborted", zap.String("reason", reason), zap.Error(cause))
	c.metrics.CyclesAborted.Inc()
	c.metrics.OrdersFailed.Inc()

	if shortLeg.Size != 0 {
		c.closeLeg(ctx, shortLeg)
	}
	if longLeg.Size != 0 {
		c.closeLeg(ctx, longLeg)
	}

	c.persist(ctx, *shortLeg, *longLeg)
	c.finishCycle(ctx, *shortLeg, *longLeg, ResultAborted, reason, 0)
	c.sm.Apply(EventDone)
	return fmt.Errorf("%s: %w", reason, cause)
}

// maybeSweep drains both sub-accounts if enough time has passed since the
// pair's last sweep.
func (c *Controller) maybeSweep(ctx context.Context) float64 {
	if c.sweeper == nil {
		return 0
	}
	now := c.clock.Now().UnixMilli()
	last, ok, err := state.LoadLastSweepMS(ctx, c.store, c.name)
	if err != nil {
		c.log.Warn("last sweep lookup failed", zap.Error(err))
	}
	if ok && now-last < c.sweep.Interval.Milliseconds() {
		return 0
	}
	var swept float64
	for _, o := range c.sweeper.Sweep(ctx, []string{c.short.Name, c.long.Name}, c.main.Name) {
		if o.Err != nil {
			c.metrics.SweepsFailed.Inc()
			c.notify(ctx, func(ctx context.Context) error {
				return c.alerts.SweepFailed(ctx, c.name, o.Account, o.Err)
			})
			continue
		}
		if o.Amount > 0 {
			c.metrics.SweepsCompleted.Inc()
			swept += o.Amount
		}
	}
	if err := state.SaveLastSweepMS(ctx, c.store, c.name, now); err != nil {
		c.log.Warn("saving sweep time failed", zap.Error(err))
	}
	return swept
}

func (c *Controller) finishCycle(ctx context.Context, shortLeg, longLeg Leg, result CycleResult, reason string, swept float64) {
	if result == ResultClosed {
		c.metrics.CyclesCompleted.Inc()
	}
	snap := c.snapshot(shortLeg, longLeg)
	if err := state.AppendCycleAudit(ctx, c.store, snap, string(result), reason); err != nil {
		c.log.Warn("cycle audit write failed", zap.Error(err))
	}
	if c.rec != nil {
		c.rec.RecordCycle(c.name, result, reason, shortLeg, longLeg, swept)
	}
	c.notify(ctx, func(ctx context.Context) error {
		return c.alerts.CycleFinished(ctx, c.name, result == ResultAborted, reason)
	})
	c.log.Info("cycle finished",
		zap.String("result", string(result)),
		zap.String("reason", reason),
		zap.Float64("swept", swept),
	)
}

func (c *Controller) snapshot(shortLeg, longLeg Leg) state.CycleSnapshot {
	return state.CycleSnapshot{
		Pair:            c.name,
		State:           string(c.sm.Current()),
		ShortAccount:    c.short.Name,
		LongAccount:     c.long.Name,
		ShortSize:       shortLeg.Size,
		LongSize:        longLeg.Size,
		ShortEntry:      shortLeg.EntryPrice,
		LongEntry:       longLeg.EntryPrice,
		ShortLiqPrice:   shortLeg.LiqPrice,
		LongLiqPrice:    longLeg.LiqPrice,
		ShortLiquidated: shortLeg.Liquidated,
		LongLiquidated:  longLeg.Liquidated,
		UpdatedAtMS:     c.clock.Now().UnixMilli(),
	}
}

func (c *Controller) persist(ctx context.Context, shortLeg, longLeg Leg) {
	if err := state.SaveCycleSnapshot(ctx, c.store, c.snapshot(shortLeg, longLeg)); err != nil {
		c.log.Warn("snapshot write failed", zap.Error(err))
	}
}

// notify delivers one alert when an alerter is wired, logging delivery
// failures instead of surfacing them.
func (c *Controller) notify(ctx context.Context, send func(context.Context) error) {
	if c.alerts == nil {
		return
	}
	if err := send(ctx); err != nil {
		c.log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (c *Controller) pause(ctx context.Context) {
	_ = c.pauseErr(ctx)
}

func (c *Controller) pauseErr(ctx context.Context) error {
	return c.clock.Sleep(ctx, trading.Jitter(c.trade.GeneralDelay.Min, c.trade.GeneralDelay.Max))
}
