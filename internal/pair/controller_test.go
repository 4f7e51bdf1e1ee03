package pair

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/config"
	"github.com/savplux/backpack-liquidation-limit/internal/exec"
	"github.com/savplux/backpack-liquidation-limit/internal/metrics"
	"github.com/savplux/backpack-liquidation-limit/internal/sweep"
	"github.com/savplux/backpack-liquidation-limit/internal/trading"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeOrder struct {
	req    trading.OrderRequest
	status trading.OrderStatus
}

type transfer struct {
	from, to string
	amount   float64
}

type fakePosition struct {
	size float64
	liq  float64
}

type fakeGateway struct {
	mu         sync.Mutex
	nextID     int
	orders     map[string]*fakeOrder
	limitReqs  []trading.OrderRequest
	marketReqs []trading.OrderRequest
	cancels    []string
	balances   map[string]float64
	leverage   map[string]float64
	transfers  []transfer
	positions  map[string]*fakePosition
	tpOrders   map[string]string // account -> resting take-profit order id
	posPolls   map[string]int
	// flattenAfter[a] > 0 removes a's position on its Nth Position call,
	// with the take-profit moved to tpOutcome[a].
	flattenAfter map[string]int
	tpOutcome    map[string]trading.OrderStatus
	errOnPolls   map[string][]int
	failEntryFor map[string]bool
	failTPFor    map[string]bool
}

func newGateway() *fakeGateway {
	return &fakeGateway{
		orders:       map[string]*fakeOrder{},
		balances:     map[string]float64{"short-1": 1000, "long-1": 1000},
		leverage:     map[string]float64{},
		positions:    map[string]*fakePosition{},
		tpOrders:     map[string]string{},
		posPolls:     map[string]int{},
		flattenAfter: map[string]int{},
		tpOutcome:    map[string]trading.OrderStatus{},
		errOnPolls:   map[string][]int{},
		failEntryFor: map[string]bool{},
		failTPFor:    map[string]bool{},
	}
}

func (g *fakeGateway) MarkPrice(context.Context, string) (float64, error) { return 100, nil }

func (g *fakeGateway) MarketInfo(context.Context, string) (trading.Market, error) {
	return trading.Market{Symbol: "BTC_USDC_PERP", BaseIncrement: 0.001, PriceIncrement: 0.01}, nil
}

func (g *fakeGateway) PlaceLimitOrder(_ context.Context, req trading.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !req.ReduceOnly && g.failEntryFor[req.Account] {
		return "", errors.New("order rejected")
	}
	if req.ReduceOnly && g.failTPFor[req.Account] {
		return "", errors.New("order rejected")
	}
	g.nextID++
	id := "oid-" + strconv.Itoa(g.nextID)
	g.limitReqs = append(g.limitReqs, req)
	order := &fakeOrder{req: req, status: trading.OrderOpen}
	if req.ReduceOnly {
		g.tpOrders[req.Account] = id
	} else {
		// Entries fill straight away; the executor discovers this on
		// its first status poll.
		order.status = trading.OrderFilled
		size := req.Size
		liq := req.Price * 1.2
		if req.Side == trading.SideAsk {
			size = -size
		} else {
			liq = req.Price * 0.8
		}
		g.positions[req.Account] = &fakePosition{size: size, liq: liq}
	}
	g.orders[id] = order
	return id, nil
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, req trading.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marketReqs = append(g.marketReqs, req)
	delete(g.positions, req.Account)
	return "mkt", nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, _, _, orderID string) (trading.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return "", errors.New("unknown order")
	}
	return order.status, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _, _, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, orderID)
	if order, ok := g.orders[orderID]; ok && order.status == trading.OrderOpen {
		order.status = trading.OrderCancelled
	}
	return nil
}

func (g *fakeGateway) Position(_ context.Context, account, _ string) (trading.Position, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posPolls[account]++
	poll := g.posPolls[account]
	for _, bad := range g.errOnPolls[account] {
		if poll == bad {
			return trading.Position{}, false, trading.ErrTransient
		}
	}
	if n := g.flattenAfter[account]; n > 0 && poll >= n {
		if pos := g.positions[account]; pos != nil {
			delete(g.positions, account)
			if id := g.tpOrders[account]; id != "" {
				g.orders[id].status = g.tpOutcome[account]
			}
		}
	}
	pos := g.positions[account]
	if pos == nil {
		return trading.Position{}, false, nil
	}
	return trading.Position{
		Account:          account,
		Size:             pos.size,
		LiquidationPrice: pos.liq,
	}, true, nil
}

func (g *fakeGateway) FreeBalance(_ context.Context, account string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[account], nil
}

func (g *fakeGateway) Transfer(_ context.Context, from, to string, amount float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, transfer{from: from, to: to, amount: amount})
	g.balances[to] += amount
	return nil
}

func (g *fakeGateway) SetLeverage(_ context.Context, account, _ string, leverage float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[account] = leverage
	return nil
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func countingMetrics() (*metrics.Metrics, map[string]*countingCounter) {
	counters := map[string]*countingCounter{
		"placed":     {},
		"failed":     {},
		"completed":  {},
		"aborted":    {},
		"liquidated": {},
		"tp":         {},
		"swept":      {},
		"sweep_fail": {},
	}
	return &metrics.Metrics{
		OrdersPlaced:      counters["placed"],
		OrdersFailed:      counters["failed"],
		CyclesCompleted:   counters["completed"],
		CyclesAborted:     counters["aborted"],
		LegsLiquidated:    counters["liquidated"],
		TakeProfitsFilled: counters["tp"],
		SweepsCompleted:   counters["swept"],
		SweepsFailed:      counters["sweep_fail"],
	}, counters
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeSweeper struct {
	mu    sync.Mutex
	calls [][]string
	to    string
}

func (s *fakeSweeper) Sweep(_ context.Context, from []string, to string) []sweep.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, from)
	s.to = to
	outcomes := make([]sweep.Outcome, 0, len(from))
	for _, acct := range from {
		outcomes = append(outcomes, sweep.Outcome{Account: acct, Amount: 10})
	}
	return outcomes
}

type alertEvent struct {
	kind    string
	pair    string
	account string
	detail  string
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alertEvent
}

func (a *fakeAlerter) CycleFinished(_ context.Context, pair string, aborted bool, reason string) error {
	kind := "cycle-closed"
	if aborted {
		kind = "cycle-aborted"
	}
	a.record(alertEvent{kind: kind, pair: pair, detail: reason})
	return nil
}

func (a *fakeAlerter) LegLiquidated(_ context.Context, pair, account string, _ float64) error {
	a.record(alertEvent{kind: "liquidation", pair: pair, account: account})
	return nil
}

func (a *fakeAlerter) SweepFailed(_ context.Context, pair, account string, cause error) error {
	a.record(alertEvent{kind: "sweep-failed", pair: pair, account: account, detail: cause.Error()})
	return nil
}

func (a *fakeAlerter) record(ev alertEvent) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *fakeAlerter) byKind(kind string) []alertEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alertEvent
	for _, ev := range a.events {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type cycleRecord struct {
	pair   string
	result CycleResult
	reason string
	short  Leg
	long   Leg
	swept  float64
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []cycleRecord
}

func (r *fakeRecorder) RecordCycle(pair string, result CycleResult, reason string, short, long Leg, swept float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, cycleRecord{pair, result, reason, short, long, swept})
}

func tradeConfig() config.TradeConfig {
	return config.TradeConfig{
		Symbol:            "BTC_USDC_PERP",
		Leverage:          5,
		MakerOffset:       config.OffsetPair{Long: 0.0025, Short: 0.0025},
		TakeProfitOffset:  config.OffsetPair{Long: 0.05, Short: -0.05},
		LimitOrderRetries: 2,
		LimitOrderTimeout: 10 * time.Second,
		CheckInterval:     time.Second,
		GeneralDelay:      config.DelayRange{Min: time.Second, Max: 2 * time.Second},
	}
}

type testEnv struct {
	gw  *fakeGateway
	ctl *Controller
	rec *fakeRecorder
	sw  *fakeSweeper
	al  *fakeAlerter
	cnt map[string]*countingCounter
}

func newTestEnv(t *testing.T, trade config.TradeConfig) *testEnv {
	t.Helper()
	gw := newGateway()
	clock := newFakeClock()
	m, counters := countingMetrics()
	rec := &fakeRecorder{}
	sw := &fakeSweeper{}
	al := &fakeAlerter{}
	ctl := NewController(ControllerConfig{
		Name:     "pair-1",
		Trade:    trade,
		Sweep:    config.SweepConfig{Attempts: 3, MinAmount: 0.1, Interval: time.Hour},
		Short:    config.Account{Name: "short-1"},
		Long:     config.Account{Name: "long-1"},
		Main:     config.Account{Name: "main"},
		Gateway:  gw,
		Exec:     exec.New(gw, clock, zap.NewNop()),
		Sweeper:  sw,
		Store:    newMemStore(),
		Clock:    clock,
		Log:      zap.NewNop(),
		Metrics:  m,
		Alerts:   al,
		Recorder: rec,
	})
	return &testEnv{gw: gw, ctl: ctl, rec: rec, sw: sw, al: al, cnt: counters}
}

func TestRunCycleHappyPath(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.flattenAfter["short-1"] = 3
	env.gw.flattenAfter["long-1"] = 3
	env.gw.tpOutcome["short-1"] = trading.OrderFilled
	env.gw.tpOutcome["long-1"] = trading.OrderFilled

	require.NoError(t, env.ctl.RunCycle(context.Background()))
	require.Equal(t, StateIdle, env.ctl.State())

	require.Len(t, env.gw.limitReqs, 4)
	shortEntry := env.gw.limitReqs[0]
	longEntry := env.gw.limitReqs[1]
	require.Equal(t, trading.SideAsk, shortEntry.Side)
	require.Equal(t, "short-1", shortEntry.Account)
	require.False(t, shortEntry.ReduceOnly)
	require.InDelta(t, 99.75, shortEntry.Price, 1e-9)
	require.Equal(t, trading.SideBid, longEntry.Side)
	require.InDelta(t, 100.25, longEntry.Price, 1e-9)

	shortTP := env.gw.limitReqs[2]
	longTP := env.gw.limitReqs[3]
	require.True(t, shortTP.ReduceOnly)
	require.True(t, longTP.ReduceOnly)
	require.Equal(t, trading.SideBid, shortTP.Side)
	require.Equal(t, trading.SideAsk, longTP.Side)
	// Short liq 99.75*1.2 with a -5% offset, floored to the tick.
	require.InDelta(t, 113.71, shortTP.Price, 1e-9)
	require.Less(t, shortTP.Price, 99.75*1.2)
	require.Greater(t, longTP.Price, longEntry.Price*0.8)

	require.Len(t, env.rec.records, 1)
	require.Equal(t, ResultClosed, env.rec.records[0].result)
	require.Equal(t, "both legs took profit", env.rec.records[0].reason)
	require.Equal(t, 2, env.cnt["tp"].value())
	require.Equal(t, 1, env.cnt["completed"].value())
	require.Zero(t, env.cnt["aborted"].value())
	require.Equal(t, float64(5), env.gw.leverage["short-1"])
	require.Equal(t, float64(5), env.gw.leverage["long-1"])
}

func TestRunCycleTakeProfitsOnlyAfterBothLegs(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.flattenAfter["short-1"] = 2
	env.gw.flattenAfter["long-1"] = 2
	env.gw.tpOutcome["short-1"] = trading.OrderFilled
	env.gw.tpOutcome["long-1"] = trading.OrderFilled

	require.NoError(t, env.ctl.RunCycle(context.Background()))

	var sawReduceOnly bool
	for _, req := range env.gw.limitReqs {
		if req.ReduceOnly {
			sawReduceOnly = true
			continue
		}
		require.False(t, sawReduceOnly, "entry order placed after a take-profit")
	}
}

func TestRunCycleLongFailureClosesShortFirst(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.failEntryFor["long-1"] = true

	err := env.ctl.RunCycle(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "long entry failed")
	require.Equal(t, StateIdle, env.ctl.State())

	require.Len(t, env.gw.marketReqs, 1)
	closeReq := env.gw.marketReqs[0]
	require.Equal(t, "short-1", closeReq.Account)
	require.Equal(t, trading.SideBid, closeReq.Side)
	require.True(t, closeReq.ReduceOnly)
	require.Equal(t, 1, env.cnt["aborted"].value())
	require.Zero(t, env.cnt["completed"].value())
	require.Len(t, env.rec.records, 1)
	require.Equal(t, ResultAborted, env.rec.records[0].result)
}

func TestRunCycleToleratesTransientMonitorErrors(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.errOnPolls["short-1"] = []int{2, 3}
	env.gw.errOnPolls["long-1"] = []int{2}
	env.gw.flattenAfter["short-1"] = 5
	env.gw.flattenAfter["long-1"] = 5
	env.gw.tpOutcome["short-1"] = trading.OrderFilled
	env.gw.tpOutcome["long-1"] = trading.OrderFilled

	require.NoError(t, env.ctl.RunCycle(context.Background()))
	require.Zero(t, env.cnt["aborted"].value())
	require.Equal(t, 1, env.cnt["completed"].value())
}

func TestRunCycleClassifiesLiquidation(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.flattenAfter["short-1"] = 3
	env.gw.flattenAfter["long-1"] = 4
	env.gw.tpOutcome["short-1"] = trading.OrderOpen // TP untouched: liquidation
	env.gw.tpOutcome["long-1"] = trading.OrderFilled

	require.NoError(t, env.ctl.RunCycle(context.Background()))

	require.Len(t, env.rec.records, 1)
	rec := env.rec.records[0]
	require.Equal(t, ResultClosed, rec.result)
	require.Equal(t, "short liquidated, long took profit", rec.reason)
	require.True(t, rec.short.Liquidated)
	require.True(t, rec.long.TookProfit)
	require.Equal(t, 1, env.cnt["liquidated"].value())
	require.Equal(t, 1, env.cnt["tp"].value())
	// The stale short take-profit must be pulled off the book.
	require.NotEmpty(t, env.gw.cancels)

	alerts := env.al.byKind("liquidation")
	require.Len(t, alerts, 1)
	require.Equal(t, "short-1", alerts[0].account)
	require.Equal(t, "pair-1", alerts[0].pair)
}

func TestRunCycleDoubleLiquidationIsClosed(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.flattenAfter["short-1"] = 3
	env.gw.flattenAfter["long-1"] = 3
	env.gw.tpOutcome["short-1"] = trading.OrderOpen
	env.gw.tpOutcome["long-1"] = trading.OrderOpen

	require.NoError(t, env.ctl.RunCycle(context.Background()))

	require.Len(t, env.rec.records, 1)
	require.Equal(t, ResultClosed, env.rec.records[0].result)
	require.Equal(t, "both legs liquidated", env.rec.records[0].reason)
	require.Equal(t, 2, env.cnt["liquidated"].value())
	require.Equal(t, 1, env.cnt["completed"].value())
}

func TestRunCycleTakeProfitFailureFlattensBothLegs(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.failTPFor["long-1"] = true

	err := env.ctl.RunCycle(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "take-profit placement failed")
	require.Equal(t, StateIdle, env.ctl.State())

	// Both positions are open when the long's take-profit gives up, so
	// both get flattened, short first.
	require.Len(t, env.gw.marketReqs, 2)
	shortClose := env.gw.marketReqs[0]
	longClose := env.gw.marketReqs[1]
	require.Equal(t, "short-1", shortClose.Account)
	require.Equal(t, trading.SideBid, shortClose.Side)
	require.True(t, shortClose.ReduceOnly)
	require.Equal(t, "long-1", longClose.Account)
	require.Equal(t, trading.SideAsk, longClose.Side)
	require.True(t, longClose.ReduceOnly)

	// The short's resting take-profit was armed and must be cancelled
	// before its close.
	require.Len(t, env.gw.cancels, 1)
	require.Equal(t, env.gw.tpOrders["short-1"], env.gw.cancels[0])

	require.Equal(t, 1, env.cnt["aborted"].value())
	require.Zero(t, env.cnt["completed"].value())
	require.Len(t, env.rec.records, 1)
	require.Equal(t, ResultAborted, env.rec.records[0].result)
	require.Len(t, env.al.byKind("cycle-aborted"), 1)
}

func TestRunCycleMonitorWindowFlattensStuckLegs(t *testing.T) {
	trade := tradeConfig()
	trade.CheckInterval = time.Hour
	env := newTestEnv(t, trade)
	// Neither position ever resolves; only the monitoring valve can end
	// this cycle.

	require.NoError(t, env.ctl.RunCycle(context.Background()))
	require.Equal(t, StateIdle, env.ctl.State())

	require.Len(t, env.gw.marketReqs, 2)
	require.Equal(t, "short-1", env.gw.marketReqs[0].Account)
	require.Equal(t, trading.SideBid, env.gw.marketReqs[0].Side)
	require.True(t, env.gw.marketReqs[0].ReduceOnly)
	require.Equal(t, "long-1", env.gw.marketReqs[1].Account)
	require.Equal(t, trading.SideAsk, env.gw.marketReqs[1].Side)

	// Both resting take-profits come off the book before the closes.
	require.Len(t, env.gw.cancels, 2)

	require.Len(t, env.rec.records, 1)
	require.Equal(t, ResultClosed, env.rec.records[0].result)
	require.Equal(t, "monitor window elapsed", env.rec.records[0].reason)
	require.Zero(t, env.cnt["aborted"].value())
	require.Equal(t, 1, env.cnt["completed"].value())
}

func TestRunCycleFundsAccountsBelowDeposit(t *testing.T) {
	trade := tradeConfig()
	trade.InitialDeposit = 200
	env := newTestEnv(t, trade)
	env.gw.balances["short-1"] = 50
	env.gw.balances["long-1"] = 500
	env.gw.flattenAfter["short-1"] = 3
	env.gw.flattenAfter["long-1"] = 3
	env.gw.tpOutcome["short-1"] = trading.OrderFilled
	env.gw.tpOutcome["long-1"] = trading.OrderFilled

	require.NoError(t, env.ctl.RunCycle(context.Background()))

	require.Len(t, env.gw.transfers, 1)
	require.Equal(t, transfer{from: "main", to: "short-1", amount: 150}, env.gw.transfers[0])
}

func TestRunCycleSweepsAfterClose(t *testing.T) {
	env := newTestEnv(t, tradeConfig())
	env.gw.flattenAfter["short-1"] = 3
	env.gw.flattenAfter["long-1"] = 3
	env.gw.tpOutcome["short-1"] = trading.OrderFilled
	env.gw.tpOutcome["long-1"] = trading.OrderFilled

	require.NoError(t, env.ctl.RunCycle(context.Background()))

	require.Len(t, env.sw.calls, 1)
	require.Equal(t, []string{"short-1", "long-1"}, env.sw.calls[0])
	require.Equal(t, "main", env.sw.to)
	require.Equal(t, 2, env.cnt["swept"].value())
	require.Equal(t, float64(20), env.rec.records[0].swept)

	// A second cycle inside the sweep interval must not sweep again.
	env.gw.posPolls = map[string]int{}
	env.gw.flattenAfter["short-1"] = 3
	env.gw.flattenAfter["long-1"] = 3
	require.NoError(t, env.ctl.RunCycle(context.Background()))
	require.Len(t, env.sw.calls, 1)
}
