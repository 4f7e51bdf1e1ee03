package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

type transfer struct {
	from, to string
	amount   float64
}

type fakeGateway struct {
	mu        sync.Mutex
	balances  map[string]float64
	balErr    map[string]error
	xferErr   map[string]error
	xferFails map[string]int // fail the first N transfers for an account
	transfers []transfer
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balances:  map[string]float64{},
		balErr:    map[string]error{},
		xferErr:   map[string]error{},
		xferFails: map[string]int{},
	}
}

func (g *fakeGateway) FreeBalance(_ context.Context, account string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.balErr[account]; err != nil {
		return 0, err
	}
	return g.balances[account], nil
}

func (g *fakeGateway) Transfer(_ context.Context, from, to string, amount float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.xferFails[from]; n > 0 {
		g.xferFails[from] = n - 1
		return errors.New("rate limited")
	}
	if err := g.xferErr[from]; err != nil {
		return err
	}
	g.transfers = append(g.transfers, transfer{from: from, to: to, amount: amount})
	g.balances[from] = 0
	return nil
}

func newManager(gw Gateway, attempts int) *Manager {
	return New(gw, newFakeClock(), zap.NewNop(), attempts, 0.1, time.Second, 2*time.Second)
}

func TestSweepMovesFullBalance(t *testing.T) {
	gw := newFakeGateway()
	gw.balances["sub1"] = 42.5
	gw.balances["sub2"] = 17.0

	outcomes := newManager(gw, 3).Sweep(context.Background(), []string{"sub1", "sub2"}, "main")

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
	}
	require.Equal(t, []transfer{
		{from: "sub1", to: "main", amount: 42.5},
		{from: "sub2", to: "main", amount: 17.0},
	}, gw.transfers)
}

func TestSweepSkipsDust(t *testing.T) {
	gw := newFakeGateway()
	gw.balances["sub1"] = 0.05

	outcomes := newManager(gw, 3).Sweep(context.Background(), []string{"sub1"}, "main")

	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Zero(t, outcomes[0].Amount)
	require.Empty(t, gw.transfers)
}

func TestSweepRetriesTransientTransferFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.balances["sub1"] = 10.0
	gw.xferFails["sub1"] = 2

	outcomes := newManager(gw, 5).Sweep(context.Background(), []string{"sub1"}, "main")

	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, 10.0, outcomes[0].Amount)
	require.Len(t, gw.transfers, 1)
}

func TestSweepGivesUpAfterBoundedAttempts(t *testing.T) {
	gw := newFakeGateway()
	gw.balances["sub1"] = 10.0
	gw.xferErr["sub1"] = errors.New("withdrawal suspended")

	outcomes := newManager(gw, 3).Sweep(context.Background(), []string{"sub1"}, "main")

	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	require.Contains(t, outcomes[0].Err.Error(), "after 3 attempts")
	require.Empty(t, gw.transfers)
}

func TestSweepIsolatesAccountFailures(t *testing.T) {
	gw := newFakeGateway()
	gw.balances["sub1"] = 10.0
	gw.balances["sub2"] = 20.0
	gw.balErr["sub1"] = errors.New("boom")

	outcomes := newManager(gw, 2).Sweep(context.Background(), []string{"sub1", "sub2"}, "main")

	require.Len(t, outcomes, 2)
	require.Error(t, outcomes[0].Err)
	require.NoError(t, outcomes[1].Err)
	require.Equal(t, 20.0, outcomes[1].Amount)
}
