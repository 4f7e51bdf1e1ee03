// Package app wires configuration, the exchange gateway, persistence and
// observability into the per-pair workers and runs them to shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/alerts"
	"github.com/savplux/backpack-liquidation-limit/internal/bpx"
	"github.com/savplux/backpack-liquidation-limit/internal/bpx/ws"
	"github.com/savplux/backpack-liquidation-limit/internal/config"
	"github.com/savplux/backpack-liquidation-limit/internal/exec"
	"github.com/savplux/backpack-liquidation-limit/internal/metrics"
	"github.com/savplux/backpack-liquidation-limit/internal/pair"
	"github.com/savplux/backpack-liquidation-limit/internal/state"
	"github.com/savplux/backpack-liquidation-limit/internal/state/sqlite"
	"github.com/savplux/backpack-liquidation-limit/internal/sweep"
	"github.com/savplux/backpack-liquidation-limit/internal/timescale"
	"github.com/savplux/backpack-liquidation-limit/internal/trading"

	"go.uber.org/zap"
)

type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *sqlite.Store
	feed        *ws.Feed
	prom        *metrics.Prometheus
	timescale   *timescale.Writer
	clock       trading.Clock
	controllers []*pair.Controller
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	gateway, err := bpx.NewGateway(cfg.REST, cfg.MainAccount, cfg.Pairs, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	feed := ws.NewFeed(cfg.WS, []string{cfg.Trade.Symbol}, log)
	live := &liveGateway{Gateway: gateway, prices: feed}

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tg := alerts.NewTelegram(cfg.Telegram, log)
	clock := trading.RealClock()
	executor := exec.New(live, clock, log)
	sweeper := sweep.New(gateway, clock, log,
		cfg.Sweep.Attempts, cfg.Sweep.MinAmount,
		cfg.Trade.GeneralDelay.Min, cfg.Trade.GeneralDelay.Max)

	app := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		feed:      feed,
		prom:      prom,
		timescale: writer,
		clock:     clock,
	}
	for _, pc := range cfg.Pairs {
		app.controllers = append(app.controllers, pair.NewController(pair.ControllerConfig{
			Name:     pairName(pc),
			Trade:    cfg.Trade,
			Sweep:    cfg.Sweep,
			Short:    pc.ShortAccount,
			Long:     pc.LongAccount,
			Main:     cfg.MainAccount,
			Gateway:  live,
			Exec:     executor,
			Sweeper:  sweeper,
			Store:    store,
			Clock:    clock,
			Log:      log,
			Metrics:  m,
			Alerts:   tg,
			Recorder: &cycleRecorder{writer: writer},
		}))
	}
	return app, nil
}

// Run blocks until ctx is cancelled, running one worker goroutine per pair.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()
	a.timescale.Start(ctx)

	go func() {
		if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("price feed stopped", zap.Error(err))
		}
	}()
	a.serveMetrics(ctx)
	a.reportResume(ctx)

	var wg sync.WaitGroup
	for _, controller := range a.controllers {
		wg.Add(1)
		go func(c *pair.Controller) {
			defer wg.Done()
			a.runPair(ctx, c)
		}(controller)
	}
	wg.Wait()
	return ctx.Err()
}

// runPair staggers the pair's start, then loops cycles until shutdown. A
// panicking cycle is contained to its pair.
func (a *App) runPair(ctx context.Context, c *pair.Controller) {
	stagger := trading.Jitter(0, a.cfg.Trade.PairStartDelayMax)
	if err := a.clock.Sleep(ctx, stagger); err != nil {
		return
	}
	for ctx.Err() == nil {
		a.runCycle(ctx, c)
		if err := a.clock.Sleep(ctx, a.cfg.Trade.CycleWaitTime); err != nil {
			return
		}
	}
}

func (a *App) runCycle(ctx context.Context, c *pair.Controller) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("pair cycle panicked", zap.Any("panic", r))
		}
	}()
	if err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("pair cycle ended with error", zap.Error(err))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening",
		zap.String("address", a.cfg.Metrics.Address),
		zap.String("path", a.cfg.Metrics.Path),
	)
}

// reportResume logs where each pair left off before the last shutdown so an
// operator can reconcile open positions by hand if needed.
func (a *App) reportResume(ctx context.Context) {
	for _, pc := range a.cfg.Pairs {
		name := pairName(pc)
		snap, ok, err := state.LoadCycleSnapshot(ctx, a.store, name)
		if err != nil {
			a.log.Warn("snapshot load failed", zap.String("pair", name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		a.log.Info("previous cycle state",
			zap.String("pair", name),
			zap.String("state", snap.State),
			zap.Float64("short_size", snap.ShortSize),
			zap.Float64("long_size", snap.LongSize),
			zap.Int64("updated_at_ms", snap.UpdatedAtMS),
		)
	}
}

// liveGateway serves mark prices from the websocket cache when a fresh tick
// is available and falls back to REST otherwise.
type liveGateway struct {
	trading.Gateway
	prices lastPriceSource
}

type lastPriceSource interface {
	Last(symbol string) (float64, bool)
}

func (g *liveGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := g.prices.Last(symbol); ok {
		return price, nil
	}
	return g.Gateway.MarkPrice(ctx, symbol)
}

// cycleRecorder bridges finished cycles into the Timescale writer.
type cycleRecorder struct {
	writer *timescale.Writer
}

func (r *cycleRecorder) RecordCycle(pairName string, result pair.CycleResult, reason string, short, long pair.Leg, swept float64) {
	r.writer.Enqueue(timescale.CycleRecord{
		Time:            time.Now().UTC(),
		Pair:            pairName,
		Result:          string(result),
		Reason:          reason,
		ShortEntry:      short.EntryPrice,
		LongEntry:       long.EntryPrice,
		ShortLiq:        short.LiqPrice,
		LongLiq:         long.LiqPrice,
		ShortLiquidated: short.Liquidated,
		LongLiquidated:  long.Liquidated,
		SweptUSDC:       swept,
	})
}

var _ pair.Recorder = (*cycleRecorder)(nil)

func pairName(pc config.PairConfig) string {
	return fmt.Sprintf("%s/%s", pc.ShortAccount.Name, pc.LongAccount.Name)
}
