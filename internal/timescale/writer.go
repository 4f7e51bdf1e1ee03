// Package timescale archives finished cycles into TimescaleDB for
// long-term PnL analysis. Writes are queued and flushed off the trading
// path; a full queue drops records rather than stalling a pair.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

const queueSize = 256

type CycleRecord struct {
	Time            time.Time
	Pair            string
	Result          string
	Reason          string
	ShortEntry      float64
	LongEntry       float64
	ShortLiq        float64
	LongLiq         float64
	ShortLiquidated bool
	LongLiquidated  bool
	SweptUSDC       float64
}

// Writer is nil-safe: a disabled config yields a nil writer whose methods
// are all no-ops.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	cycles  chan CycleRecord
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		cycles: make(chan CycleRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(record CycleRecord) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- record:
		return
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-w.cycles:
			w.writeCycle(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		result TEXT NOT NULL,
		reason TEXT NOT NULL,
		short_entry DOUBLE PRECISION NOT NULL,
		long_entry DOUBLE PRECISION NOT NULL,
		short_liq DOUBLE PRECISION NOT NULL,
		long_liq DOUBLE PRECISION NOT NULL,
		short_liquidated BOOLEAN NOT NULL,
		long_liquidated BOOLEAN NOT NULL,
		swept_usdc DOUBLE PRECISION NOT NULL DEFAULT 0
	)`, w.table("pair_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("pair_cycles"))); err != nil && w.log != nil {
		w.log.Warn("timescale pair_cycles hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeCycle(ctx context.Context, record CycleRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair, result, reason, short_entry, long_entry, short_liq, long_liq,
		short_liquidated, long_liquidated, swept_usdc
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("pair_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Pair,
		record.Result,
		record.Reason,
		record.ShortEntry,
		record.LongEntry,
		record.ShortLiq,
		record.LongLiq,
		record.ShortLiquidated,
		record.LongLiquidated,
		record.SweptUSDC,
	); err != nil && w.log != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
