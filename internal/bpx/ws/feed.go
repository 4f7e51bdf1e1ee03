// Package ws streams Backpack mark prices over websocket and caches the
// latest tick per symbol so the trading loop can quote without a REST round
// trip.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/config"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// staleAfter bounds how old a cached tick may be before Last stops
// vouching for it.
const staleAfter = 10 * time.Second

type pricePoint struct {
	price float64
	at    time.Time
}

type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	symbols        []string
	log            *zap.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	prices map[string]pricePoint

	now func() time.Time
}

func NewFeed(cfg config.WSConfig, symbols []string, log *zap.Logger) *Feed {
	return &Feed{
		url:            cfg.URL,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
		symbols:        symbols,
		log:            log,
		prices:         map[string]pricePoint{},
		now:            time.Now,
	}
}

// Last returns the most recent mark price for symbol, or ok=false when no
// fresh tick is cached.
func (f *Feed) Last(symbol string) (float64, bool) {
	f.mu.RLock()
	point, ok := f.prices[symbol]
	f.mu.RUnlock()
	if !ok || f.now().Sub(point.at) > staleAfter {
		return 0, false
	}
	return point.price, true
}

// Run keeps the stream alive until ctx is cancelled, reconnecting and
// resubscribing after any read failure.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("ws connect failed", zap.Error(err))
		} else {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				f.pingLoop(pingCtx)
			}()
			err := f.readLoop(ctx)
			cancel()
			<-pingDone
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("ws read loop ended", zap.Error(err))
		}
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	streams := make([]string, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		streams = append(streams, "markPrice."+symbol)
	}
	sub := map[string]any{"method": "SUBSCRIBE", "params": streams}
	if err := writeJSON(ctx, conn, sub); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var msg struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol    string `json:"s"`
			MarkPrice string `json:"p"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.MarkPrice == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Data.MarkPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	f.mu.Lock()
	f.prices[msg.Data.Symbol] = pricePoint{price: price, at: f.now()}
	f.mu.Unlock()
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.RLock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.RUnlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]any{"method": "PING"}); err != nil {
				return
			}
		}
	}
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
