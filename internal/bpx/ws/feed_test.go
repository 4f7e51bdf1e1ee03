package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/savplux/backpack-liquidation-limit/internal/config"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func startServer(t *testing.T, ctx context.Context, onConn func(*websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		onConn(conn)
		// Hold the connection open until the test is done.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func feedConfig(url string) config.WSConfig {
	return config.WSConfig{
		URL:            url,
		ReconnectDelay: 10 * time.Millisecond,
		PingInterval:   time.Minute,
	}
}

func TestFeedSubscribesAndCachesMarkPrice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan map[string]any, 1)
	url := startServer(t, ctx, func(conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub map[string]any
		if json.Unmarshal(data, &sub) == nil {
			select {
			case subCh <- sub:
			default:
			}
		}
		tick := `{"stream":"markPrice.BTC_USDC_PERP","data":{"e":"markPrice","s":"BTC_USDC_PERP","p":"101.5"}}`
		_ = conn.Write(ctx, websocket.MessageText, []byte(tick))
	})

	feed := NewFeed(feedConfig(url), []string{"BTC_USDC_PERP"}, zap.NewNop())
	go func() { _ = feed.Run(ctx) }()

	select {
	case sub := <-subCh:
		if sub["method"] != "SUBSCRIBE" {
			t.Fatalf("expected SUBSCRIBE, got %v", sub)
		}
		params, _ := sub["params"].([]any)
		if len(params) != 1 || params[0] != "markPrice.BTC_USDC_PERP" {
			t.Fatalf("unexpected subscription params: %v", sub["params"])
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}

	deadline := time.After(time.Second)
	for {
		if price, ok := feed.Last("BTC_USDC_PERP"); ok {
			if price != 101.5 {
				t.Fatalf("expected 101.5, got %v", price)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for cached price")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFeedLastExpiresStaleTicks(t *testing.T) {
	feed := NewFeed(feedConfig("ws://unused"), []string{"BTC_USDC_PERP"}, zap.NewNop())
	now := time.Unix(1700000000, 0)
	feed.now = func() time.Time { return now }

	feed.handleMessage([]byte(`{"stream":"markPrice.BTC_USDC_PERP","data":{"s":"BTC_USDC_PERP","p":"100"}}`))
	if _, ok := feed.Last("BTC_USDC_PERP"); !ok {
		t.Fatalf("fresh tick should be served")
	}

	now = now.Add(staleAfter + time.Second)
	if _, ok := feed.Last("BTC_USDC_PERP"); ok {
		t.Fatalf("stale tick should not be served")
	}
}

func TestFeedIgnoresMalformedMessages(t *testing.T) {
	feed := NewFeed(feedConfig("ws://unused"), nil, zap.NewNop())
	feed.handleMessage([]byte(`not json`))
	feed.handleMessage([]byte(`{"stream":"markPrice.X","data":{"s":"X","p":"-1"}}`))
	feed.handleMessage([]byte(`{"stream":"markPrice.X","data":{"s":"X","p":"nope"}}`))
	if _, ok := feed.Last("X"); ok {
		t.Fatalf("malformed ticks must not populate the cache")
	}
}
