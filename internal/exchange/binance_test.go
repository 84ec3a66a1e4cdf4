package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/logger"
	"tickstream/internal/models"
)

func TestMain(m *testing.M) {
	logger.Init("disabled")
	m.Run()
}

var testUpgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions() Options {
	return Options{
		DialTimeout:  2 * time.Second,
		IdleTimeout:  2 * time.Second,
		QueueCap:     16,
		StallTimeout: time.Second,
	}
}

// drain reads every remaining message until the stream closes.
func drain(t *testing.T, msgs <-chan models.RawMessage) []models.RawMessage {
	t.Helper()
	var out []models.RawMessage
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatal("timed out waiting for message channel to close")
		}
	}
}

func TestBinanceStreamQuery(t *testing.T) {
	b := NewBinance("wss://example.test/stream", []string{"btcusdt", "ethusdt"}, testOptions())
	assert.Equal(t, "btcusdt@ticker/btcusdt@trade/ethusdt@ticker/ethusdt@trade", b.streamQuery())
}

func TestBinanceConnectStreamsAndClosesCleanly(t *testing.T) {
	frames := []string{
		`{"stream":"btcusdt@ticker","data":{"a":"101","b":"100"}}`,
		`{"stream":"btcusdt@trade","data":{"p":"100.5"}}`,
	}

	var gotStreams string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStreams = r.URL.Query().Get("streams")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}))
	defer srv.Close()

	b := NewBinance(wsURL(srv), []string{"btcusdt"}, testOptions())
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	got := drain(t, b.Messages())
	require.Len(t, got, 2)
	for i, msg := range got {
		assert.JSONEq(t, frames[i], string(msg.Payload))
		assert.False(t, msg.ReceivedAt.IsZero())
	}
	assert.Equal(t, "btcusdt@ticker/btcusdt@trade", gotStreams)

	// A clean remote close is not an error; the supervisor decides whether
	// to reconnect.
	assert.NoError(t, b.Err())
}

func TestBinanceDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewBinance(wsURL(srv), []string{"btcusdt"}, testOptions())
	err := b.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestBinanceAbruptCloseReportsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"p":"1"}}`)))
		// Drop the connection without a close frame.
		conn.Close()
	}))
	defer srv.Close()

	b := NewBinance(wsURL(srv), []string{"btcusdt"}, testOptions())
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	got := drain(t, b.Messages())
	require.Len(t, got, 1)
	assert.ErrorIs(t, b.Err(), ErrConnection)
}

func TestBinanceQueueOverflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for i := 0; i < 10; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"p":"1"}}`)); err != nil {
				return
			}
		}
		// Hold the connection open so the client side decides.
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.QueueCap = 1
	opts.StallTimeout = 50 * time.Millisecond

	b := NewBinance(wsURL(srv), []string{"btcusdt"}, opts)
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	// Nothing consumes the queue, so the stall timer must fire and end the
	// stream with an overflow error.
	require.Eventually(t, func() bool { return b.Err() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.Err(), ErrOverflow)

	drain(t, b.Messages())
}

func TestBinanceShutdownClosesStreamWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		// Keep reading so the connection stays up until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b := NewBinance(wsURL(srv), []string{"btcusdt"}, testOptions())
	require.NoError(t, b.Connect(ctx))

	cancel()

	got := drain(t, b.Messages())
	assert.Empty(t, got)
	assert.NoError(t, b.Err())
}
