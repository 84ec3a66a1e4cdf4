package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/decode"
	"tickstream/internal/exchange"
	"tickstream/internal/logger"
	"tickstream/internal/models"
	"tickstream/internal/pipeline"
)

func TestMain(m *testing.M) {
	logger.Init("disabled")
	m.Run()
}

// fakeClient is a scripted transport: frames are queued up front and the
// stream ends when finish is called, mirroring the real client's contract
// of closing Messages on connection end and on shutdown.
type fakeClient struct {
	msgs chan models.RawMessage

	mu      sync.Mutex
	termErr error
	once    sync.Once
}

func newFakeClient(frames ...string) *fakeClient {
	c := &fakeClient{msgs: make(chan models.RawMessage, 64)}
	for _, f := range frames {
		c.msgs <- models.RawMessage{Payload: []byte(f), ReceivedAt: time.Now().UTC()}
	}
	return c
}

func (c *fakeClient) Name() string                       { return "binance" }
func (c *fakeClient) Connect(ctx context.Context) error  { return nil }
func (c *fakeClient) Messages() <-chan models.RawMessage { return c.msgs }

func (c *fakeClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

func (c *fakeClient) Close() error { return nil }

// finish terminates the stream with the given error (nil = clean close or
// shutdown-driven close).
func (c *fakeClient) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.termErr = err
		c.mu.Unlock()
		close(c.msgs)
	})
}

// memSink records committed batches.
type memSink struct {
	mu      sync.Mutex
	batches []models.Batch
}

func (s *memSink) Commit(ctx context.Context, batch models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *memSink) committed() []models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func tradeFrame(price float64) string {
	return fmt.Sprintf(`{"stream":"btcusdt@trade","data":{"p":"%g"}}`, price)
}

var testSymbols = decode.BinanceSymbols([]string{"BTC/USDT"})

// scriptedConnect hands out the given clients in order and closes each
// client's stream when the run context is cancelled.
func scriptedConnect(clients ...*fakeClient) func(ctx context.Context) (exchange.Client, error) {
	var next int32
	return func(ctx context.Context) (exchange.Client, error) {
		i := int(atomic.AddInt32(&next, 1)) - 1
		if i >= len(clients) {
			return nil, fmt.Errorf("%w: no more scripted clients", exchange.ErrConnection)
		}
		c := clients[i]
		go func() {
			<-ctx.Done()
			c.finish(nil)
		}()
		return c, nil
	}
}

func testConfig(sink *memSink, connect func(ctx context.Context) (exchange.Client, error)) Config {
	return Config{
		Exchange: "binance",
		Connect:  connect,
		NewDecoder: func(epoch uint64) (*decode.Decoder, error) {
			return decode.New("binance", testSymbols, epoch)
		},
		Filters:      []pipeline.FilterFunc{pipeline.MarketAllowlist([]string{"BTC/USDT"})},
		Sink:         sink,
		BatchSize:    3,
		BatchWindow:  time.Hour,
		QueueCap:     64,
		Backoff:      Backoff{Initial: time.Millisecond, Cap: 5 * time.Millisecond, Multiplier: 2},
		DrainTimeout: 2 * time.Second,
	}
}

// recordTransitions attaches a state recorder to the feed.
func recordTransitions(f *Feed) func() []State {
	var mu sync.Mutex
	var states []State
	f.onTransition = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		out := make([]State, len(states))
		copy(out, states)
		return out
	}
}

func TestFeedSizeFlushCommits(t *testing.T) {
	client := newFakeClient(tradeFrame(100), tradeFrame(101), tradeFrame(102))
	sink := &memSink{}
	feed := New(testConfig(sink, scriptedConnect(client)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.committed()) == 1 }, 2*time.Second, 10*time.Millisecond)

	batch := sink.committed()[0]
	assert.Equal(t, 3, batch.Size())
	assert.Equal(t, uint64(1), batch.Epoch)
	for i, ev := range batch.Events {
		assert.Equal(t, uint64(i+1), ev.Seq, "events must stay in receipt order")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, feed.State())
}

func TestFeedDrainFlushesPartialBatch(t *testing.T) {
	client := newFakeClient(tradeFrame(100), tradeFrame(101))
	sink := &memSink{}
	feed := New(testConfig(sink, scriptedConnect(client)))
	states := recordTransitions(feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	// Wait for the feed to be streaming with both events buffered, then
	// request shutdown.
	require.Eventually(t, func() bool { return feed.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	batches := sink.committed()
	require.Len(t, batches, 1, "partial batch must be flushed on drain")
	assert.Equal(t, 2, batches[0].Size())

	assert.Contains(t, states(), StateDraining)
	assert.Equal(t, StateClosed, feed.State())
}

func TestFeedEmptyPartialBatchNotCommitted(t *testing.T) {
	client := newFakeClient()
	sink := &memSink{}
	feed := New(testConfig(sink, scriptedConnect(client)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return feed.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Empty(t, sink.committed())
}

func TestFeedReconnectDiscardsPartialAndBumpsEpoch(t *testing.T) {
	// First connection delivers two events (below the size threshold) and
	// then drops; its partial batch must be discarded.
	first := newFakeClient(tradeFrame(100), tradeFrame(101))
	second := newFakeClient(tradeFrame(200), tradeFrame(201), tradeFrame(202))
	sink := &memSink{}
	feed := New(testConfig(sink, scriptedConnect(first, second)))
	states := recordTransitions(feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	// Let the first epoch ingest its frames before dropping it.
	require.Eventually(t, func() bool { return feed.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	first.finish(fmt.Errorf("%w: connection reset", exchange.ErrConnection))

	require.Eventually(t, func() bool { return len(sink.committed()) == 1 }, 2*time.Second, 10*time.Millisecond)

	batch := sink.committed()[0]
	assert.Equal(t, uint64(2), batch.Epoch, "committed batch must belong to the new epoch")
	assert.Equal(t, 3, batch.Size())
	assert.Equal(t, uint64(2), feed.Epoch())

	cancel()
	require.NoError(t, <-done)

	got := states()
	assert.Contains(t, got, StateReconnecting)
	// The recovery loop must pass through Connecting again.
	var reconnectingIdx, lastConnectingIdx int
	for i, s := range got {
		if s == StateReconnecting {
			reconnectingIdx = i
		}
		if s == StateConnecting {
			lastConnectingIdx = i
		}
	}
	assert.Greater(t, lastConnectingIdx, reconnectingIdx)
}

func TestFeedRetriesExhausted(t *testing.T) {
	sink := &memSink{}
	cfg := testConfig(sink, func(ctx context.Context) (exchange.Client, error) {
		return nil, fmt.Errorf("%w: refused", exchange.ErrConnection)
	})
	cfg.MaxRetries = 2
	feed := New(cfg)

	err := feed.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateClosed, feed.State())
	assert.Empty(t, sink.committed())
}

func TestFeedSkipsMalformedFrames(t *testing.T) {
	client := newFakeClient(
		tradeFrame(100),
		`not json at all`,
		`{"stream":"btcusdt@trade","data":{"p":"oops"}}`,
		tradeFrame(101),
		tradeFrame(102),
	)
	sink := &memSink{}
	feed := New(testConfig(sink, scriptedConnect(client)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.committed()) == 1 }, 2*time.Second, 10*time.Millisecond)

	batch := sink.committed()[0]
	require.Equal(t, 3, batch.Size())
	assert.Equal(t, 100.0, batch.Events[0].Price)
	assert.Equal(t, 101.0, batch.Events[1].Price)
	assert.Equal(t, 102.0, batch.Events[2].Price)

	cancel()
	require.NoError(t, <-done)
}
