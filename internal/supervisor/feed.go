// Package supervisor owns the lifecycle of one exchange feed: it connects
// the transport, runs the decode/filter/batch/commit stages for each
// connection epoch, applies reconnect policy with backoff, and drives
// graceful drain on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tickstream/internal/decode"
	"tickstream/internal/exchange"
	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/models"
	"tickstream/internal/pipeline"
	"tickstream/internal/relay"
	"tickstream/internal/storage"
)

// ErrRetriesExhausted is returned by Run when the configured reconnect
// budget runs out.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Config wires one feed.
type Config struct {
	// Exchange is the feed name ("binance", "kucoin").
	Exchange string

	// Connect dials a fresh transport client for a new epoch.
	Connect func(ctx context.Context) (exchange.Client, error)

	// NewDecoder builds the per-epoch decoder.
	NewDecoder func(epoch uint64) (*decode.Decoder, error)

	Filters []pipeline.FilterFunc

	// Sink commits batches; wrap with storage.WithRetry for transient
	// failure handling.
	Sink storage.Committer

	// Forwarder, when non-nil, receives committed batches. Best effort.
	Forwarder *relay.Forwarder

	BatchSize    int
	BatchWindow  time.Duration
	QueueCap     int
	Backoff      Backoff
	MaxRetries   int // 0 retries forever
	DrainTimeout time.Duration
}

// Feed supervises one exchange connection end to end.
type Feed struct {
	cfg Config

	state   atomic.Int32
	epoch   atomic.Uint64
	retries int

	// onTransition is observed by tests; nil in production.
	onTransition func(State)
}

// New creates an idle feed.
func New(cfg Config) *Feed {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 2 * time.Second
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	f := &Feed{cfg: cfg}
	f.state.Store(int32(StateIdle))
	return f
}

// State returns the current lifecycle state.
func (f *Feed) State() State { return State(f.state.Load()) }

// Epoch returns the current connection epoch.
func (f *Feed) Epoch() uint64 { return f.epoch.Load() }

func (f *Feed) setState(s State) {
	f.state.Store(int32(s))
	if f.onTransition != nil {
		f.onTransition(s)
	}
}

// Run drives the feed until the context is cancelled (clean shutdown,
// returns nil after draining) or the retry budget is exhausted (returns
// ErrRetriesExhausted wrapped around the last cause).
func (f *Feed) Run(ctx context.Context) error {
	log := logger.WithFeed(f.cfg.Exchange)

	f.setState(StateConnecting)
	for {
		client, err := f.cfg.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.setState(StateClosed)
				return nil
			}
			log.Warn().Err(err).Msg("connect failed")
			if fatal := f.backoff(ctx, log, err); fatal != nil {
				f.setState(StateClosed)
				return fatal
			}
			if ctx.Err() != nil {
				f.setState(StateClosed)
				return nil
			}
			continue
		}

		epoch := f.epoch.Add(1)
		f.retries = 0
		f.setState(StateStreaming)
		log.Info().Uint64("epoch", epoch).Msg("streaming")

		streamErr := f.stream(ctx, client, epoch)
		_ = client.Close()

		if ctx.Err() != nil {
			// stream already drained the partial batch.
			f.setState(StateClosed)
			log.Info().Msg("closed after drain")
			return nil
		}

		f.setState(StateReconnecting)
		metrics.Reconnects.WithLabelValues(f.cfg.Exchange).Inc()
		log.Warn().Err(streamErr).Uint64("epoch", epoch).Msg("stream ended, reconnecting")

		if fatal := f.backoff(ctx, log, streamErr); fatal != nil {
			f.setState(StateClosed)
			return fatal
		}
		if ctx.Err() != nil {
			f.setState(StateClosed)
			return nil
		}
		f.setState(StateConnecting)
	}
}

// recoverPanic keeps a panicking stage from taking the process down: the
// panic is counted and the epoch is unwound, letting the reconnect loop
// recover. Stage defers still close their output channels during unwind.
func (f *Feed) recoverPanic(log zerolog.Logger, stage string, cancel context.CancelFunc) {
	if r := recover(); r != nil {
		metrics.PanicsRecovered.WithLabelValues(stage).Inc()
		log.Error().Interface("panic", r).Str("stage", stage).Msg("recovered panic, unwinding epoch")
		cancel()
	}
}

// backoff sleeps before the next attempt. It returns a terminal error when
// the retry budget is exhausted, and nil on context cancellation (the
// caller re-checks ctx).
func (f *Feed) backoff(ctx context.Context, log zerolog.Logger, cause error) error {
	f.retries++
	if f.cfg.MaxRetries > 0 && f.retries > f.cfg.MaxRetries {
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, f.cfg.MaxRetries, cause)
	}

	delay := f.cfg.Backoff.Delay(f.retries - 1)
	log.Info().
		Int("attempt", f.retries).
		Dur("delay", delay).
		Msg("backing off before reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

// stream runs one connection epoch: decode, filter, batch, commit. It
// returns the epoch-fatal error, or nil when the context was cancelled
// (drain). A clean remote close is reported as a connection error so the
// reconnect loop takes over.
func (f *Feed) stream(ctx context.Context, client exchange.Client, epoch uint64) error {
	log := logger.WithFeed(f.cfg.Exchange)

	dec, err := f.cfg.NewDecoder(epoch)
	if err != nil {
		return err
	}

	// Stage contexts derive from Background, not ctx: on shutdown the
	// stages must keep running long enough to flush, bounded by the drain
	// timeout below.
	epochCtx, epochCancel := context.WithCancel(context.Background())
	defer epochCancel()

	events := make(chan models.Event, f.cfg.QueueCap)
	filtered := make(chan models.Event, f.cfg.QueueCap)
	batches := make(chan models.Batch, 4)

	streamDone := make(chan struct{})
	defer close(streamDone)

	// Drain watchdog: on shutdown, give the stages DrainTimeout to flush,
	// then force-unwind.
	go func() {
		select {
		case <-ctx.Done():
			f.setState(StateDraining)
			log.Info().Dur("timeout", f.cfg.DrainTimeout).Msg("draining")
			t := time.NewTimer(f.cfg.DrainTimeout)
			defer t.Stop()
			select {
			case <-t.C:
				log.Warn().Msg("drain timeout, forcing unwind")
				epochCancel()
			case <-streamDone:
			}
		case <-streamDone:
		}
	}()

	var wg sync.WaitGroup

	// Receive + decode loop. Stops pulling when the transport closes its
	// channel, which happens on connection loss, clean close, overflow,
	// and shutdown alike.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(events)
		defer f.recoverPanic(log, "decode", epochCancel)
		for raw := range client.Messages() {
			ev, err := dec.Decode(raw)
			if err != nil {
				if errors.Is(err, decode.ErrSkip) {
					metrics.DecodeSkipped.WithLabelValues(f.cfg.Exchange).Inc()
					continue
				}
				// Malformed single frame: skip and continue, counted.
				metrics.DecodeErrors.WithLabelValues(f.cfg.Exchange).Inc()
				log.Warn().Err(err).Msg("decode error, frame skipped")
				continue
			}
			metrics.EventsDecoded.WithLabelValues(f.cfg.Exchange, string(ev.Kind)).Inc()
			select {
			case events <- ev:
			case <-epochCtx.Done():
				return
			}
		}
	}()

	stage := &pipeline.Stage{Exchange: f.cfg.Exchange, Filters: f.cfg.Filters}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer f.recoverPanic(log, "pipeline", epochCancel)
		stage.Run(epochCtx, events, filtered)
	}()

	batcher := &pipeline.Batcher{
		Exchange: f.cfg.Exchange,
		Epoch:    epoch,
		Size:     f.cfg.BatchSize,
		Window:   f.cfg.BatchWindow,
	}
	// A partial batch is flushed only when input ended because of a
	// shutdown request; an epoch that ends in error or a remote close
	// discards it.
	flushOnClose := func() bool {
		return ctx.Err() != nil && client.Err() == nil
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer f.recoverPanic(log, "batcher", epochCancel)
		batcher.Run(epochCtx, filtered, batches, flushOnClose)
	}()

	// Commit loop: serialized commits preserve per-epoch write order.
	for batch := range batches {
		if batch.Epoch != epoch {
			metrics.StaleBatchesDiscarded.WithLabelValues(f.cfg.Exchange).Inc()
			log.Warn().Uint64("batch_epoch", batch.Epoch).Msg("discarding stale-epoch batch")
			continue
		}

		if err := f.cfg.Sink.Commit(epochCtx, batch); err != nil {
			metrics.BatchesDropped.WithLabelValues(f.cfg.Exchange).Inc()
			log.Error().
				Err(err).
				Str("batch_id", batch.ID).
				Int("size", batch.Size()).
				Msg("batch dropped after commit retries")
			continue
		}
		metrics.BatchesCommitted.WithLabelValues(f.cfg.Exchange).Inc()

		if f.cfg.Forwarder != nil {
			if err := f.cfg.Forwarder.Forward(epochCtx, batch); err != nil {
				log.Warn().Err(err).Str("batch_id", batch.ID).Msg("relay forward failed")
			}
		}
	}

	wg.Wait()

	if err := client.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: closed by remote", exchange.ErrConnection)
}
