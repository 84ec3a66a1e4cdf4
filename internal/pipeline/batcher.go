package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/models"
)

// Batcher accumulates events into batches and emits a batch when it
// reaches Size events or when its oldest event reaches Window age,
// whichever comes first. Emitting resets the accumulator.
type Batcher struct {
	Exchange string
	Epoch    uint64
	Size     int
	Window   time.Duration
}

// Run consumes events from in until it closes or ctx is cancelled, then
// closes out. flushOnClose reports whether a partially filled batch is
// emitted when in closes: true when draining for shutdown or a clean
// remote close, false when the connection epoch ended in error (the
// partial batch is stale and must be discarded). Cancellation always
// discards.
func (b *Batcher) Run(ctx context.Context, in <-chan models.Event, out chan<- models.Batch, flushOnClose func() bool) {
	log := logger.WithFeed(b.Exchange)
	defer close(out)

	var batch models.Batch

	timer := time.NewTimer(b.Window)
	stopTimer(timer)
	defer timer.Stop()

	emit := func(trigger string) bool {
		metrics.BatchesEmitted.WithLabelValues(b.Exchange, trigger).Inc()
		metrics.BatchSize.Observe(float64(batch.Size()))
		log.Debug().
			Str("batch_id", batch.ID).
			Int("size", batch.Size()).
			Str("trigger", trigger).
			Msg("batch emitted")

		select {
		case out <- batch:
			batch = models.Batch{}
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-in:
			if !ok {
				if batch.Empty() || !flushOnClose() {
					if !batch.Empty() {
						metrics.StaleBatchesDiscarded.WithLabelValues(b.Exchange).Inc()
						log.Warn().
							Str("batch_id", batch.ID).
							Int("size", batch.Size()).
							Msg("discarding partial batch")
					}
					return
				}
				emit("drain")
				return
			}

			if batch.Empty() {
				batch = models.Batch{
					ID:       uuid.NewString(),
					Epoch:    ev.Epoch,
					OpenedAt: time.Now().UTC(),
				}
				timer.Reset(b.Window)
			}
			batch.Events = append(batch.Events, ev)

			if batch.Size() >= b.Size {
				stopTimer(timer)
				if !emit("size") {
					return
				}
			}

		case <-timer.C:
			if !batch.Empty() {
				if !emit("window") {
					return
				}
			}
		}
	}
}

// stopTimer stops the timer and drains a pending fire so a stale tick
// cannot flush the next batch early.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
