package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/models"
)

// Committer durably stores one batch. Postgres implements it; WithRetry
// decorates any implementation.
type Committer interface {
	Commit(ctx context.Context, batch models.Batch) error
}

// RetryPolicy bounds per-batch commit retries. Backoff doubles per attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

type retryCommitter struct {
	next   Committer
	policy RetryPolicy
}

// WithRetry wraps a committer with bounded exponential-backoff retry for
// transient failures. When the budget is exhausted the last error is
// returned and the caller drops the batch; the pipeline never blocks on a
// single batch indefinitely.
func WithRetry(next Committer, policy RetryPolicy) Committer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Backoff <= 0 {
		policy.Backoff = 250 * time.Millisecond
	}
	return &retryCommitter{next: next, policy: policy}
}

func (r *retryCommitter) Commit(ctx context.Context, batch models.Batch) error {
	log := logger.WithComponent("storage")
	backoff := r.policy.Backoff

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.CommitRetries.Inc()
			log.Warn().
				Str("batch_id", batch.ID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying batch commit")

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
				backoff *= 2
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := r.next.Commit(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("commit failed after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}
