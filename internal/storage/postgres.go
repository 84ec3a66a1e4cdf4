// Package storage persists event batches in PostgreSQL. A batch commits in
// a single transaction; the (exchange, epoch, seq) primary key makes
// re-delivery idempotent.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/models"
)

// ErrStorage marks a transient persistence failure. Commits wrapped in
// WithRetry are retried; exhaustion drops the batch, never the pipeline.
var ErrStorage = errors.New("storage error")

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	exchange    text             NOT NULL,
	epoch       bigint           NOT NULL,
	seq         bigint           NOT NULL,
	market      text             NOT NULL,
	kind        text             NOT NULL,
	best_ask    double precision,
	best_bid    double precision,
	price       double precision,
	received_at timestamptz      NOT NULL,
	PRIMARY KEY (exchange, epoch, seq)
);

CREATE INDEX IF NOT EXISTS ticks_exchange_received_at_idx
	ON ticks (exchange, received_at);
`

const insertTick = `
INSERT INTO ticks (exchange, epoch, seq, market, kind, best_ask, best_bid, price, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (exchange, epoch, seq) DO NOTHING
`

// Postgres is the persistence sink backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates the ticks table and its indexes.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Commit inserts all events of the batch in one transaction. Rows already
// present under the uniqueness key are skipped; the rest of the batch
// still commits. Partial visible writes never occur.
func (p *Postgres) Commit(ctx context.Context, batch models.Batch) error {
	if batch.Empty() {
		return nil
	}

	log := logger.WithComponent("storage")
	start := time.Now()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	pb := &pgx.Batch{}
	for _, ev := range batch.Events {
		pb.Queue(insertTick,
			ev.Exchange, ev.Epoch, ev.Seq, ev.Market, string(ev.Kind),
			nullablePrice(ev.BestAsk), nullablePrice(ev.BestBid), nullablePrice(ev.Price),
			ev.ReceivedAt,
		)
	}

	results := tx.SendBatch(ctx, pb)
	var inserted, skipped int64
	for range batch.Events {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("%w: insert: %v", ErrStorage, err)
		}
		if tag.RowsAffected() == 0 {
			skipped++
		} else {
			inserted++
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("%w: close batch: %v", ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	metrics.RowsInserted.Add(float64(inserted))
	metrics.DuplicatesSkipped.Add(float64(skipped))
	metrics.CommitDuration.Observe(time.Since(start).Seconds())

	log.Debug().
		Str("batch_id", batch.ID).
		Int64("inserted", inserted).
		Int64("skipped", skipped).
		Dur("duration", time.Since(start)).
		Msg("batch committed")

	return nil
}

// nullablePrice maps the zero value to NULL so ticker rows carry no trade
// price and trade rows carry no quote.
func nullablePrice(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// TicksSince returns all events for an exchange received at or after the
// given time, in receipt order.
func (p *Postgres) TicksSince(ctx context.Context, exchange string, since time.Time) ([]models.Event, error) {
	const query = `
		SELECT exchange, epoch, seq, market, kind, best_ask, best_bid, price, received_at
		FROM ticks
		WHERE exchange = $1 AND received_at >= $2
		ORDER BY epoch, seq
	`

	rows, err := p.pool.Query(ctx, query, exchange, since)
	if err != nil {
		return nil, fmt.Errorf("%w: query ticks: %v", ErrStorage, err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev   models.Event
			kind string
			ask  *float64
			bid  *float64
			prc  *float64
		)
		if err := rows.Scan(&ev.Exchange, &ev.Epoch, &ev.Seq, &ev.Market, &kind, &ask, &bid, &prc, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("%w: scan tick: %v", ErrStorage, err)
		}
		ev.Kind = models.Kind(kind)
		if ask != nil {
			ev.BestAsk = *ask
		}
		if bid != nil {
			ev.BestBid = *bid
		}
		if prc != nil {
			ev.Price = *prc
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate ticks: %v", ErrStorage, err)
	}

	return events, nil
}

// Ping verifies database connectivity, for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
