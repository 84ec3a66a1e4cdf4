// Package relay forwards committed events to a Kafka topic for downstream
// consumers. Forwarding is best effort: failures are counted and logged,
// never block the commit path, and never fail a batch.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/models"
)

// ErrForwarderClosed is returned by Forward after Close.
var ErrForwarderClosed = errors.New("forwarder is closed")

// Forwarder publishes event batches to a Kafka topic, keyed by
// exchange/market so per-market ordering survives partitioning.
type Forwarder struct {
	writer *kafka.Writer
	closed atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a forwarder for the given brokers and topic.
func New(brokers []string, topic string) (*Forwarder, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}

	return &Forwarder{writer: writer}, nil
}

// Forward publishes all events of a committed batch.
func (f *Forwarder) Forward(ctx context.Context, batch models.Batch) error {
	if f.closed.Load() {
		return ErrForwarderClosed
	}
	if batch.Empty() {
		return nil
	}

	log := logger.WithComponent("relay")

	msgs := make([]kafka.Message, 0, batch.Size())
	for _, ev := range batch.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			// Events are plain structs; a marshal failure is a programming
			// error, not a transport one.
			return fmt.Errorf("serialize event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Exchange + "/" + ev.Market),
			Value: data,
			Headers: []kafka.Header{
				{Key: "batch_id", Value: []byte(batch.ID)},
			},
			Time: ev.ReceivedAt,
		})
	}

	if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
		f.failed.Add(uint64(len(msgs)))
		metrics.RelayPublished.WithLabelValues("failed").Add(float64(len(msgs)))
		return fmt.Errorf("write to relay topic: %w", err)
	}

	f.published.Add(uint64(len(msgs)))
	metrics.RelayPublished.WithLabelValues("success").Add(float64(len(msgs)))
	log.Debug().Str("batch_id", batch.ID).Int("events", len(msgs)).Msg("batch forwarded")
	return nil
}

// Stats returns publish counters.
func (f *Forwarder) Stats() (published, failed uint64) {
	return f.published.Load(), f.failed.Load()
}

// Close flushes and releases the writer.
func (f *Forwarder) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.writer.Close()
}
