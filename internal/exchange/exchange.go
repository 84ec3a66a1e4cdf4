// Package exchange maintains a single live websocket connection per feed
// and exposes the inbound frames as a bounded, consumer-driven stream.
package exchange

import (
	"context"
	"errors"
	"time"

	"tickstream/internal/models"
)

// Error taxonomy for the transport boundary. All three are fatal for the
// current connection epoch; the supervisor reconnects.
var (
	// ErrConnection marks an unreachable or dropped connection, including
	// idle timeouts.
	ErrConnection = errors.New("connection error")

	// ErrProtocol marks malformed framing or a broken handshake.
	ErrProtocol = errors.New("protocol error")

	// ErrOverflow marks a receive queue that stayed full beyond the stall
	// timeout. The client stops rather than buffer unboundedly.
	ErrOverflow = errors.New("receive queue overflow")
)

// Client is one connection to a remote event source. Connect establishes
// the connection and starts the receive loop; Messages yields frames in
// receipt order and is closed when the connection ends; Err reports the
// terminal receive error after Messages closes, nil on clean close.
type Client interface {
	Name() string
	Connect(ctx context.Context) error
	Messages() <-chan models.RawMessage
	Err() error
	Close() error
}

// Options bound the connection's timeouts and its hand-off queue.
type Options struct {
	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	QueueCap     int
	StallTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Second
	}
	if out.QueueCap <= 0 {
		out.QueueCap = 1024
	}
	if out.StallTimeout <= 0 {
		out.StallTimeout = 5 * time.Second
	}
	return out
}
