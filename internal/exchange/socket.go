package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/models"
)

// socket owns one live websocket connection and pumps its frames into a
// bounded channel. The connection is released on every exit path.
type socket struct {
	name string
	opts Options
	conn *websocket.Conn
	out  chan models.RawMessage

	mu      sync.Mutex
	termErr error

	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(name string, conn *websocket.Conn, opts Options) *socket {
	metrics.ReceiveQueueCapacity.WithLabelValues(name).Set(float64(opts.QueueCap))
	return &socket{
		name: name,
		opts: opts,
		conn: conn,
		out:  make(chan models.RawMessage, opts.QueueCap),
		done: make(chan struct{}),
	}
}

// start launches the receive loop plus a watcher that unblocks the read
// when the context is cancelled.
func (s *socket) start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			// Closing the connection is the only way to interrupt a
			// blocked ReadMessage.
			s.close()
		case <-s.done:
		}
	}()
	go s.run(ctx)
}

func (s *socket) run(ctx context.Context) {
	log := logger.WithFeed(s.name)
	defer close(s.out)
	defer s.close()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)); err != nil {
			s.setErr(fmt.Errorf("%w: %v", ErrConnection, err))
			return
		}

		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown-driven close: terminate cleanly.
				return
			}
			s.setErr(classifyReadError(err))
			return
		}

		metrics.MessagesReceived.WithLabelValues(s.name).Inc()

		msg := models.RawMessage{Payload: payload, ReceivedAt: time.Now().UTC()}

		select {
		case s.out <- msg:
		default:
			// Queue full: wait a bounded time for the consumer before
			// declaring overflow.
			stall := time.NewTimer(s.opts.StallTimeout)
			select {
			case s.out <- msg:
				stall.Stop()
			case <-ctx.Done():
				stall.Stop()
				return
			case <-stall.C:
				metrics.QueueOverflows.WithLabelValues(s.name).Inc()
				log.Error().
					Int("capacity", s.opts.QueueCap).
					Dur("stall_timeout", s.opts.StallTimeout).
					Msg("receive queue overflow")
				s.setErr(fmt.Errorf("%w: queue full for %s", ErrOverflow, s.opts.StallTimeout))
				return
			}
		}

		metrics.ReceiveQueueSize.WithLabelValues(s.name).Set(float64(len(s.out)))
	}
}

func classifyReadError(err error) error {
	// A clean remote close terminates the stream without error.
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: idle timeout: %v", ErrConnection, err)
	}

	if websocket.IsUnexpectedCloseError(err) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

func (s *socket) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termErr == nil {
		s.termErr = err
	}
}

func (s *socket) errValue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// close releases the connection exactly once, attempting a polite close
// frame first.
func (s *socket) close() {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = s.conn.Close()
		close(s.done)
	})
}
