package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"tickstream/internal/config"
	"tickstream/internal/models"
)

// Binance streams ticker and trade channels for a set of markets over a
// single combined-stream connection.
type Binance struct {
	streamURL string
	symbols   []string
	opts      Options

	sock *socket
}

// NewBinance returns an unconnected Binance client. symbols are wire
// symbols ("btcusdt"); streamURL is the combined-stream base URL.
func NewBinance(streamURL string, symbols []string, opts Options) *Binance {
	return &Binance{
		streamURL: streamURL,
		symbols:   symbols,
		opts:      opts.withDefaults(),
	}
}

func (b *Binance) Name() string { return config.ExchangeBinance }

// streamQuery builds the combined-stream query: one ticker and one trade
// stream per symbol, joined by "/".
func (b *Binance) streamQuery() string {
	streams := make([]string, 0, len(b.symbols)*2)
	for _, symbol := range b.symbols {
		streams = append(streams, symbol+"@ticker", symbol+"@trade")
	}
	return strings.Join(streams, "/")
}

// Connect dials the combined stream and starts the receive loop.
func (b *Binance) Connect(ctx context.Context) error {
	endpoint, err := url.Parse(b.streamURL)
	if err != nil {
		return fmt.Errorf("%w: invalid stream url: %v", ErrConnection, err)
	}
	q := endpoint.Query()
	q.Set("streams", b.streamQuery())
	endpoint.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: b.opts.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %v (status %d)", ErrConnection, endpoint.Host, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint.Host, err)
	}

	b.sock = newSocket(b.Name(), conn, b.opts)
	b.sock.start(ctx)
	return nil
}

func (b *Binance) Messages() <-chan models.RawMessage { return b.sock.out }

func (b *Binance) Err() error { return b.sock.errValue() }

func (b *Binance) Close() error {
	if b.sock != nil {
		b.sock.close()
	}
	return nil
}
