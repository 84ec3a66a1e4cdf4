package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tickstream/internal/config"
	"tickstream/internal/logger"
	"tickstream/internal/models"
)

// Kucoin streams public ticker and match topics. Connecting is a two-step
// handshake: an HTTP POST obtains a short-lived token and the websocket
// endpoint, then the socket is dialed and topics are subscribed with
// explicit acks.
type Kucoin struct {
	tokenURL   string
	symbols    []string
	opts       Options
	httpClient *http.Client

	connID string
	sock   *socket
}

// NewKucoin returns an unconnected KuCoin client. symbols are wire symbols
// ("BTC-USDT"); tokenURL is the bullet-public endpoint.
func NewKucoin(tokenURL string, symbols []string, opts Options) *Kucoin {
	o := opts.withDefaults()
	return &Kucoin{
		tokenURL:   tokenURL,
		symbols:    symbols,
		opts:       o,
		httpClient: &http.Client{Timeout: o.DialTimeout},
		connID:     uuid.NewString()[:8],
	}
}

func (k *Kucoin) Name() string { return config.ExchangeKucoin }

type bulletResponse struct {
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int    `json:"pingInterval"` // milliseconds
		} `json:"instanceServers"`
	} `json:"data"`
}

// Connect obtains a public token, dials the websocket, completes the
// welcome/subscribe/ack handshake, and starts the receive and ping loops.
func (k *Kucoin) Connect(ctx context.Context) error {
	bullet, err := k.fetchBullet(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s?token=%s&connectId=%s",
		bullet.Data.InstanceServers[0].Endpoint, bullet.Data.Token, k.connID)

	dialer := websocket.Dialer{HandshakeTimeout: k.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: dial kucoin: %v", ErrConnection, err)
	}

	if err := k.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	k.sock = newSocket(k.Name(), conn, k.opts)
	k.sock.start(ctx)

	pingInterval := time.Duration(bullet.Data.InstanceServers[0].PingInterval) * time.Millisecond
	if pingInterval > 0 {
		go k.pingLoop(conn, pingInterval)
	}

	return nil
}

func (k *Kucoin) fetchBullet(ctx context.Context) (*bulletResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %v", ErrConnection, err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch public token: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrConnection, resp.StatusCode)
	}

	var bullet bulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&bullet); err != nil {
		return nil, fmt.Errorf("%w: invalid token response: %v", ErrProtocol, err)
	}
	if bullet.Data.Token == "" || len(bullet.Data.InstanceServers) == 0 {
		return nil, fmt.Errorf("%w: token response missing token or servers", ErrProtocol)
	}

	return &bullet, nil
}

// handshake waits for the welcome frame and subscribes the two public
// topics, awaiting an ack for each.
func (k *Kucoin) handshake(conn *websocket.Conn) error {
	if err := k.awaitFrame(conn, "welcome"); err != nil {
		return err
	}

	markets := strings.Join(k.symbols, ",")
	for _, topic := range []string{
		"/market/ticker:" + markets,
		"/market/match:" + markets,
	} {
		sub := map[string]any{
			"id":             k.connID,
			"type":           "subscribe",
			"privateChannel": false,
			"response":       true,
			"topic":          topic,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("%w: subscribe %s: %v", ErrConnection, topic, err)
		}
		if err := k.awaitFrame(conn, "ack"); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	return nil
}

// awaitFrame reads frames until one of the wanted type arrives, bounded by
// the dial timeout.
func (k *Kucoin) awaitFrame(conn *websocket.Conn, want string) error {
	deadline := time.Now().Add(k.opts.DialTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for %q frame: %v", ErrProtocol, want, err)
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("%w: waiting for %q frame: %v", ErrProtocol, want, err)
		}
		if frame.Type == want {
			return nil
		}
	}
}

// pingLoop keeps the connection alive; KuCoin drops clients that stay
// silent past the advertised ping interval.
func (k *Kucoin) pingLoop(conn *websocket.Conn, interval time.Duration) {
	log := logger.WithFeed(k.Name())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.sock.done:
			return
		case <-ticker.C:
			ping := map[string]string{"id": k.connID, "type": "ping"}
			if err := conn.WriteJSON(ping); err != nil {
				log.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (k *Kucoin) Messages() <-chan models.RawMessage { return k.sock.out }

func (k *Kucoin) Err() error { return k.sock.errValue() }

func (k *Kucoin) Close() error {
	if k.sock != nil {
		k.sock.close()
	}
	return nil
}
