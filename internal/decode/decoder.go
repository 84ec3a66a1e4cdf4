// Package decode converts raw transport frames into typed events, isolating
// each exchange's wire dialect from the rest of the pipeline.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tickstream/internal/config"
	"tickstream/internal/models"
)

// ErrSkip marks frames that carry no market data (welcomes, acks, pongs,
// subscription confirmations). Callers drop these without logging an error.
var ErrSkip = errors.New("frame carries no market data")

// Error is a decode failure for a single frame. It carries the raw payload
// for diagnostics; the pipeline skips the frame and continues.
type Error struct {
	Exchange string
	Payload  []byte
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode %s frame: %v (payload: %.256s)", e.Exchange, e.Err, e.Payload)
}

func (e *Error) Unwrap() error { return e.Err }

// Decoder turns raw frames from one exchange connection into events,
// assigning a strictly increasing per-epoch sequence at decode time.
type Decoder struct {
	exchange string
	symbols  *SymbolMap
	epoch    uint64
	seq      uint64
}

// New returns a decoder for the given exchange dialect and connection epoch.
func New(exchange string, symbols *SymbolMap, epoch uint64) (*Decoder, error) {
	switch exchange {
	case config.ExchangeBinance, config.ExchangeKucoin:
	default:
		return nil, fmt.Errorf("no decoder for exchange %q", exchange)
	}
	return &Decoder{exchange: exchange, symbols: symbols, epoch: epoch}, nil
}

// Decode converts one raw frame into an event. It returns ErrSkip for
// non-data frames and *Error for malformed payloads; both leave the
// sequence counter untouched.
func (d *Decoder) Decode(raw models.RawMessage) (models.Event, error) {
	var (
		ev  models.Event
		err error
	)
	switch d.exchange {
	case config.ExchangeBinance:
		ev, err = d.decodeBinance(raw)
	case config.ExchangeKucoin:
		ev, err = d.decodeKucoin(raw)
	}
	if err != nil {
		if errors.Is(err, ErrSkip) {
			return models.Event{}, err
		}
		return models.Event{}, &Error{Exchange: d.exchange, Payload: raw.Payload, Err: err}
	}

	ev.Exchange = d.exchange
	ev.Epoch = d.epoch
	ev.ReceivedAt = raw.ReceivedAt

	if err := ev.Validate(); err != nil {
		return models.Event{}, &Error{Exchange: d.exchange, Payload: raw.Payload, Err: err}
	}

	d.seq++
	ev.Seq = d.seq
	return ev, nil
}

// binanceFrame is the combined-stream envelope:
// {"stream":"btcusdt@ticker","data":{...}}
type binanceFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Ask   string `json:"a"`
		Bid   string `json:"b"`
		Price string `json:"p"`
	} `json:"data"`
}

func (d *Decoder) decodeBinance(raw models.RawMessage) (models.Event, error) {
	var frame binanceFrame
	if err := json.Unmarshal(raw.Payload, &frame); err != nil {
		return models.Event{}, fmt.Errorf("invalid json: %w", err)
	}

	if frame.Stream == "" {
		// Subscription confirmations and other control responses have no
		// stream field.
		return models.Event{}, ErrSkip
	}

	symbol, channel, ok := strings.Cut(frame.Stream, "@")
	if !ok {
		return models.Event{}, fmt.Errorf("malformed stream name %q", frame.Stream)
	}

	market, ok := d.symbols.Canonical(symbol)
	if !ok {
		return models.Event{}, fmt.Errorf("unsubscribed symbol %q", symbol)
	}

	switch channel {
	case "ticker":
		ask, err := parsePrice(frame.Data.Ask)
		if err != nil {
			return models.Event{}, fmt.Errorf("best ask: %w", err)
		}
		bid, err := parsePrice(frame.Data.Bid)
		if err != nil {
			return models.Event{}, fmt.Errorf("best bid: %w", err)
		}
		return models.Event{Market: market, Kind: models.KindTicker, BestAsk: ask, BestBid: bid}, nil
	case "trade":
		price, err := parsePrice(frame.Data.Price)
		if err != nil {
			return models.Event{}, fmt.Errorf("trade price: %w", err)
		}
		return models.Event{Market: market, Kind: models.KindTrade, Price: price}, nil
	default:
		return models.Event{}, fmt.Errorf("unexpected channel %q", channel)
	}
}

// kucoinFrame is one message on a KuCoin public topic, e.g.
// {"type":"message","topic":"/market/ticker:BTC-USDT","data":{...}}
type kucoinFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		BestAsk string `json:"bestAsk"`
		BestBid string `json:"bestBid"`
		Price   string `json:"price"`
		Side    string `json:"side"`
	} `json:"data"`
}

func (d *Decoder) decodeKucoin(raw models.RawMessage) (models.Event, error) {
	var frame kucoinFrame
	if err := json.Unmarshal(raw.Payload, &frame); err != nil {
		return models.Event{}, fmt.Errorf("invalid json: %w", err)
	}

	switch frame.Type {
	case "message":
	case "welcome", "ack", "pong":
		return models.Event{}, ErrSkip
	default:
		return models.Event{}, fmt.Errorf("unexpected frame type %q", frame.Type)
	}

	topic, symbol, ok := strings.Cut(frame.Topic, ":")
	if !ok {
		return models.Event{}, fmt.Errorf("malformed topic %q", frame.Topic)
	}

	market, ok := d.symbols.Canonical(symbol)
	if !ok {
		return models.Event{}, fmt.Errorf("unsubscribed symbol %q", symbol)
	}

	switch topic {
	case "/market/ticker":
		ask, err := parsePrice(frame.Data.BestAsk)
		if err != nil {
			return models.Event{}, fmt.Errorf("best ask: %w", err)
		}
		bid, err := parsePrice(frame.Data.BestBid)
		if err != nil {
			return models.Event{}, fmt.Errorf("best bid: %w", err)
		}
		return models.Event{Market: market, Kind: models.KindTicker, BestAsk: ask, BestBid: bid}, nil
	case "/market/match":
		// Only taker buys feed the slippage statistic, matching how the
		// trade history is sampled.
		if frame.Data.Side != "buy" {
			return models.Event{}, ErrSkip
		}
		price, err := parsePrice(frame.Data.Price)
		if err != nil {
			return models.Event{}, fmt.Errorf("match price: %w", err)
		}
		return models.Event{Market: market, Kind: models.KindTrade, Price: price}, nil
	default:
		return models.Event{}, fmt.Errorf("unexpected topic %q", topic)
	}
}

func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("missing price field")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}
