package models

import (
	"errors"
	"math"
	"time"
)

// Kind discriminates the two message families every supported exchange emits.
type Kind string

const (
	// KindTicker carries the current best ask/bid for a market.
	KindTicker Kind = "ticker"
	// KindTrade carries the price of a single executed trade.
	KindTrade Kind = "trade"
)

// RawMessage is one frame as received from the transport, before decoding.
// It is owned by the exchange client until handed to the decoder and is
// discarded immediately after.
type RawMessage struct {
	Payload    []byte
	ReceivedAt time.Time
}

// Event is a decoded, normalized market-data record. Events are immutable
// once created; Seq strictly increases within one connection epoch.
type Event struct {
	// Exchange is the feed identifier ("binance", "kucoin").
	Exchange string `json:"exchange"`

	// Market is the canonical market symbol, e.g. "BTC/USDT".
	Market string `json:"market"`

	Kind Kind `json:"kind"`

	// BestAsk and BestBid are set for ticker events.
	BestAsk float64 `json:"best_ask,omitempty"`
	BestBid float64 `json:"best_bid,omitempty"`

	// Price is set for trade events.
	Price float64 `json:"price,omitempty"`

	// Epoch identifies the connection lifetime this event was received in.
	Epoch uint64 `json:"epoch"`

	// Seq is the per-epoch ingestion sequence assigned at decode time.
	Seq uint64 `json:"seq"`

	ReceivedAt time.Time `json:"received_at"`
}

// Validation errors
var (
	ErrEmptyExchange  = errors.New("exchange cannot be empty")
	ErrEmptyMarket    = errors.New("market cannot be empty")
	ErrInvalidKind    = errors.New("invalid event kind")
	ErrInvalidPrice   = errors.New("price must be a positive finite number")
	ErrZeroReceivedAt = errors.New("received-at timestamp cannot be zero")
)

// Validate checks that the Event carries well-formed, in-range fields.
func (e *Event) Validate() error {
	if e.Exchange == "" {
		return ErrEmptyExchange
	}

	if e.Market == "" {
		return ErrEmptyMarket
	}

	if e.ReceivedAt.IsZero() {
		return ErrZeroReceivedAt
	}

	switch e.Kind {
	case KindTicker:
		if !validPrice(e.BestAsk) || !validPrice(e.BestBid) {
			return ErrInvalidPrice
		}
	case KindTrade:
		if !validPrice(e.Price) {
			return ErrInvalidPrice
		}
	default:
		return ErrInvalidKind
	}

	return nil
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Batch is an ordered, bounded group of events from a single epoch. It is
// the atomic unit of persistence: committed in full or not at all.
type Batch struct {
	// ID identifies the batch in logs and relay headers.
	ID string `json:"id"`

	// Epoch of every member event. Batches never span epochs.
	Epoch uint64 `json:"epoch"`

	// OpenedAt is when the first event was appended; the time-based flush
	// trigger is measured from here.
	OpenedAt time.Time `json:"opened_at"`

	Events []Event `json:"events"`
}

// Size returns the number of events in the batch.
func (b *Batch) Size() int { return len(b.Events) }

// Empty reports whether the batch holds no events.
func (b *Batch) Empty() bool { return len(b.Events) == 0 }
