package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/models"
)

func TestSpread(t *testing.T) {
	// (102 - 100) / 102 * 100
	assert.InDelta(t, 1.9607843, Spread(102, 100), 1e-6)
	assert.Equal(t, 0.0, Spread(100, 100))
}

func TestSlippage(t *testing.T) {
	t.Run("mean of qualifying trades", func(t *testing.T) {
		// At ask 100: price 99 gives ~1.0101%, price 100 gives 0%.
		got := Slippage(100, []float64{99, 100})
		require.NotNil(t, got)
		assert.InDelta(t, (100.0/99.0-1)*100/2, *got, 1e-6)
	})

	t.Run("outliers beyond cutoff excluded", func(t *testing.T) {
		// Price 90 at ask 100 is ~11.1% slippage, above the 2% cutoff.
		got := Slippage(100, []float64{90, 99})
		require.NotNil(t, got)
		assert.InDelta(t, (100.0/99.0-1)*100, *got, 1e-6)
	})

	t.Run("negative slippage qualifies", func(t *testing.T) {
		// Trades above the ask give negative slippage, still <= cutoff.
		got := Slippage(100, []float64{101})
		require.NotNil(t, got)
		assert.Less(t, *got, 0.0)
	})

	t.Run("no trades", func(t *testing.T) {
		assert.Nil(t, Slippage(100, nil))
	})

	t.Run("no qualifying trades", func(t *testing.T) {
		assert.Nil(t, Slippage(100, []float64{50}))
	})
}

func tick(market string, ask, bid float64, seq uint64) models.Event {
	return models.Event{
		Exchange: "binance", Market: market, Kind: models.KindTicker,
		BestAsk: ask, BestBid: bid, Epoch: 1, Seq: seq, ReceivedAt: time.Now(),
	}
}

func trade(market string, price float64, seq uint64) models.Event {
	return models.Event{
		Exchange: "binance", Market: market, Kind: models.KindTrade,
		Price: price, Epoch: 1, Seq: seq, ReceivedAt: time.Now(),
	}
}

func TestAggregate(t *testing.T) {
	events := []models.Event{
		tick("BTC/USDT", 101, 100, 1),
		trade("BTC/USDT", 100.5, 2),
		trade("BTC/USDT", 100.8, 3),
		// A later ticker supersedes the earlier one.
		tick("BTC/USDT", 102, 100, 4),
		// A market with trades but no ticker.
		trade("ETH/USDT", 2000, 5),
	}

	stats := Aggregate(events)
	require.Len(t, stats, 2)

	btc := stats[0]
	assert.Equal(t, "BTC/USDT", btc.Market)
	require.NotNil(t, btc.Spread)
	assert.InDelta(t, Spread(102, 100), *btc.Spread, 1e-9)
	require.NotNil(t, btc.Slippage)
	assert.Equal(t, 2, btc.Volume)

	eth := stats[1]
	assert.Equal(t, "ETH/USDT", eth.Market)
	assert.Nil(t, eth.Spread)
	assert.Nil(t, eth.Slippage)
	assert.Equal(t, 1, eth.Volume)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}
