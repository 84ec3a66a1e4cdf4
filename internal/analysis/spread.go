// Package analysis computes spread and slippage statistics over persisted
// tick events.
package analysis

import (
	"sort"

	"tickstream/internal/models"
)

// SlippageCutoff is the maximum per-trade slippage, in percent, that still
// counts toward the slippage average. Trades further than this from the
// best ask are treated as outliers.
const SlippageCutoff = 2.0

// MarketStats summarizes one market over an observation window.
type MarketStats struct {
	Exchange string
	Market   string

	// Spread is the relative bid/ask spread in percent, nil when no ticker
	// was observed in the window.
	Spread *float64

	// Slippage is the mean per-trade slippage in percent over qualifying
	// trades, nil when no ticker or no qualifying trade was observed.
	Slippage *float64

	// Volume is the number of trades observed in the window.
	Volume int
}

// Spread returns the relative spread in percent given the best ask and bid.
func Spread(bestAsk, bestBid float64) float64 {
	return (bestAsk - bestBid) / bestAsk * 100
}

// Slippage returns the mean slippage in percent of trades executed within
// SlippageCutoff of the best ask, or nil when no trade qualifies.
func Slippage(bestAsk float64, prices []float64) *float64 {
	var sum float64
	var n int
	for _, price := range prices {
		s := (bestAsk - price) / price * 100
		if s <= SlippageCutoff {
			sum += s
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// Aggregate folds a window of events into per-market statistics. The most
// recent ticker per market wins; trades accumulate. Events must be in
// receipt order, which the store guarantees via (epoch, seq) ordering.
func Aggregate(events []models.Event) []MarketStats {
	type acc struct {
		exchange string
		ticker   *models.Event
		prices   []float64
	}

	markets := make(map[string]*acc)
	for i := range events {
		ev := &events[i]
		a, ok := markets[ev.Market]
		if !ok {
			a = &acc{exchange: ev.Exchange}
			markets[ev.Market] = a
		}
		switch ev.Kind {
		case models.KindTicker:
			a.ticker = ev
		case models.KindTrade:
			a.prices = append(a.prices, ev.Price)
		}
	}

	stats := make([]MarketStats, 0, len(markets))
	for market, a := range markets {
		s := MarketStats{
			Exchange: a.exchange,
			Market:   market,
			Volume:   len(a.prices),
		}
		if a.ticker != nil {
			spread := Spread(a.ticker.BestAsk, a.ticker.BestBid)
			s.Spread = &spread
			s.Slippage = Slippage(a.ticker.BestAsk, a.prices)
		}
		stats = append(stats, s)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Exchange != stats[j].Exchange {
			return stats[i].Exchange < stats[j].Exchange
		}
		return stats[i].Market < stats[j].Market
	})

	return stats
}
