package decode

import "strings"

// SymbolMap translates between canonical market names ("BTC/USDT") and one
// exchange's wire symbols, in both directions.
type SymbolMap struct {
	toWire      map[string]string
	toCanonical map[string]string
	wire        []string
}

func newSymbolMap(markets []string, wire func(string) string) *SymbolMap {
	m := &SymbolMap{
		toWire:      make(map[string]string, len(markets)),
		toCanonical: make(map[string]string, len(markets)),
	}
	for _, market := range markets {
		w := wire(market)
		m.toWire[market] = w
		m.toCanonical[w] = market
		m.wire = append(m.wire, w)
	}
	return m
}

// BinanceSymbols maps canonical markets to Binance stream symbols:
// BTC/USDT becomes btcusdt.
func BinanceSymbols(markets []string) *SymbolMap {
	return newSymbolMap(markets, func(market string) string {
		return strings.ToLower(strings.ReplaceAll(market, "/", ""))
	})
}

// KucoinSymbols maps canonical markets to KuCoin topic symbols:
// BTC/USDT becomes BTC-USDT.
func KucoinSymbols(markets []string) *SymbolMap {
	return newSymbolMap(markets, func(market string) string {
		return strings.ReplaceAll(market, "/", "-")
	})
}

// Canonical returns the canonical market for a wire symbol.
func (m *SymbolMap) Canonical(wire string) (string, bool) {
	c, ok := m.toCanonical[wire]
	return c, ok
}

// Wire returns the exchange wire symbol for a canonical market.
func (m *SymbolMap) Wire(market string) (string, bool) {
	w, ok := m.toWire[market]
	return w, ok
}

// WireSymbols returns all wire symbols in configuration order.
func (m *SymbolMap) WireSymbols() []string { return m.wire }
