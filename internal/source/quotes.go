package source

import (
	"sync"

	"github.com/nmxmxh/marketgate/internal/wire"
)

// QuoteCache holds the most recent quote per symbol. The price publisher
// refreshes it on every successful tick; the message handler reads it to
// answer get_current_price commands.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]wire.PriceQuotePayload
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]wire.PriceQuotePayload)}
}

// Update refreshes the cache from a price snapshot.
func (q *QuoteCache) Update(p *wire.PriceUpdatePayload) {
	if p == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range p.Items {
		q.quotes[item.Symbol] = wire.PriceQuotePayload{
			Symbol:       item.Symbol,
			CurrentPrice: item.CurrentPrice,
			MarketState:  p.MarketState,
		}
	}
}

// Get returns the latest quote for a symbol.
func (q *QuoteCache) Get(symbol string) (wire.PriceQuotePayload, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	quote, ok := q.quotes[symbol]
	return quote, ok
}
