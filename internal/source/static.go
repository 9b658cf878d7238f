package source

import (
	"context"
	"sync"

	"github.com/nmxmxh/marketgate/internal/wire"
)

// StaticSource serves fixed snapshots from memory. Used in development and as
// the test double for publishers.
type StaticSource struct {
	mu      sync.RWMutex
	prices  map[string]*wire.PriceUpdatePayload
	fx      *wire.FXUpdatePayload
	news    *wire.NewsUpdatePayload
	signals *wire.AISignalsPayload
	status  *wire.MarketStatusPayload
	err     error
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[string]*wire.PriceUpdatePayload)}
}

// SetPrices sets the snapshot returned for a market.
func (s *StaticSource) SetPrices(market string, p *wire.PriceUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[market] = p
}

func (s *StaticSource) SetFX(p *wire.FXUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fx = p
}

func (s *StaticSource) SetNews(p *wire.NewsUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = p
}

func (s *StaticSource) SetSignals(p *wire.AISignalsPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = p
}

func (s *StaticSource) SetStatus(p *wire.MarketStatusPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = p
}

// SetError makes every fetch fail until cleared.
func (s *StaticSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) FetchPrices(_ context.Context, market string) (*wire.PriceUpdatePayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.prices[market]
	if !ok {
		return &wire.PriceUpdatePayload{Items: []wire.PriceItem{}, MarketState: "closed"}, nil
	}
	return p, nil
}

func (s *StaticSource) FetchFX(context.Context) (*wire.FXUpdatePayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.fx == nil {
		return &wire.FXUpdatePayload{Items: []wire.FXItem{}, MarketState: "closed"}, nil
	}
	return s.fx, nil
}

func (s *StaticSource) FetchNews(context.Context) (*wire.NewsUpdatePayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.news == nil {
		return &wire.NewsUpdatePayload{Items: []wire.NewsItem{}, MarketState: "closed"}, nil
	}
	return s.news, nil
}

func (s *StaticSource) FetchSignals(context.Context) (*wire.AISignalsPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.signals == nil {
		return &wire.AISignalsPayload{Signals: []wire.AISignal{}}, nil
	}
	return s.signals, nil
}

func (s *StaticSource) FetchStatus(context.Context) (*wire.MarketStatusPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.status == nil {
		return &wire.MarketStatusPayload{Markets: []wire.MarketInfo{}}, nil
	}
	return s.status, nil
}
