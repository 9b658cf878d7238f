package source

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
	jsonx "github.com/nmxmxh/marketgate/pkg/json"
)

// Snapshot keys maintained by the external fetchers.
const (
	keyPricesPrefix = "snapshot:prices:" // + market
	keyFX           = "snapshot:fx"
	keyNews         = "snapshot:news"
	keySignals      = "snapshot:signals"
	keyMarketStatus = "snapshot:market_status"
)

// RedisSource reads the latest snapshots from Redis keys that external
// fetchers keep up to date. Each key holds one JSON-encoded payload.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a snapshot source over the given Redis client.
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) FetchPrices(ctx context.Context, market string) (*wire.PriceUpdatePayload, error) {
	var out wire.PriceUpdatePayload
	if err := s.get(ctx, keyPricesPrefix+market, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisSource) FetchFX(ctx context.Context) (*wire.FXUpdatePayload, error) {
	var out wire.FXUpdatePayload
	if err := s.get(ctx, keyFX, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisSource) FetchNews(ctx context.Context) (*wire.NewsUpdatePayload, error) {
	var out wire.NewsUpdatePayload
	if err := s.get(ctx, keyNews, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisSource) FetchSignals(ctx context.Context) (*wire.AISignalsPayload, error) {
	var out wire.AISignalsPayload
	if err := s.get(ctx, keySignals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisSource) FetchStatus(ctx context.Context) (*wire.MarketStatusPayload, error) {
	var out wire.MarketStatusPayload
	if err := s.get(ctx, keyMarketStatus, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisSource) get(ctx context.Context, key string, out interface{}) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return errors.Wrap(err, "reading snapshot "+key)
	}
	if err := jsonx.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decoding snapshot "+key)
	}
	return nil
}
