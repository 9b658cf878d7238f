package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
	jsonx "github.com/nmxmxh/marketgate/pkg/json"
)

// HTTPClient pulls snapshots from the external data-fetch service over REST.
// Transient failures inside one tick are retried a couple of times with
// exponential backoff; a tick that still fails is simply skipped by the
// publisher and retried naturally on the next tick.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	retries uint64
}

// NewHTTPClient creates a snapshot client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retries: 2,
	}
}

func (c *HTTPClient) FetchPrices(ctx context.Context, market string) (*wire.PriceUpdatePayload, error) {
	var out wire.PriceUpdatePayload
	if err := c.get(ctx, "/snapshots/prices/"+market, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FetchFX(ctx context.Context) (*wire.FXUpdatePayload, error) {
	var out wire.FXUpdatePayload
	if err := c.get(ctx, "/snapshots/fx", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FetchNews(ctx context.Context) (*wire.NewsUpdatePayload, error) {
	var out wire.NewsUpdatePayload
	if err := c.get(ctx, "/snapshots/news", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FetchSignals(ctx context.Context) (*wire.AISignalsPayload, error) {
	var out wire.AISignalsPayload
	if err := c.get(ctx, "/snapshots/signals", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FetchStatus(ctx context.Context) (*wire.MarketStatusPayload, error) {
	var out wire.MarketStatusPayload
	if err := c.get(ctx, "/snapshots/market-status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("snapshot fetch %s: status %d", path, resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := jsonx.Unmarshal(body, out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decoding snapshot"))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	return backoff.Retry(op, policy)
}
