// Package source provides the "latest snapshot" data-fetch collaborators the
// publishers pull from. The gateway depends only on the result shapes, not on
// where a snapshot comes from.
package source

import (
	"context"

	"github.com/nmxmxh/marketgate/internal/wire"
)

// PriceSource fetches the latest quotes for a market.
type PriceSource interface {
	FetchPrices(ctx context.Context, market string) (*wire.PriceUpdatePayload, error)
}

// FXSource fetches the latest currency rates.
type FXSource interface {
	FetchFX(ctx context.Context) (*wire.FXUpdatePayload, error)
}

// NewsSource fetches the latest headlines.
type NewsSource interface {
	FetchNews(ctx context.Context) (*wire.NewsUpdatePayload, error)
}

// SignalSource fetches the latest generated trading signals.
type SignalSource interface {
	FetchSignals(ctx context.Context) (*wire.AISignalsPayload, error)
}

// StatusSource fetches the current state of every tracked market.
type StatusSource interface {
	FetchStatus(ctx context.Context) (*wire.MarketStatusPayload, error)
}
