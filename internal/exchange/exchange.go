package exchange

import (
	"context"

	"kp-monitor/internal/core"
)

// QuoteSource fetches the latest public trade or ticker payload for one venue market.
type QuoteSource interface {
	Name() core.Venue
	FetchLatest(ctx context.Context, market string) (core.RawResponse, error)
}

type Trader interface {
	Name() core.Venue
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
}
