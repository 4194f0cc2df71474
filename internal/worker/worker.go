package worker

import (
	"context"

	"github.com/yanun0323/decimal"
)

// Breaker resource keys. Workers share one registry, so every caller
// of the same upstream counts toward the same threshold.
const (
	ResourceMarketData = "binance"
	ResourceBroker     = "kalshi"
	ResourceAdvisor    = "groq"
)

// Signal is the strategy output published on strategy.signal.<SYMBOL>.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Confidence  float64         `json:"confidence"`
	GeneratedAt int64           `json:"generatedAt"`
}

// Order is the execution output published on execution.order.<SYMBOL>.
type Order struct {
	OrderID  string          `json:"orderId"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	SignalAt int64           `json:"signalAt"`
	PlacedAt int64           `json:"placedAt"`
}

// Opportunity is the arbitrage output published on
// arb.opportunity.<SYMBOL>.
type Opportunity struct {
	Symbol     string          `json:"symbol"`
	Edge       decimal.Decimal `json:"edge"`
	Rationale  string          `json:"rationale"`
	ObservedAt int64           `json:"observedAt"`
}

// Quote is a top-of-book snapshot from a market data upstream. Change
// is the fractional move since the previous quote for the same symbol.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Change float64
	At     int64
}

// MarketFeed fetches quotes from an external market data source.
type MarketFeed interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Broker places orders against an external trading venue.
type Broker interface {
	PlaceOrder(ctx context.Context, order Order) (orderID string, err error)
}

// Advisor scores recent signals for cross-venue opportunities.
type Advisor interface {
	Assess(ctx context.Context, signals []Signal) ([]Opportunity, error)
}
