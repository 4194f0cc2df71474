package worker

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/decimal"
)

// SimFeed is a random-walk market feed for environments without real
// upstream credentials. It is deterministic under a seeded rand.
type SimFeed struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewSimFeed creates a feed seeded with seed.
func NewSimFeed(seed int64) *SimFeed {
	return &SimFeed{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
	}
}

// Quote implements MarketFeed.
func (f *SimFeed) Quote(_ context.Context, symbol string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	price, ok := f.prices[symbol]
	if !ok {
		price = 100 + f.rng.Float64()*900
	}
	change := (f.rng.Float64() - 0.5) * 0.01
	price *= 1 + change
	f.prices[symbol] = price

	spread := price * 0.0002
	return Quote{
		Symbol: symbol,
		Bid:    toDecimal(price - spread),
		Ask:    toDecimal(price + spread),
		Change: change,
		At:     time.Now().UTC().UnixNano(),
	}, nil
}

// SimBroker accepts every order and returns a generated order ID.
type SimBroker struct{}

// PlaceOrder implements Broker.
func (SimBroker) PlaceOrder(_ context.Context, _ Order) (string, error) {
	return uuid.NewString(), nil
}

// SimAdvisor flags every high-confidence signal as an opportunity.
type SimAdvisor struct {
	// Threshold is the minimum confidence flagged. Defaults to 0.5.
	Threshold float64
}

// Assess implements Advisor.
func (a SimAdvisor) Assess(_ context.Context, signals []Signal) ([]Opportunity, error) {
	threshold := a.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	var out []Opportunity
	for _, sig := range signals {
		if sig.Confidence < threshold {
			continue
		}
		out = append(out, Opportunity{
			Symbol:     sig.Symbol,
			Edge:       toDecimal(sig.Confidence * 0.01),
			Rationale:  "momentum continuation on " + sig.Side + " side",
			ObservedAt: time.Now().UTC().UnixNano(),
		})
	}
	return out, nil
}

func toDecimal(v float64) decimal.Decimal {
	return decimal.Decimal(strconv.FormatFloat(v, 'f', 8, 64))
}
