package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/schema"
	"main/internal/supervisor"
)

// StrategyConfig wires the strategy worker to its collaborators.
type StrategyConfig struct {
	Feed      MarketFeed
	Publisher *relay.Publisher
	Breakers  *breaker.Registry
	Symbols   []string
	// Interval paces signal generation. Defaults to 1s.
	Interval time.Duration
}

// Strategy polls the market feed and publishes trading signals. Feed
// calls run through the shared market data breaker, so an unreachable
// upstream fails fast instead of stalling the loop.
type Strategy struct {
	cfg StrategyConfig
}

// NewStrategy creates the strategy worker.
func NewStrategy(cfg StrategyConfig) *Strategy {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Strategy{cfg: cfg}
}

// Name implements supervisor.Task.
func (w *Strategy) Name() string { return "strategy-worker" }

// Run implements supervisor.Task.
func (w *Strategy) Run(ctx context.Context, hb *supervisor.Heartbeat) error {
	br := w.cfg.Breakers.Get(ResourceMarketData)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	hb.Beat()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, symbol := range w.cfg.Symbols {
				w.tick(ctx, br, symbol)
			}
			hb.Beat()
		}
	}
}

func (w *Strategy) tick(ctx context.Context, br *breaker.Breaker, symbol string) {
	var quote Quote
	err := br.Do(ctx, func(ctx context.Context) error {
		q, err := w.cfg.Feed.Quote(ctx, symbol)
		if err != nil {
			return errors.Wrap(err, "fetch quote").With("symbol", symbol)
		}
		quote = q
		return nil
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return
	}
	if err != nil {
		logs.Warnf("strategy quote %s, err: %+v", symbol, err)
		return
	}

	sig := signalFrom(quote)
	body, err := json.Marshal(sig)
	if err != nil {
		logs.Errorf("marshal signal %s, err: %+v", symbol, err)
		return
	}
	if err := w.cfg.Publisher.Publish(schema.TopicStrategySignal+symbol, body); err != nil {
		logs.Warnf("publish signal %s, err: %+v", symbol, err)
	}
}

// signalFrom derives a momentum signal from one quote: follow the last
// move, with confidence proportional to its size.
func signalFrom(q Quote) Signal {
	side := "buy"
	price := q.Ask
	if q.Change < 0 {
		side = "sell"
		price = q.Bid
	}
	confidence := q.Change
	if confidence < 0 {
		confidence = -confidence
	}
	confidence *= 100
	if confidence > 1 {
		confidence = 1
	}
	return Signal{
		Symbol:      q.Symbol,
		Side:        side,
		Price:       price,
		Confidence:  confidence,
		GeneratedAt: time.Now().UTC().UnixNano(),
	}
}
