package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/schema"
	"main/internal/supervisor"
)

// ArbitrageConfig wires the arbitrage worker to its collaborators.
type ArbitrageConfig struct {
	Subscriber *relay.Subscriber
	Advisor    Advisor
	Publisher  *relay.Publisher
	Breakers   *breaker.Registry
	// Interval paces advisor calls. Defaults to 5s.
	Interval time.Duration
}

// Arbitrage accumulates the latest signal per symbol and periodically
// asks the advisor for cross-venue opportunities. Advisor calls run
// through the shared advisor breaker.
type Arbitrage struct {
	cfg ArbitrageConfig

	mu     sync.Mutex
	latest map[string]Signal
}

// NewArbitrage creates the arbitrage worker.
func NewArbitrage(cfg ArbitrageConfig) *Arbitrage {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Arbitrage{
		cfg:    cfg,
		latest: make(map[string]Signal),
	}
}

// Name implements supervisor.Task.
func (w *Arbitrage) Name() string { return "arbitrage-worker" }

// Run implements supervisor.Task.
func (w *Arbitrage) Run(ctx context.Context, hb *supervisor.Heartbeat) error {
	br := w.cfg.Breakers.Get(ResourceAdvisor)
	hb.Beat()

	collectErr := make(chan error, 1)
	go func() {
		collectErr <- w.collect(ctx)
	}()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-collectErr:
			return err
		case <-ticker.C:
			w.assess(ctx, br)
			hb.Beat()
		}
	}
}

// collect drains the subscriber, keeping only the newest signal per
// symbol between advisor rounds.
func (w *Arbitrage) collect(ctx context.Context) error {
	for {
		msg, err := w.cfg.Subscriber.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "receive signal")
		}
		var sig Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			logs.Warnf("arbitrage decode signal, err: %+v", err)
			continue
		}
		w.mu.Lock()
		w.latest[sig.Symbol] = sig
		w.mu.Unlock()
	}
}

func (w *Arbitrage) assess(ctx context.Context, br *breaker.Breaker) {
	w.mu.Lock()
	if len(w.latest) == 0 {
		w.mu.Unlock()
		return
	}
	signals := make([]Signal, 0, len(w.latest))
	for _, sig := range w.latest {
		signals = append(signals, sig)
	}
	w.latest = make(map[string]Signal)
	w.mu.Unlock()

	var opportunities []Opportunity
	err := br.Do(ctx, func(ctx context.Context) error {
		out, err := w.cfg.Advisor.Assess(ctx, signals)
		if err != nil {
			return errors.Wrap(err, "assess signals").With("count", len(signals))
		}
		opportunities = out
		return nil
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return
	}
	if err != nil {
		logs.Warnf("arbitrage assess, err: %+v", err)
		return
	}

	for _, opp := range opportunities {
		body, err := json.Marshal(opp)
		if err != nil {
			logs.Errorf("marshal opportunity %s, err: %+v", opp.Symbol, err)
			continue
		}
		if err := w.cfg.Publisher.Publish(schema.TopicArbOpportunity+opp.Symbol, body); err != nil {
			logs.Warnf("publish opportunity %s, err: %+v", opp.Symbol, err)
		}
	}
}
