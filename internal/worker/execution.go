package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/schema"
	"main/internal/supervisor"
)

// ExecutionConfig wires the execution worker to its collaborators.
type ExecutionConfig struct {
	Subscriber *relay.Subscriber
	Broker     Broker
	Publisher  *relay.Publisher
	Breakers   *breaker.Registry
	// MinConfidence drops signals below this score. Defaults to 0.1.
	MinConfidence float64
	// Qty is the fixed order size. Defaults to "1".
	Qty decimal.Decimal
	// HeartbeatInterval paces liveness while no signals arrive.
	// Defaults to 1s.
	HeartbeatInterval time.Duration
}

// Execution consumes strategy signals and places orders through the
// broker breaker. A rejected or timed-out broker counts toward the
// shared breaker, so other callers of the venue fail fast too.
type Execution struct {
	cfg ExecutionConfig
}

// NewExecution creates the execution worker.
func NewExecution(cfg ExecutionConfig) *Execution {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.1
	}
	if cfg.Qty == "" {
		cfg.Qty = "1"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	return &Execution{cfg: cfg}
}

// Name implements supervisor.Task.
func (w *Execution) Name() string { return "execution-worker" }

// Run implements supervisor.Task.
func (w *Execution) Run(ctx context.Context, hb *supervisor.Heartbeat) error {
	br := w.cfg.Breakers.Get(ResourceBroker)
	hb.Beat()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Bounded receive keeps the heartbeat fresh through quiet
		// stretches with no signals.
		recvCtx, cancel := context.WithTimeout(ctx, w.cfg.HeartbeatInterval)
		msg, err := w.cfg.Subscriber.Receive(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				hb.Beat()
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "receive signal")
		}

		w.handle(ctx, br, msg.Payload)
		hb.Beat()
	}
}

func (w *Execution) handle(ctx context.Context, br *breaker.Breaker, payload []byte) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		logs.Warnf("execution decode signal, err: %+v", err)
		return
	}
	if sig.Confidence < w.cfg.MinConfidence {
		return
	}

	order := Order{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Price:    sig.Price,
		Qty:      w.cfg.Qty,
		SignalAt: sig.GeneratedAt,
		PlacedAt: time.Now().UTC().UnixNano(),
	}

	err := br.Do(ctx, func(ctx context.Context) error {
		id, err := w.cfg.Broker.PlaceOrder(ctx, order)
		if err != nil {
			return errors.Wrap(err, "place order").With("symbol", order.Symbol)
		}
		order.OrderID = id
		return nil
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return
	}
	if err != nil {
		logs.Warnf("execution order %s, err: %+v", order.Symbol, err)
		return
	}

	body, err := json.Marshal(order)
	if err != nil {
		logs.Errorf("marshal order %s, err: %+v", order.Symbol, err)
		return
	}
	if err := w.cfg.Publisher.Publish(schema.TopicExecutionOrder+order.Symbol, body); err != nil {
		logs.Warnf("publish order %s, err: %+v", order.Symbol, err)
	}
}
