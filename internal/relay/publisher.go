package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

var (
	ErrInvalidTopic    = errors.New("relay: invalid topic")
	ErrPublisherClosed = errors.New("relay: publisher closed")
)

// PublisherConfig defines a publisher client handle.
type PublisherConfig struct {
	// Network is "tcp" or "unix".
	Network string
	// Addr is the relay ingress address.
	Addr string
	// ID identifies this publisher on every message. Defaults to a
	// generated instance ID.
	ID string
	// QueueSize bounds the outbound queue.
	QueueSize int
	// MaxFrameSize bounds a single outbound frame.
	MaxFrameSize int
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// Backoff controls reconnect pacing.
	Backoff Backoff
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.ID == "" {
		c.ID = "pub-" + uuid.NewString()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// Publisher is a fire-and-forget handle to the relay ingress.
// Reconnection is transparent: Publish never requires the caller to
// manage connection state, and messages enqueued while disconnected
// are dropped rather than delivered stale.
type Publisher struct {
	cfg       PublisherConfig
	queue     chan []byte
	connected atomic.Bool
	closed    chan struct{}
}

// NewPublisher creates a publisher handle. Run must be started for
// messages to flow.
func NewPublisher(cfg PublisherConfig) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		cfg:    cfg,
		queue:  make(chan []byte, cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

// ID returns the publisher identity stamped on every message.
func (p *Publisher) ID() string {
	return p.cfg.ID
}

// Connected reports whether the transport is currently established.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// Publish enqueues a message and returns immediately. Zero subscribers
// is a normal, silent case. On queue overflow the oldest pending
// message is dropped; signal value decays within seconds, so the
// newest message wins.
func (p *Publisher) Publish(topic string, payload []byte) error {
	if !schema.ValidTopic(topic) {
		return ErrInvalidTopic
	}
	select {
	case <-p.closed:
		return ErrPublisherClosed
	default:
	}

	body, err := codec.EncodeMessage(nil, schema.Message{
		Topic:       topic,
		PublisherID: p.cfg.ID,
		PublishedAt: time.Now().UTC().UnixNano(),
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	if len(body)+1 > p.cfg.MaxFrameSize {
		return codec.ErrFrameTooLarge
	}

	select {
	case p.queue <- body:
		return nil
	default:
	}
	// Full: drop the oldest, then retry once.
	select {
	case <-p.queue:
	default:
	}
	select {
	case p.queue <- body:
	default:
	}
	return nil
}

// Run owns the connection lifecycle and blocks until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.Close()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := p.dial(ctx)
		if err != nil {
			attempt++
			sleepBackoff(ctx, p.cfg.Backoff, attempt)
			continue
		}

		attempt = 0
		p.connected.Store(true)
		err = p.writeLoop(ctx, conn)
		p.connected.Store(false)
		_ = conn.Close()
		p.drain()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logs.Warnf("publisher %s disconnected, err: %v", p.cfg.ID, err)
		}
		attempt++
		sleepBackoff(ctx, p.cfg.Backoff, attempt)
	}
}

// Close marks the handle closed; subsequent Publish calls fail.
func (p *Publisher) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

func (p *Publisher) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	return dialer.DialContext(ctx, p.cfg.Network, p.cfg.Addr)
}

func (p *Publisher) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return ErrPublisherClosed
		case body := <-p.queue:
			if err := codec.WriteFrame(conn, codec.FrameMessage, body, p.cfg.MaxFrameSize); err != nil {
				return err
			}
		}
	}
}

// drain discards messages queued while disconnected.
func (p *Publisher) drain() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

func sleepBackoff(ctx context.Context, b Backoff, attempt int) {
	wait := b.Next(attempt)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
