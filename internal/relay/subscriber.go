package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

var ErrSubscriberClosed = errors.New("relay: subscriber closed")

// SubscriberConfig defines a subscriber client handle.
type SubscriberConfig struct {
	// Network is "tcp" or "unix".
	Network string
	// Addr is the relay egress address.
	Addr string
	// ID identifies this subscriber to the relay. Defaults to a
	// generated instance ID.
	ID string
	// Prefixes are the topic prefixes registered on connect.
	Prefixes []string
	// QueueSize bounds the inbound queue.
	QueueSize int
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize int
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// Backoff controls reconnect pacing.
	Backoff Backoff
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.ID == "" {
		c.ID = "sub-" + uuid.NewString()
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

// Subscriber is a handle to the relay egress. It re-registers its
// prefix set after every reconnect; messages published while the
// connection is down are lost, never redelivered.
type Subscriber struct {
	cfg       SubscriberConfig
	inbox     chan schema.Message
	closed    chan struct{}
	closeOnce sync.Once
	connected atomic.Bool

	mu       sync.Mutex
	prefixes []string
	conn     net.Conn
}

// NewSubscriber creates a subscriber handle. Run must be started for
// messages to flow.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	cfg = cfg.withDefaults()
	prefixes := make([]string, 0, len(cfg.Prefixes))
	prefixes = append(prefixes, cfg.Prefixes...)
	return &Subscriber{
		cfg:      cfg,
		inbox:    make(chan schema.Message, cfg.QueueSize),
		closed:   make(chan struct{}),
		prefixes: prefixes,
	}
}

// ID returns the subscriber identity.
func (s *Subscriber) ID() string {
	return s.cfg.ID
}

// Connected reports whether the transport is currently established.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Receive blocks until a matching message arrives, ctx is done, or the
// handle is closed.
func (s *Subscriber) Receive(ctx context.Context) (schema.Message, error) {
	select {
	case m := <-s.inbox:
		return m, nil
	default:
	}
	select {
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	case <-s.closed:
		return schema.Message{}, ErrSubscriberClosed
	case m := <-s.inbox:
		return m, nil
	}
}

// Subscribe registers an additional prefix, effective immediately on a
// live connection and re-applied after reconnects.
func (s *Subscriber) Subscribe(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prefixes {
		if p == prefix {
			return nil
		}
	}
	s.prefixes = append(s.prefixes, prefix)
	if s.conn == nil {
		return nil
	}
	return s.sendControlLocked(codec.FrameSubscribe, prefix)
}

// Unsubscribe removes a prefix.
func (s *Subscriber) Unsubscribe(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.prefixes {
		if p == prefix {
			s.prefixes = append(s.prefixes[:i], s.prefixes[i+1:]...)
			if s.conn == nil {
				return nil
			}
			return s.sendControlLocked(codec.FrameUnsubscribe, prefix)
		}
	}
	return nil
}

// Close cancels the handle and unblocks any pending Receive.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

// Run owns the connection lifecycle and blocks until ctx is done or
// the handle is closed.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.Close()
	attempt := 0
	for {
		select {
		case <-s.closed:
			return ErrSubscriberClosed
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			sleepBackoff(ctx, s.cfg.Backoff, attempt)
			continue
		}

		if err := s.attach(conn); err != nil {
			_ = conn.Close()
			attempt++
			sleepBackoff(ctx, s.cfg.Backoff, attempt)
			continue
		}

		attempt = 0
		s.connected.Store(true)
		err = s.readLoop(ctx, conn)
		s.connected.Store(false)
		s.detach(conn)

		select {
		case <-s.closed:
			return ErrSubscriberClosed
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logs.Warnf("subscriber %s disconnected, err: %v", s.cfg.ID, err)
		}
		attempt++
		sleepBackoff(ctx, s.cfg.Backoff, attempt)
	}
}

func (s *Subscriber) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	return dialer.DialContext(ctx, s.cfg.Network, s.cfg.Addr)
}

// attach installs the connection and replays the prefix set.
func (s *Subscriber) attach(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	for _, prefix := range s.prefixes {
		if err := s.sendControlLocked(codec.FrameSubscribe, prefix); err != nil {
			s.conn = nil
			return err
		}
	}
	return nil
}

func (s *Subscriber) detach(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Subscriber) sendControlLocked(kind uint8, prefix string) error {
	body, err := codec.EncodeControl(nil, codec.Control{
		SubscriberID: s.cfg.ID,
		TopicPrefix:  prefix,
	})
	if err != nil {
		return err
	}
	return codec.WriteFrame(s.conn, kind, body, s.cfg.MaxFrameSize)
}

func (s *Subscriber) readLoop(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := codec.NewFrameReader(conn, s.cfg.MaxFrameSize)
	for {
		kind, body, err := reader.Next()
		if err != nil {
			return err
		}
		if kind != codec.FrameMessage {
			continue
		}
		msg, ok := codec.DecodeMessage(body)
		if !ok {
			continue
		}
		s.deliver(msg.Clone())
	}
}

// deliver offers a message without blocking the read loop; overflow
// drops the oldest pending message.
func (s *Subscriber) deliver(m schema.Message) {
	select {
	case s.inbox <- m:
		return
	default:
	}
	select {
	case <-s.inbox:
	default:
	}
	select {
	case s.inbox <- m:
	default:
	}
}
