package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

var (
	ErrNilServer      = errors.New("relay: nil server")
	ErrAlreadyRunning = errors.New("relay: already running")
)

// Config defines the relay server runtime configuration.
type Config struct {
	// Network is "tcp" or "unix".
	Network string
	// IngressAddr is the publisher-facing listen address.
	IngressAddr string
	// EgressAddr is the subscriber-facing listen address.
	EgressAddr string
	// QueueSize bounds each subscriber's outbound queue.
	QueueSize int
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize int
	// Stats receives counters when non-nil.
	Stats *Stats
}

func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.IngressAddr == "" {
		c.IngressAddr = ":5555"
	}
	if c.EgressAddr == "" {
		c.EgressAddr = ":5556"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	return c
}

// Server is the dumb-pipe forwarder between publisher ingress and
// subscriber egress. It never parses payloads and never buffers beyond
// each subscriber's in-flight queue.
type Server struct {
	cfg   Config
	stats *Stats

	running atomic.Bool

	mu      sync.RWMutex
	ready   chan struct{}
	ingress net.Listener
	egress  net.Listener
	subs    map[uint64]*egressConn
	nextID  uint64
}

// NewServer creates a relay server.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:   cfg,
		stats: cfg.Stats,
		ready: make(chan struct{}),
		subs:  make(map[uint64]*egressConn),
	}
}

// Ready returns a channel closed once both listeners are bound. Each
// Run arms a fresh channel, so a restarted server signals readiness
// again.
func (s *Server) Ready() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// IngressAddr returns the bound ingress address, or "" before Run.
func (s *Server) IngressAddr() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ingress == nil {
		return ""
	}
	return s.ingress.Addr().String()
}

// EgressAddr returns the bound egress address, or "" before Run.
func (s *Server) EgressAddr() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.egress == nil {
		return ""
	}
	return s.egress.Addr().String()
}

// Stats returns the relay counters, which may be nil.
func (s *Server) Stats() *Stats {
	if s == nil {
		return nil
	}
	return s.stats
}

// Run binds both listeners and forwards until ctx is done. It may be
// called again after it returns; a supervisor restart reuses the same
// server.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return ErrNilServer
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ingress, err := net.Listen(s.cfg.Network, s.cfg.IngressAddr)
	if err != nil {
		return err
	}
	egress, err := net.Listen(s.cfg.Network, s.cfg.EgressAddr)
	if err != nil {
		_ = ingress.Close()
		return err
	}
	s.mu.Lock()
	s.ingress = ingress
	s.egress = egress
	ready := s.ready
	s.mu.Unlock()
	close(ready)
	logs.Infof("relay listening: ingress=%s egress=%s", ingress.Addr(), egress.Addr())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, ingress, s.serveIngress)
	}()
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, egress, s.serveEgress)
	}()

	<-ctx.Done()
	_ = ingress.Close()
	_ = egress.Close()
	s.closeSubscribers()
	wg.Wait()

	// Arm readiness for the next Run.
	s.mu.Lock()
	s.ready = make(chan struct{})
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, serve func(context.Context, net.Conn)) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, conn)
		}()
	}
}

// serveIngress reads framed messages from one publisher and routes
// them. Routing is sequential per connection, which preserves publish
// order toward every matching subscriber while the connection lives.
func (s *Server) serveIngress(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := codec.NewFrameReader(conn, s.cfg.MaxFrameSize)
	for {
		kind, body, err := reader.Next()
		if err != nil {
			return
		}
		if kind != codec.FrameMessage {
			continue
		}
		msg, ok := codec.DecodeMessage(body)
		if !ok || !schema.ValidTopic(msg.Topic) {
			continue
		}
		s.stats.IncPublished()
		s.route(msg.Topic, body)
	}
}

// route copies the frame body once and fans it out to every subscriber
// whose prefix set matches. Zero matches is the normal silent case.
func (s *Server) route(topic string, body []byte) {
	var shared []byte

	s.mu.RLock()
	for _, sub := range s.subs {
		if !sub.matches(topic) {
			continue
		}
		if shared == nil {
			shared = make([]byte, len(body))
			copy(shared, body)
		}
		queued, dropped := sub.enqueue(shared)
		if queued {
			s.stats.IncForwarded()
		}
		if dropped {
			s.stats.IncDropped()
		}
	}
	s.mu.RUnlock()
}

// serveEgress handles one subscriber: a reader goroutine applies
// subscribe/unsubscribe control frames while the writer drains the
// outbound queue.
func (s *Server) serveEgress(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := newEgressConn(s.cfg.QueueSize)
	id := s.addSubscriber(sub)
	s.stats.AddSubscribers(1)
	defer func() {
		s.removeSubscriber(id)
		s.stats.AddSubscribers(-1)
		sub.close()
	}()

	go func() {
		defer sub.close()
		reader := codec.NewFrameReader(conn, s.cfg.MaxFrameSize)
		for {
			kind, body, err := reader.Next()
			if err != nil {
				return
			}
			ctrl, ok := codec.DecodeControl(body)
			if !ok {
				continue
			}
			switch kind {
			case codec.FrameSubscribe:
				sub.addPrefix(ctrl.TopicPrefix)
			case codec.FrameUnsubscribe:
				sub.removePrefix(ctrl.TopicPrefix)
			}
		}
	}()

	for {
		body, ok := sub.next()
		if !ok {
			return
		}
		if err := codec.WriteFrame(conn, codec.FrameMessage, body, s.cfg.MaxFrameSize); err != nil {
			return
		}
	}
}

func (s *Server) addSubscriber(sub *egressConn) uint64 {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.mu.Unlock()
	return id
}

func (s *Server) removeSubscriber(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Server) closeSubscribers() {
	s.mu.Lock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.close()
	}
	s.mu.Unlock()
}

// egressConn is the server-side state for one subscriber connection.
type egressConn struct {
	mu       sync.RWMutex
	prefixes []string
	closed   bool

	queue chan []byte
}

func newEgressConn(queueSize int) *egressConn {
	return &egressConn{
		queue: make(chan []byte, queueSize),
	}
}

func (c *egressConn) addPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.prefixes {
		if p == prefix {
			return
		}
	}
	c.prefixes = append(c.prefixes, prefix)
}

func (c *egressConn) removePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.prefixes {
		if p == prefix {
			c.prefixes = append(c.prefixes[:i], c.prefixes[i+1:]...)
			return
		}
	}
}

// matches reports whether any registered prefix matches topic.
// A subscriber with no prefixes receives nothing.
func (c *egressConn) matches(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.prefixes {
		if schema.MatchesPrefix(topic, p) {
			return true
		}
	}
	return false
}

// enqueue offers a frame body without blocking; overflow drops the
// oldest queued frame so the newest data wins. It reports whether the
// frame was queued and whether a queued frame was dropped.
func (c *egressConn) enqueue(body []byte) (queued, dropped bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, false
	}
	select {
	case c.queue <- body:
		return true, false
	default:
	}
	select {
	case <-c.queue:
		dropped = true
	default:
	}
	select {
	case c.queue <- body:
		return true, dropped
	default:
		return false, true
	}
}

func (c *egressConn) next() ([]byte, bool) {
	body, ok := <-c.queue
	return body, ok
}

func (c *egressConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}
