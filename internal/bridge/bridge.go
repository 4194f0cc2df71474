package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/relay"
	"main/internal/schema"
	"main/internal/supervisor"
)

// Config wires the bridge to the relay.
type Config struct {
	// Addr is the websocket listen address. Defaults to ":8081".
	Addr string
	// Subscriber feeds the broadcast loop.
	Subscriber *relay.Subscriber
	// ClientQueueSize bounds each client's outbound queue. Defaults
	// to 256.
	ClientQueueSize int
	// WriteTimeout bounds a single client write. Defaults to 5s.
	WriteTimeout time.Duration
}

// Envelope is the JSON frame sent to UI clients.
type Envelope struct {
	Topic       string          `json:"topic"`
	PublisherID string          `json:"publisherId"`
	PublishedAt int64           `json:"publishedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Bridge fans relay messages out to websocket UI clients. Clients are
// best-effort observers: a slow client loses messages, never stalls
// the loop, and is disconnected when persistently behind.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  uint64
}

type client struct {
	id    uint64
	conn  *websocket.Conn
	queue chan []byte
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.queue)
	})
}

// New creates the bridge.
func New(cfg Config) *Bridge {
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Name implements supervisor.Task.
func (b *Bridge) Name() string { return "ui-bridge" }

// ClientCount returns the number of connected UI clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Run implements supervisor.Task. It serves the websocket endpoint and
// pumps relay messages to every connected client until ctx is done.
func (b *Bridge) Run(ctx context.Context, hb *supervisor.Heartbeat) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", func(c *gin.Context) {
		b.handleClient(ctx, c.Writer, c.Request)
	})

	srv := &http.Server{Addr: b.cfg.Addr, Handler: engine}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	logs.Infof("ui bridge listening on %s", b.cfg.Addr)
	hb.Beat()

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- b.pump(ctx, hb)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-serveErr:
	case err = <-pumpErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	b.closeClients()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// pump forwards relay messages to all clients.
func (b *Bridge) pump(ctx context.Context, hb *supervisor.Heartbeat) error {
	for {
		msg, err := b.cfg.Subscriber.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		frame, err := encodeEnvelope(msg)
		if err != nil {
			logs.Warnf("bridge encode %s, err: %+v", msg.Topic, err)
			continue
		}
		b.broadcast(frame)
		hb.Beat()
	}
}

func encodeEnvelope(msg schema.Message) ([]byte, error) {
	payload := msg.Payload
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		payload = quoted
	}
	return json.Marshal(Envelope{
		Topic:       msg.Topic,
		PublisherID: msg.PublisherID,
		PublishedAt: msg.PublishedAt,
		Payload:     payload,
	})
}

// broadcast offers the frame to every client without blocking; a
// client with a full queue misses this frame.
func (b *Bridge) broadcast(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.queue <- frame:
		default:
		}
	}
}

func (b *Bridge) handleClient(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("bridge upgrade, err: %+v", err)
		return
	}

	c := &client{
		conn:  conn,
		queue: make(chan []byte, b.cfg.ClientQueueSize),
	}
	b.mu.Lock()
	b.nextID++
	c.id = b.nextID
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	logs.Infof("ui client %d connected", c.id)

	defer func() {
		b.dropClient(c)
		_ = conn.Close()
		logs.Infof("ui client %d disconnected", c.id)
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Inbound frames are ignored; reading only detects disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				b.dropClient(c)
				return
			}
		}
	}()

	for frame := range c.queue {
		_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// dropClient removes c from the broadcast set before closing its
// queue, so broadcast never sends on a closed channel.
func (b *Bridge) dropClient(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
}

func (b *Bridge) closeClients() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		delete(b.clients, c)
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.close()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}
