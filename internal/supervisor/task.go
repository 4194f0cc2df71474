package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle position of a supervised task.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusFailed
	StatusStopped
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Task is the minimal capability every supervised unit implements.
// The supervisor never inspects what a task does; it only observes
// liveness through exits and heartbeats.
type Task interface {
	Name() string
	// Run blocks until ctx is done or the task fails. Tasks beat hb
	// periodically; the first beat doubles as the readiness marker.
	Run(ctx context.Context, hb *Heartbeat) error
}

// Heartbeat records task liveness.
type Heartbeat struct {
	last  atomic.Int64 // unix nanoseconds
	ready chan struct{}
	once  sync.Once
}

// NewHeartbeat creates an unbeaten heartbeat.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{ready: make(chan struct{})}
}

// Beat records liveness now.
func (h *Heartbeat) Beat() {
	if h == nil {
		return
	}
	h.last.Store(time.Now().UnixNano())
	h.once.Do(func() { close(h.ready) })
}

// Last returns the most recent beat time, zero if never beaten.
func (h *Heartbeat) Last() time.Time {
	if h == nil {
		return time.Time{}
	}
	nanos := h.last.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Ready is closed on the first beat.
func (h *Heartbeat) Ready() <-chan struct{} {
	return h.ready
}

// TaskFunc adapts a bare function into a Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context, hb *Heartbeat) error
}

// Name implements Task.
func (t TaskFunc) Name() string { return t.TaskName }

// Run implements Task.
func (t TaskFunc) Run(ctx context.Context, hb *Heartbeat) error { return t.Fn(ctx, hb) }

// TaskConfig describes one supervised unit.
type TaskConfig struct {
	Task Task
	// WaitReady blocks overall startup until this task's first
	// heartbeat (used for the relay, which workers depend on).
	WaitReady bool
	// MaxRetries bounds restart attempts before the task is
	// permanently stopped. Defaults to 3.
	MaxRetries int
	// InitialBackoff is the first restart delay. Defaults to 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling restart delay. Defaults to 30s.
	MaxBackoff time.Duration
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// TaskSnapshot is a point-in-time view of one task for scraping.
type TaskSnapshot struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Restarts      int       `json:"restarts"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	LastError     string    `json:"lastError,omitempty"`
}
