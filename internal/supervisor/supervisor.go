package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

var (
	ErrStartupTimeout = errors.New("supervisor: startup timeout")
	ErrNoTasks        = errors.New("supervisor: no tasks configured")
)

// Config controls the monitoring loop.
type Config struct {
	// MonitorInterval paces liveness checks. Defaults to 5s.
	MonitorInterval time.Duration
	// HeartbeatStaleness marks a task failed when its last beat is
	// older than this window. Zero disables staleness checks.
	HeartbeatStaleness time.Duration
	// StartupTimeout bounds the wait for WaitReady tasks. Defaults to 30s.
	StartupTimeout time.Duration
	// GracePeriod bounds the per-task wait for voluntary exit during
	// shutdown. Defaults to 5s.
	GracePeriod time.Duration
	// OnPermanentFailure is the operator alert hook, fired once per
	// task when retries are exhausted.
	OnPermanentFailure func(name string, err error)
}

func (c Config) withDefaults() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	return c
}

// taskState is the descriptor for one supervised unit. It is owned
// exclusively by the supervisor; tasks never mutate it.
type taskState struct {
	cfg TaskConfig
	hb  *Heartbeat

	status       Status
	restarts     int
	failures     int
	currentDelay time.Duration
	restartAt    time.Time
	startedAt    time.Time
	lastErr      error
	permanent    bool

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// Supervisor starts a fixed set of tasks, monitors them independently
// and restarts failed ones with bounded backoff. A permanently failed
// task never affects its siblings.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	tasks    []*taskState
	started  bool
	stopping bool
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

// Add registers a task. All tasks must be added before Run.
func (s *Supervisor) Add(cfg TaskConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.withDefaults()
	s.tasks = append(s.tasks, &taskState{
		cfg:          cfg,
		hb:           NewHeartbeat(),
		status:       StatusStarting,
		currentDelay: cfg.InitialBackoff,
	})
}

// Run launches every task in registration order, waiting for the
// readiness of WaitReady tasks before continuing, then monitors until
// ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return ErrNoTasks
	}
	s.started = true
	tasks := s.tasks
	s.mu.Unlock()

	for _, ts := range tasks {
		s.launch(ctx, ts)
		if !ts.cfg.WaitReady {
			continue
		}
		select {
		case <-ts.hb.Ready():
			logs.Infof("task %s ready", ts.cfg.Task.Name())
		case <-time.After(s.cfg.StartupTimeout):
			s.shutdown(tasks)
			return fmt.Errorf("%w: task %s", ErrStartupTimeout, ts.cfg.Task.Name())
		case <-ctx.Done():
			s.shutdown(tasks)
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(tasks)
			return ctx.Err()
		case <-ticker.C:
			s.monitorTick(ctx, tasks)
		}
	}
}

// launch starts the task goroutine with panic containment. The task
// context is detached from the run context so shutdown can stop tasks
// one at a time, in reverse order, instead of all at once.
func (s *Supervisor) launch(ctx context.Context, ts *taskState) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	ts.cancel = cancel
	ts.done = done
	ts.status = StatusStarting
	ts.startedAt = time.Now()
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.mu.Lock()
				ts.runErr = fmt.Errorf("task crashed: %v", r)
				s.mu.Unlock()
			}
		}()
		err := ts.cfg.Task.Run(taskCtx, ts.hb)
		s.mu.Lock()
		ts.runErr = err
		s.mu.Unlock()
	}()
}

// monitorTick checks each task for exit or heartbeat staleness, marks
// failures and performs due restarts. Failure handling is strictly
// per-task.
func (s *Supervisor) monitorTick(ctx context.Context, tasks []*taskState) {
	now := time.Now()
	for _, ts := range tasks {
		s.checkTask(ctx, ts, now)
	}
}

func (s *Supervisor) checkTask(ctx context.Context, ts *taskState, now time.Time) {
	s.mu.Lock()

	switch ts.status {
	case StatusStarting, StatusRunning:
		if ts.status == StatusStarting && !ts.hb.Last().IsZero() {
			ts.status = StatusRunning
		}

		exited := false
		select {
		case <-ts.done:
			exited = true
		default:
		}

		stale := false
		if !exited && s.cfg.HeartbeatStaleness > 0 {
			last := ts.hb.Last()
			if last.IsZero() {
				// Never beaten: a task wedged before its first beat is
				// stale relative to its launch time.
				last = ts.startedAt
			}
			if now.Sub(last) > s.cfg.HeartbeatStaleness {
				stale = true
			}
		}

		if !exited && !stale {
			// A task that stayed healthy across two intervals earns a
			// clean slate for future failures.
			if ts.failures > 0 && now.Sub(ts.startedAt) >= 2*s.cfg.MonitorInterval {
				ts.failures = 0
				ts.currentDelay = ts.cfg.InitialBackoff
			}
			s.mu.Unlock()
			return
		}

		name := ts.cfg.Task.Name()
		ts.status = StatusFailed
		ts.failures++
		ts.lastErr = ts.runErr
		if stale {
			since := ts.hb.Last()
			if since.IsZero() {
				since = ts.startedAt
			}
			ts.lastErr = fmt.Errorf("heartbeat stale since %s", since.Format(time.RFC3339))
			cancel := ts.cancel
			s.mu.Unlock()
			cancel()
			s.mu.Lock()
		}

		if ts.failures >= ts.cfg.MaxRetries {
			ts.status = StatusStopped
			ts.permanent = true
			err := ts.lastErr
			hook := s.cfg.OnPermanentFailure
			s.mu.Unlock()
			logs.Errorf("task %s permanently failed after %d restarts, err: %v", name, ts.restarts, err)
			if hook != nil {
				hook(name, err)
			}
			return
		}

		ts.restartAt = now.Add(ts.currentDelay)
		delay := ts.currentDelay
		ts.currentDelay *= 2
		if ts.currentDelay > ts.cfg.MaxBackoff {
			ts.currentDelay = ts.cfg.MaxBackoff
		}
		s.mu.Unlock()
		logs.Warnf("task %s failed, restarting in %s, err: %v", name, delay, ts.lastErr)
		return

	case StatusFailed:
		if now.Before(ts.restartAt) {
			s.mu.Unlock()
			return
		}
		ts.restarts++
		ts.runErr = nil
		restarts := ts.restarts
		name := ts.cfg.Task.Name()
		s.mu.Unlock()
		logs.Infof("task %s restarting (attempt %d)", name, restarts)
		s.launch(ctx, ts)
		return

	default:
		s.mu.Unlock()
	}
}

// shutdown stops tasks in reverse startup order: workers first, the
// relay last. Tasks that outlive the grace period are abandoned; a
// goroutine cannot be force-killed, so abandonment is the force
// terminate analogue.
func (s *Supervisor) shutdown(tasks []*taskState) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	for i := len(tasks) - 1; i >= 0; i-- {
		ts := tasks[i]

		s.mu.Lock()
		cancel := ts.cancel
		done := ts.done
		stopped := ts.status == StatusStopped
		name := ts.cfg.Task.Name()
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if stopped || done == nil {
			continue
		}
		select {
		case <-done:
		case <-time.After(s.cfg.GracePeriod):
			logs.Warnf("task %s did not exit within grace period", name)
		}

		s.mu.Lock()
		ts.status = StatusStopped
		s.mu.Unlock()
	}
	logs.Info("supervisor shutdown complete")
}

// AllRunning reports whether every task is currently running. Used by
// the health endpoint.
func (s *Supervisor) AllRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || len(s.tasks) == 0 {
		return false
	}
	for _, ts := range s.tasks {
		status := ts.status
		if status == StatusStarting && !ts.hb.Last().IsZero() {
			status = StatusRunning
		}
		if status != StatusRunning {
			return false
		}
	}
	return true
}

// Snapshot captures every task's descriptor for scraping.
func (s *Supervisor) Snapshot() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(s.tasks))
	for _, ts := range s.tasks {
		status := ts.status
		if status == StatusStarting && !ts.hb.Last().IsZero() {
			status = StatusRunning
		}
		snap := TaskSnapshot{
			Name:          ts.cfg.Task.Name(),
			Status:        status.String(),
			Restarts:      ts.restarts,
			LastHeartbeat: ts.hb.Last(),
		}
		if ts.lastErr != nil {
			snap.LastError = ts.lastErr.Error()
		}
		out = append(out, snap)
	}
	return out
}
