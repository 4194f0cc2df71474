package obs

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/supervisor"
)

// ServerConfig wires the ops HTTP surface to the live components.
type ServerConfig struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string

	Metrics    *Metrics
	Supervisor *supervisor.Supervisor
	Breakers   *breaker.Registry
	RelayStats *relay.Stats
}

// Server exposes /health, /metrics and /api/status. It observes the
// control plane and never mutates it.
type Server struct {
	cfg    ServerConfig
	engine *gin.Engine
}

// NewServer builds the ops router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, engine: engine}
	engine.GET("/health", s.handleHealth)
	engine.GET("/api/status", s.handleStatus)
	if cfg.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			cfg.Metrics.Registry(),
			promhttp.HandlerOpts{},
		)))
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logs.Infof("ops server listening on %s", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	var tasks []supervisor.TaskSnapshot
	healthy := false
	if s.cfg.Supervisor != nil {
		healthy = s.cfg.Supervisor.AllRunning()
		tasks = s.cfg.Supervisor.Snapshot()
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"tasks":  tasks,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{}
	if s.cfg.Supervisor != nil {
		resp["tasks"] = s.cfg.Supervisor.Snapshot()
	}
	if s.cfg.Breakers != nil {
		resp["breakers"] = s.cfg.Breakers.Snapshot()
	}
	if s.cfg.RelayStats != nil {
		resp["relay"] = s.cfg.RelayStats.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// ExporterInterval paces the gauge refresh task.
const ExporterInterval = 5 * time.Second

// NewExporterTask returns a supervised task that periodically copies
// breaker, task and relay snapshots into the prometheus gauges.
func NewExporterTask(cfg ServerConfig) supervisor.TaskFunc {
	return supervisor.TaskFunc{
		TaskName: "metrics-exporter",
		Fn: func(ctx context.Context, hb *supervisor.Heartbeat) error {
			ticker := time.NewTicker(ExporterInterval)
			defer ticker.Stop()
			hb.Beat()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if cfg.Breakers != nil {
						cfg.Metrics.RefreshBreakers(cfg.Breakers.Snapshot())
					}
					if cfg.Supervisor != nil {
						cfg.Metrics.RefreshTasks(cfg.Supervisor.Snapshot())
					}
					if cfg.RelayStats != nil {
						cfg.Metrics.RefreshRelay(cfg.RelayStats.Snapshot())
					}
					hb.Beat()
				}
			}
		},
	}
}
