package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/breaker"
	"main/internal/bridge"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/relay"
	"main/internal/schema"
	"main/internal/supervisor"
	"main/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	profileAddr := flag.String("profile-addr", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trading-platform",
			ServerAddress:   *profileAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loaded); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("platform failed: %v", err)
	}
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Resolve(ops.FileConfig{})
	}
	return ops.Load(path)
}

func run(ctx context.Context, loaded ops.Loaded) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()

	metrics := obs.NewMetrics()
	loaded.Breakers.Default.OnStateChange = func(key string, from, to breaker.State) {
		logs.Warnf("breaker %s: %s -> %s", key, from, to)
		metrics.ObserveTransition(key, from, to)
	}
	breakers := breaker.NewRegistry(loaded.Breakers)

	stats := &relay.Stats{}
	relayCfg := loaded.Relay
	relayCfg.Stats = stats
	server := relay.NewServer(relayCfg)

	network := relayCfg.Network
	if network == "" {
		network = "tcp"
	}
	ingress := dialAddr(network, relayCfg.IngressAddr, ":5555")
	egress := dialAddr(network, relayCfg.EgressAddr, ":5556")

	strategyPub := relay.NewPublisher(relay.PublisherConfig{
		Network: network, Addr: ingress, ID: "strategy-worker",
	})
	executionPub := relay.NewPublisher(relay.PublisherConfig{
		Network: network, Addr: ingress, ID: "execution-worker",
	})
	arbitragePub := relay.NewPublisher(relay.PublisherConfig{
		Network: network, Addr: ingress, ID: "arbitrage-worker",
	})
	executionSub := relay.NewSubscriber(relay.SubscriberConfig{
		Network: network, Addr: egress, ID: "execution-worker",
		Prefixes: []string{schema.TopicStrategySignal},
	})
	arbitrageSub := relay.NewSubscriber(relay.SubscriberConfig{
		Network: network, Addr: egress, ID: "arbitrage-worker",
		Prefixes: []string{schema.TopicStrategySignal},
	})
	bridgePrefixes := loaded.Bridge.Prefixes
	if len(bridgePrefixes) == 0 {
		bridgePrefixes = []string{
			schema.TopicStrategySignal,
			schema.TopicExecutionOrder,
			schema.TopicArbOpportunity,
		}
	}
	bridgeSub := relay.NewSubscriber(relay.SubscriberConfig{
		Network: network, Addr: egress, ID: "ui-bridge",
		Prefixes: bridgePrefixes,
	})

	clients := []interface {
		Run(ctx context.Context) error
	}{strategyPub, executionPub, arbitragePub, executionSub, arbitrageSub, bridgeSub}
	for _, c := range clients {
		go func() {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				logs.Errorf("relay client stopped, err: %+v", err)
			}
		}()
	}

	strategy := worker.NewStrategy(worker.StrategyConfig{
		Feed:      worker.NewSimFeed(time.Now().UnixNano()),
		Publisher: strategyPub,
		Breakers:  breakers,
		Symbols:   loaded.Workers.Symbols,
		Interval:  loaded.Workers.SignalInterval,
	})
	execution := worker.NewExecution(worker.ExecutionConfig{
		Subscriber: executionSub,
		Broker:     worker.SimBroker{},
		Publisher:  executionPub,
		Breakers:   breakers,
	})
	arbitrage := worker.NewArbitrage(worker.ArbitrageConfig{
		Subscriber: arbitrageSub,
		Advisor:    worker.SimAdvisor{},
		Publisher:  arbitragePub,
		Breakers:   breakers,
		Interval:   loaded.Workers.AdvisorInterval,
	})
	uiBridge := bridge.New(bridge.Config{
		Addr:       loaded.Bridge.ListenAddr,
		Subscriber: bridgeSub,
	})

	sup := supervisor.New(withAlert(loaded.Supervisor))
	opsCfg := obs.ServerConfig{
		Addr:       loaded.OpsAddr,
		Metrics:    metrics,
		Supervisor: sup,
		Breakers:   breakers,
		RelayStats: stats,
	}
	opsServer := obs.NewServer(opsCfg)

	addTask := func(t supervisor.Task, waitReady bool) {
		tc := loaded.Task
		tc.Task = t
		tc.WaitReady = waitReady
		sup.Add(tc)
	}
	addTask(relayTask(server), true)
	addTask(strategy, false)
	addTask(execution, false)
	addTask(arbitrage, false)
	addTask(uiBridge, false)
	addTask(serviceTask("ops-server", opsServer.Run), false)
	addTask(obs.NewExporterTask(opsCfg), false)

	return sup.Run(ctx)
}

func withAlert(cfg supervisor.Config) supervisor.Config {
	cfg.OnPermanentFailure = func(name string, err error) {
		logs.Errorf("ALERT: component %s is down permanently, err: %+v", name, err)
	}
	return cfg
}

// dialAddr turns a listen address into a loopback dial address.
func dialAddr(network, addr, fallback string) string {
	if addr == "" {
		addr = fallback
	}
	if network == "tcp" && strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

// relayTask wraps the relay server so the supervisor sees a ready
// signal once both listeners are bound.
func relayTask(server *relay.Server) supervisor.TaskFunc {
	return supervisor.TaskFunc{
		TaskName: "relay",
		Fn: func(ctx context.Context, hb *supervisor.Heartbeat) error {
			errCh := make(chan error, 1)
			go func() { errCh <- server.Run(ctx) }()
			select {
			case <-server.Ready():
				hb.Beat()
			case err := <-errCh:
				return err
			}
			return beatUntilDone(ctx, hb, errCh)
		},
	}
}

// serviceTask adapts a blocking run function into a supervised task
// with synthetic heartbeats.
func serviceTask(name string, run func(ctx context.Context) error) supervisor.TaskFunc {
	return supervisor.TaskFunc{
		TaskName: name,
		Fn: func(ctx context.Context, hb *supervisor.Heartbeat) error {
			errCh := make(chan error, 1)
			go func() { errCh <- run(ctx) }()
			hb.Beat()
			return beatUntilDone(ctx, hb, errCh)
		},
	}
}

func beatUntilDone(ctx context.Context, hb *supervisor.Heartbeat, errCh <-chan error) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return <-errCh
		case <-ticker.C:
			hb.Beat()
		}
	}
}
