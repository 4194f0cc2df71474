package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/supervisor"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Relay      RelayConfig      `json:"relay"`
	Breakers   BreakersConfig   `json:"breakers"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Workers    WorkersConfig    `json:"workers"`
	Ops        OpsConfig        `json:"ops"`
	Bridge     BridgeConfig     `json:"bridge"`
}

// RelayConfig describes the relay listeners.
type RelayConfig struct {
	Network     string `json:"network"`
	IngressAddr string `json:"ingressAddr"`
	EgressAddr  string `json:"egressAddr"`
	QueueSize   int    `json:"queueSize"`
}

// BreakerConfig describes one breaker policy.
type BreakerConfig struct {
	FailureThreshold       int `json:"failureThreshold"`
	RecoveryTimeoutSeconds int `json:"recoveryTimeoutSeconds"`
}

// BreakersConfig holds the default policy plus per-resource overrides.
type BreakersConfig struct {
	Default   BreakerConfig            `json:"default"`
	Resources map[string]BreakerConfig `json:"resources"`
}

// SupervisorConfig describes the monitoring loop.
type SupervisorConfig struct {
	MonitorIntervalSeconds    int `json:"monitorIntervalSeconds"`
	HeartbeatStalenessSeconds int `json:"heartbeatStalenessSeconds"`
	StartupTimeoutSeconds     int `json:"startupTimeoutSeconds"`
	GracePeriodSeconds        int `json:"gracePeriodSeconds"`
	MaxRetries                int `json:"maxRetries"`
	InitialBackoffSeconds     int `json:"initialBackoffSeconds"`
	MaxBackoffSeconds         int `json:"maxBackoffSeconds"`
}

// WorkersConfig describes the strategy/execution/arbitrage workers.
type WorkersConfig struct {
	Symbols               []string `json:"symbols"`
	SignalIntervalMillis  int      `json:"signalIntervalMillis"`
	AdvisorIntervalMillis int      `json:"advisorIntervalMillis"`
}

// OpsConfig describes the ops HTTP surface.
type OpsConfig struct {
	ListenAddr string `json:"listenAddr"`
}

// BridgeConfig describes the UI websocket bridge.
type BridgeConfig struct {
	ListenAddr string   `json:"listenAddr"`
	Prefixes   []string `json:"prefixes"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Relay      relay.Config
	Breakers   breaker.RegistryConfig
	Supervisor supervisor.Config
	Task       supervisor.TaskConfig
	Workers    WorkersSpec
	OpsAddr    string
	Bridge     BridgeSpec
}

// WorkersSpec is the resolved worker definition.
type WorkersSpec struct {
	Symbols         []string
	SignalInterval  time.Duration
	AdvisorInterval time.Duration
}

// BridgeSpec is the resolved bridge definition.
type BridgeSpec struct {
	ListenAddr string
	Prefixes   []string
}

// Load reads a JSON config file and resolves every section.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a parsed config and applies defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	relayCfg, err := resolveRelay(cfg.Relay)
	if err != nil {
		return Loaded{}, err
	}
	breakersCfg, err := resolveBreakers(cfg.Breakers)
	if err != nil {
		return Loaded{}, err
	}
	supCfg, taskCfg, err := resolveSupervisor(cfg.Supervisor)
	if err != nil {
		return Loaded{}, err
	}
	workers, err := resolveWorkers(cfg.Workers)
	if err != nil {
		return Loaded{}, err
	}

	opsAddr := cfg.Ops.ListenAddr
	if opsAddr == "" {
		opsAddr = ":8080"
	}
	bridgeAddr := cfg.Bridge.ListenAddr
	if bridgeAddr == "" {
		bridgeAddr = ":8081"
	}

	return Loaded{
		Relay:      relayCfg,
		Breakers:   breakersCfg,
		Supervisor: supCfg,
		Task:       taskCfg,
		Workers:    workers,
		OpsAddr:    opsAddr,
		Bridge: BridgeSpec{
			ListenAddr: bridgeAddr,
			Prefixes:   cfg.Bridge.Prefixes,
		},
	}, nil
}

func resolveRelay(cfg RelayConfig) (relay.Config, error) {
	switch cfg.Network {
	case "", "tcp", "unix":
	default:
		return relay.Config{}, fmt.Errorf("relay network must be tcp or unix, got %q", cfg.Network)
	}
	if cfg.QueueSize < 0 {
		return relay.Config{}, fmt.Errorf("relay queueSize must be >= 0")
	}
	return relay.Config{
		Network:     cfg.Network,
		IngressAddr: cfg.IngressAddr,
		EgressAddr:  cfg.EgressAddr,
		QueueSize:   cfg.QueueSize,
	}, nil
}

func resolveBreakers(cfg BreakersConfig) (breaker.RegistryConfig, error) {
	def, err := resolveBreaker("default", cfg.Default)
	if err != nil {
		return breaker.RegistryConfig{}, err
	}
	out := breaker.RegistryConfig{Default: def}
	if len(cfg.Resources) > 0 {
		out.Resources = make(map[string]breaker.Config, len(cfg.Resources))
		for key, bc := range cfg.Resources {
			resolved, err := resolveBreaker(key, bc)
			if err != nil {
				return breaker.RegistryConfig{}, err
			}
			out.Resources[key] = resolved
		}
	}
	return out, nil
}

func resolveBreaker(key string, cfg BreakerConfig) (breaker.Config, error) {
	if cfg.FailureThreshold < 0 {
		return breaker.Config{}, fmt.Errorf("breaker %s: failureThreshold must be >= 0", key)
	}
	if cfg.RecoveryTimeoutSeconds < 0 {
		return breaker.Config{}, fmt.Errorf("breaker %s: recoveryTimeoutSeconds must be >= 0", key)
	}
	return breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.RecoveryTimeoutSeconds) * time.Second,
	}, nil
}

func resolveSupervisor(cfg SupervisorConfig) (supervisor.Config, supervisor.TaskConfig, error) {
	for name, v := range map[string]int{
		"monitorIntervalSeconds":    cfg.MonitorIntervalSeconds,
		"heartbeatStalenessSeconds": cfg.HeartbeatStalenessSeconds,
		"startupTimeoutSeconds":     cfg.StartupTimeoutSeconds,
		"gracePeriodSeconds":        cfg.GracePeriodSeconds,
		"maxRetries":                cfg.MaxRetries,
		"initialBackoffSeconds":     cfg.InitialBackoffSeconds,
		"maxBackoffSeconds":         cfg.MaxBackoffSeconds,
	} {
		if v < 0 {
			return supervisor.Config{}, supervisor.TaskConfig{}, fmt.Errorf("supervisor %s must be >= 0", name)
		}
	}
	sup := supervisor.Config{
		MonitorInterval:    time.Duration(cfg.MonitorIntervalSeconds) * time.Second,
		HeartbeatStaleness: time.Duration(cfg.HeartbeatStalenessSeconds) * time.Second,
		StartupTimeout:     time.Duration(cfg.StartupTimeoutSeconds) * time.Second,
		GracePeriod:        time.Duration(cfg.GracePeriodSeconds) * time.Second,
	}
	task := supervisor.TaskConfig{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: time.Duration(cfg.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.MaxBackoffSeconds) * time.Second,
	}
	return sup, task, nil
}

func resolveWorkers(cfg WorkersConfig) (WorkersSpec, error) {
	if cfg.SignalIntervalMillis < 0 || cfg.AdvisorIntervalMillis < 0 {
		return WorkersSpec{}, fmt.Errorf("worker intervals must be >= 0")
	}
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	for _, sym := range symbols {
		if sym == "" {
			return WorkersSpec{}, fmt.Errorf("worker symbol is empty")
		}
	}
	spec := WorkersSpec{
		Symbols:         symbols,
		SignalInterval:  time.Duration(cfg.SignalIntervalMillis) * time.Millisecond,
		AdvisorInterval: time.Duration(cfg.AdvisorIntervalMillis) * time.Millisecond,
	}
	if spec.SignalInterval <= 0 {
		spec.SignalInterval = time.Second
	}
	if spec.AdvisorInterval <= 0 {
		spec.AdvisorInterval = 5 * time.Second
	}
	return spec, nil
}
