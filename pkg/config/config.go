package config

import (
	"fmt"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultPath is the config file used when none is given on the command line.
const DefaultPath = "/etc/ezsocklb/ezsocklb.yaml"

// Store types.
const (
	StoreMemory = "memory"
	StoreBPF    = "bpf"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global   GlobalConfig    `yaml:"global"   mapstructure:"global"`
	Store    StoreConfig     `yaml:"store"    mapstructure:"store"`
	Hairpin  HairpinConfig   `yaml:"hairpin"  mapstructure:"hairpin"`
	Hook     HookConfig      `yaml:"hook"     mapstructure:"hook"`
	IPVS     IPVSConfig      `yaml:"ipvs"     mapstructure:"ipvs"`
	Services []ServiceConfig `yaml:"services" mapstructure:"services"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"      mapstructure:"log_level"`
	MetricsListen string `yaml:"metrics_listen" mapstructure:"metrics_listen"`
}

// StoreConfig selects where the service and backend tables live.
type StoreConfig struct {
	Type       string `yaml:"type"        mapstructure:"type"`
	PinPath    string `yaml:"pin_path"    mapstructure:"pin_path"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// HairpinConfig controls the local socket lookup that keeps connections to
// co-located backends untranslated.
type HairpinConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Netns   string `yaml:"netns"   mapstructure:"netns"`
	Refresh string `yaml:"refresh" mapstructure:"refresh"`
}

// GetRefresh parses and returns the socket snapshot refresh interval.
// Defaults to 1s if not set or invalid.
func (h HairpinConfig) GetRefresh() time.Duration {
	if h.Refresh == "" {
		return time.Second
	}
	duration, err := time.ParseDuration(h.Refresh)
	if err != nil || duration <= 0 {
		return time.Second
	}
	return duration
}

// HookConfig names the kernel connect hook object to attach. An empty
// object leaves the tables to userspace consumers.
type HookConfig struct {
	Object     string `yaml:"object"      mapstructure:"object"`
	CgroupPath string `yaml:"cgroup_path" mapstructure:"cgroup_path"`
}

// IPVSConfig controls importing virtual services from the kernel IPVS table.
type IPVSConfig struct {
	Import bool `yaml:"import" mapstructure:"import"`
}

// ServiceConfig defines a virtual service and its backends.
type ServiceConfig struct {
	Name     string          `yaml:"name"     mapstructure:"name"`
	Listen   string          `yaml:"listen"   mapstructure:"listen"`
	Protocol string          `yaml:"protocol" mapstructure:"protocol"`
	Backends []BackendConfig `yaml:"backends" mapstructure:"backends"`
}

// BackendConfig defines a real server. ID pins the backend table id; zero
// lets the control plane allocate one.
type BackendConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	ID      uint32 `yaml:"id"      mapstructure:"id"`
}

// validProtocols is the set of supported protocols.
var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

var validStoreTypes = map[string]bool{
	StoreMemory: true,
	StoreBPF:    true,
}

// ParseAddress parses an IPv4 ip:port with a specified address and a
// non-zero port.
func ParseAddress(s string) (lbmap.IPv4, uint16, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return lbmap.IPv4{}, 0, err
	}
	ip, err := lbmap.IPv4From(ap.Addr())
	if err != nil {
		return lbmap.IPv4{}, 0, err
	}
	if ip.IsUnspecified() {
		return lbmap.IPv4{}, 0, fmt.Errorf("address must not be 0.0.0.0")
	}
	if ap.Port() == 0 {
		return lbmap.IPv4{}, 0, fmt.Errorf("port must be a positive number")
	}
	return ip, ap.Port(), nil
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("store.type", StoreMemory)
	viperInstance.SetDefault("store.pin_path", "/sys/fs/bpf/ezsocklb")
	viperInstance.SetDefault("store.max_entries", lbmap.DefaultMaxEntries)
	viperInstance.SetDefault("hairpin.enabled", true)
	viperInstance.SetDefault("hairpin.refresh", "1s")
	viperInstance.SetDefault("hook.cgroup_path", "/sys/fs/cgroup/user.slice")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if len(cfg.Services) == 0 && !cfg.IPVS.Import {
		return fmt.Errorf("at least one service must be defined")
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = StoreMemory
	}
	if !validStoreTypes[cfg.Store.Type] {
		return fmt.Errorf("unsupported store.type %q (supported: memory, bpf)", cfg.Store.Type)
	}
	if cfg.Store.MaxEntries < 0 {
		return fmt.Errorf("store.max_entries must not be negative")
	}
	if cfg.Store.Type == StoreBPF && cfg.Store.PinPath == "" {
		return fmt.Errorf("store.pin_path is required for the bpf store")
	}
	if cfg.Hook.Object != "" && cfg.Store.Type != StoreBPF {
		return fmt.Errorf("hook.object requires store.type %q", StoreBPF)
	}
	if cfg.Hairpin.Refresh != "" {
		if _, err := time.ParseDuration(cfg.Hairpin.Refresh); err != nil {
			return fmt.Errorf("invalid hairpin.refresh %q: %w", cfg.Hairpin.Refresh, err)
		}
	}

	nameSet := make(map[string]bool)
	listenSet := make(map[string]bool)
	// An explicit id names exactly one backend address and protocol.
	idOwners := make(map[uint32]string)
	ownerIDs := make(map[string]uint32)

	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if nameSet[svc.Name] {
			return fmt.Errorf("service[%d]: duplicate service name %q", i, svc.Name)
		}
		nameSet[svc.Name] = true

		// Validate listen address
		if _, _, err := ParseAddress(svc.Listen); err != nil {
			return fmt.Errorf("service %q: invalid listen address %q: %w", svc.Name, svc.Listen, err)
		}

		// Validate protocol (default to tcp)
		protocol := svc.Protocol
		if protocol == "" {
			cfg.Services[i].Protocol = "tcp"
			protocol = "tcp"
		}
		if !validProtocols[protocol] {
			return fmt.Errorf("service %q: unsupported protocol %q (supported: tcp, udp)", svc.Name, protocol)
		}

		// The service table is keyed by address and port only, so one
		// listen address cannot carry both protocols.
		if listenSet[svc.Listen] {
			return fmt.Errorf("service %q: duplicate listen address %q", svc.Name, svc.Listen)
		}
		listenSet[svc.Listen] = true

		// Validate backends
		if len(svc.Backends) == 0 {
			return fmt.Errorf("service %q: at least one backend is required", svc.Name)
		}
		if len(svc.Backends) > math.MaxUint16 {
			return fmt.Errorf("service %q: too many backends (%d, max %d)", svc.Name, len(svc.Backends), math.MaxUint16)
		}

		backendSet := make(map[string]bool)
		for j, backend := range svc.Backends {
			if backend.Address == "" {
				return fmt.Errorf("service %q: backend[%d]: address is required", svc.Name, j)
			}
			if _, _, err := ParseAddress(backend.Address); err != nil {
				return fmt.Errorf("service %q: backend[%d]: invalid address %q: %w", svc.Name, j, backend.Address, err)
			}
			if backendSet[backend.Address] {
				return fmt.Errorf("service %q: backend[%d]: duplicate address %q", svc.Name, j, backend.Address)
			}
			backendSet[backend.Address] = true

			if backend.ID != 0 {
				owner := backend.Address + "/" + protocol
				if prev, ok := idOwners[backend.ID]; ok && prev != owner {
					return fmt.Errorf("service %q: backend[%d]: id %d already used by %s", svc.Name, j, backend.ID, prev)
				}
				if prev, ok := ownerIDs[owner]; ok && prev != backend.ID {
					return fmt.Errorf("service %q: backend[%d]: %s already has id %d", svc.Name, j, owner, prev)
				}
				idOwners[backend.ID] = owner
				ownerIDs[owner] = backend.ID
			}
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
