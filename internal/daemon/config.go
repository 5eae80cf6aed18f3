// Package daemon manages the PeerLink daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/peerlink-network/peerlink/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	API        APIConfig        `toml:"api"`
	Transports TransportsConfig `toml:"transports"`
	Peers      PeersConfig      `toml:"peers"`
	Messaging  MessagingConfig  `toml:"messaging"`
	Groups     GroupsConfig     `toml:"groups"`
	Redis      RedisConfig      `toml:"redis"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Logging    LoggingConfig    `toml:"logging"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	DisplayName string `toml:"display_name"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	CORSOrigin string `toml:"cors_origin"`
}

// TransportsConfig selects and configures transports.
type TransportsConfig struct {
	Enabled     []string `toml:"enabled"`
	Priority    []string `toml:"priority"`
	InitTimeout string   `toml:"init_timeout"`

	Web    RelayConfig  `toml:"web"`
	Memory MemoryConfig `toml:"memory"`

	// Options are passed verbatim to transports without a typed section.
	Options map[string]map[string]any `toml:"options"`
}

// RelayConfig configures the web relay transport and the local hub.
// An empty URL with ServeHub set dials this daemon's own /relay.
type RelayConfig struct {
	URL         string `toml:"url"`
	Address     string `toml:"address"`
	DisplayName string `toml:"display_name"`
	AckTimeout  string `toml:"ack_timeout"`
	ServeHub    bool   `toml:"serve_hub"`
}

// MemoryConfig configures the in-process loopback transport.
type MemoryConfig struct {
	Address string `toml:"address"`
}

// PeersConfig tunes the peer directory.
type PeersConfig struct {
	CacheSize        int `toml:"cache_size"`
	TransferPageSize int `toml:"transfer_page_size"`
}

// MessagingConfig tunes history paging.
type MessagingConfig struct {
	DefaultPageSize int `toml:"default_page_size"`
	MaxPageSize     int `toml:"max_page_size"`
}

// GroupsConfig tunes group fan-out.
type GroupsConfig struct {
	FanoutConcurrency int `toml:"fanout_concurrency"`
}

// RedisConfig controls the optional event bridge.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// TelemetryConfig controls metrics and health checks.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := peerlinkHome()
	priority := make([]string, 0, 5)
	for _, t := range domain.DefaultPriority() {
		priority = append(priority, string(t))
	}
	return Config{
		Node: NodeConfig{
			DisplayName: "me",
		},
		API: APIConfig{
			Host:       "127.0.0.1",
			Port:       7420,
			CORSOrigin: "*",
		},
		Transports: TransportsConfig{
			Enabled:     []string{"web"},
			Priority:    priority,
			InitTimeout: "30s",
			Web: RelayConfig{
				Address:    "self",
				AckTimeout: "10s",
				ServeHub:   true,
			},
			Memory: MemoryConfig{Address: "self"},
		},
		Peers: PeersConfig{
			CacheSize:        512,
			TransferPageSize: 50,
		},
		Messaging: MessagingConfig{
			DefaultPageSize: 50,
			MaxPageSize:     200,
		},
		Groups: GroupsConfig{
			FanoutConcurrency: 8,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "peerlink:",
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "60s",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "peerlink.log"),
		},
	}
}

// LoadConfig reads config from ~/.peerlink/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads config from path. A missing file yields the defaults.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.peerlink/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigTo(ConfigPath(), cfg)
}

// SaveConfigTo writes the config to path.
func SaveConfigTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Validate checks transport names and durations.
func (c Config) Validate() error {
	if _, err := c.Transports.EnabledTypes(); err != nil {
		return fmt.Errorf("transports.enabled: %w", err)
	}
	if _, err := c.Transports.PriorityTypes(); err != nil {
		return fmt.Errorf("transports.priority: %w", err)
	}
	for key, s := range map[string]string{
		"transports.init_timeout":    c.Transports.InitTimeout,
		"transports.web.ack_timeout": c.Transports.Web.AckTimeout,
		"telemetry.health_interval":  c.Telemetry.HealthInterval,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// EnabledTypes parses the enabled list.
func (t TransportsConfig) EnabledTypes() ([]domain.TransportType, error) {
	return parseTypes(t.Enabled)
}

// PriorityTypes parses the priority list.
func (t TransportsConfig) PriorityTypes() ([]domain.TransportType, error) {
	return parseTypes(t.Priority)
}

func parseTypes(names []string) ([]domain.TransportType, error) {
	out := make([]domain.TransportType, 0, len(names))
	for _, n := range names {
		tt, err := domain.ParseTransportType(n)
		if err != nil {
			return nil, err
		}
		if tt.IsAuto() {
			return nil, fmt.Errorf("%w: %q is not a transport", domain.ErrUnknownTransport, n)
		}
		out = append(out, tt)
	}
	return out, nil
}

// Settings returns the per-transport configuration handed to Initialize.
func (t TransportsConfig) Settings() map[domain.TransportType]map[string]any {
	out := make(map[domain.TransportType]map[string]any, len(t.Options)+2)
	for name, opts := range t.Options {
		out[domain.TransportType(name)] = opts
	}
	out[domain.TransportWeb] = map[string]any{
		"url":          t.Web.URL,
		"address":      t.Web.Address,
		"display_name": t.Web.DisplayName,
		"ack_timeout":  t.Web.AckTimeout,
	}
	out[domain.TransportMemory] = map[string]any{"address": t.Memory.Address}
	return out
}

// ConfigPath is the config file location.
func ConfigPath() string {
	return filepath.Join(peerlinkHome(), "config.toml")
}

// peerlinkHome returns the PeerLink data directory.
func peerlinkHome() string {
	if env := os.Getenv("PEERLINK_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".peerlink")
}

// PeerlinkHome is exported for use by other packages.
func PeerlinkHome() string {
	return peerlinkHome()
}
