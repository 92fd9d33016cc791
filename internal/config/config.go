// Package config handles configuration loading and validation for the
// coordinator, storage nodes and clients.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Default values shared by the roles.
const (
	DefaultCoordinatorListen = ":5000"
	DefaultCoordinatorAddr   = "localhost:5000"
	DefaultNodeListen        = ":6000"
	DefaultWorkers           = 10
	DefaultIOTimeout         = "10s"
	DefaultMaxFrameSize      = 96 * bytesize.MB
)

// HeartbeatConfig tunes the coordinator's failure detector.
type HeartbeatConfig struct {
	Interval       string `yaml:"interval"`        // Cycle length, e.g. "10s"
	ProbeTimeout   string `yaml:"probe_timeout"`   // Per-node health check timeout
	PeerSampleSize int    `yaml:"peer_sample_size"` // Peers relayed to each node per cycle
	MaxConcurrent  int    `yaml:"max_concurrent"`  // Probes in flight per cycle
}

// RereplicationConfig bounds the re-replication work triggered by failures.
type RereplicationConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // Instructions per second
	Burst     int     `yaml:"burst"`
}

// LoggingConfig controls shipping logs off the host.
type LoggingConfig struct {
	LokiURL string            `yaml:"loki_url"` // Grafana Loki base URL, empty disables
	Labels  map[string]string `yaml:"labels"`
}

// CoordinatorConfig holds configuration for the coordinator.
type CoordinatorConfig struct {
	Listen        string              `yaml:"listen"`
	AdminListen   string              `yaml:"admin_listen"` // HTTP status/metrics, empty disables
	Workers       int                 `yaml:"workers"`
	IOTimeout     string              `yaml:"io_timeout"`
	MaxFrameSize  bytesize.Size       `yaml:"max_frame_size"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Rereplication RereplicationConfig `yaml:"rereplication"`
	Trace         bool                `yaml:"trace"` // Serve runtime trace snapshots on the admin server
	Logging       LoggingConfig       `yaml:"logging"`
}

// NodeConfig holds configuration for a storage node.
type NodeConfig struct {
	ID            string        `yaml:"id"` // Generated and persisted in data_dir when empty
	Listen        string        `yaml:"listen"`
	AdvertiseHost string        `yaml:"advertise_host"` // Address reported to the coordinator
	AdvertisePort int           `yaml:"advertise_port"`
	Coordinator   string        `yaml:"coordinator"`
	DataDir       string        `yaml:"data_dir"`
	Workers       int           `yaml:"workers"`
	IOTimeout     string        `yaml:"io_timeout"`
	MaxFrameSize  bytesize.Size `yaml:"max_frame_size"`
	FanOut        int           `yaml:"fan_out"`         // Peers each replicated upload is pushed to
	PeerSampleTTL string        `yaml:"peer_sample_ttl"` // Age after which the heartbeat sample is ignored
	Compress      bool          `yaml:"compress"`        // zstd-compress chunk files on disk
	MetricsListen string        `yaml:"metrics_listen"`  // Prometheus endpoint, empty disables
	Logging       LoggingConfig `yaml:"logging"`
}

// ClientConfig holds configuration for the upload/download client.
type ClientConfig struct {
	Coordinator    string        `yaml:"coordinator"`
	ChunkSize      bytesize.Size `yaml:"chunk_size"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay string        `yaml:"retry_base_delay"`
	Parallelism    int           `yaml:"parallelism"`
	Timeout        string        `yaml:"timeout"`
	CacheDir       string        `yaml:"cache_dir"`
}

// DefaultCoordinatorConfig returns a coordinator configuration with defaults applied.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	cfg := &CoordinatorConfig{}
	cfg.applyDefaults()
	return cfg
}

// DefaultNodeConfig returns a node configuration with defaults applied.
func DefaultNodeConfig() *NodeConfig {
	cfg := &NodeConfig{}
	cfg.applyDefaults()
	return cfg
}

// DefaultClientConfig returns a client configuration with defaults applied.
func DefaultClientConfig() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadCoordinatorConfig loads coordinator configuration from a YAML file.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	cfg := &CoordinatorConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadNodeConfig loads storage node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cfg := &NodeConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadClientConfig loads client configuration from a YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultCoordinatorListen
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.IOTimeout == "" {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = bytesize.Size(DefaultMaxFrameSize)
	}
	if c.Heartbeat.Interval == "" {
		c.Heartbeat.Interval = "10s"
	}
	if c.Heartbeat.ProbeTimeout == "" {
		c.Heartbeat.ProbeTimeout = "3s"
	}
	if c.Heartbeat.PeerSampleSize == 0 {
		c.Heartbeat.PeerSampleSize = 2
	}
	if c.Heartbeat.MaxConcurrent == 0 {
		c.Heartbeat.MaxConcurrent = 16
	}
	if c.Rereplication.RateLimit == 0 {
		c.Rereplication.RateLimit = 20
	}
	if c.Rereplication.Burst == 0 {
		c.Rereplication.Burst = 10
	}
}

func (c *NodeConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultNodeListen
	}
	if c.Coordinator == "" {
		c.Coordinator = DefaultCoordinatorAddr
	}
	if c.DataDir == "" {
		c.DataDir = "~/.dfs/node"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.IOTimeout == "" {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = bytesize.Size(DefaultMaxFrameSize)
	}
	if c.FanOut == 0 {
		c.FanOut = 2
	}
	if c.PeerSampleTTL == "" {
		c.PeerSampleTTL = "30s"
	}
	// The advertised port follows the listen port unless set explicitly.
	if c.AdvertisePort == 0 {
		if _, port, err := net.SplitHostPort(c.Listen); err == nil {
			c.AdvertisePort, _ = strconv.Atoi(port)
		}
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.Coordinator == "" {
		c.Coordinator = DefaultCoordinatorAddr
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = bytesize.Size(4 * bytesize.MB)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == "" {
		c.RetryBaseDelay = "500ms"
	}
	if c.Parallelism == 0 {
		c.Parallelism = 4
	}
	if c.Timeout == "" {
		c.Timeout = "30s"
	}
	if c.CacheDir == "" {
		c.CacheDir = "~/.dfs/cache"
	}
	c.CacheDir = expandHome(c.CacheDir)
}

// Validate checks if the coordinator configuration is valid.
func (c *CoordinatorConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if err := positiveDuration("io_timeout", c.IOTimeout); err != nil {
		return err
	}
	if err := positiveDuration("heartbeat.interval", c.Heartbeat.Interval); err != nil {
		return err
	}
	if err := positiveDuration("heartbeat.probe_timeout", c.Heartbeat.ProbeTimeout); err != nil {
		return err
	}
	if c.HeartbeatProbeTimeout() > c.HeartbeatInterval() {
		return fmt.Errorf("heartbeat.probe_timeout must not exceed heartbeat.interval")
	}
	if c.Heartbeat.PeerSampleSize < 0 {
		return fmt.Errorf("heartbeat.peer_sample_size must not be negative")
	}
	if c.Heartbeat.MaxConcurrent < 1 {
		return fmt.Errorf("heartbeat.max_concurrent must be at least 1")
	}
	if c.Rereplication.RateLimit <= 0 || c.Rereplication.Burst < 1 {
		return fmt.Errorf("rereplication.rate_limit and rereplication.burst must be positive")
	}
	return nil
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Coordinator == "" {
		return fmt.Errorf("coordinator address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.AdvertisePort < 0 || c.AdvertisePort > 65535 {
		return fmt.Errorf("advertise_port must be between 0 and 65535")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.FanOut < 0 {
		return fmt.Errorf("fan_out must not be negative")
	}
	if err := positiveDuration("io_timeout", c.IOTimeout); err != nil {
		return err
	}
	return positiveDuration("peer_sample_ttl", c.PeerSampleTTL)
}

// Validate checks if the client configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.Coordinator == "" {
		return fmt.Errorf("coordinator address is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1")
	}
	if err := positiveDuration("retry_base_delay", c.RetryBaseDelay); err != nil {
		return err
	}
	return positiveDuration("timeout", c.Timeout)
}

// IOTimeoutDuration returns the parsed io_timeout.
func (c *CoordinatorConfig) IOTimeoutDuration() time.Duration {
	return duration(c.IOTimeout)
}

// HeartbeatInterval returns the parsed heartbeat.interval.
func (c *CoordinatorConfig) HeartbeatInterval() time.Duration {
	return duration(c.Heartbeat.Interval)
}

// HeartbeatProbeTimeout returns the parsed heartbeat.probe_timeout.
func (c *CoordinatorConfig) HeartbeatProbeTimeout() time.Duration {
	return duration(c.Heartbeat.ProbeTimeout)
}

// IOTimeoutDuration returns the parsed io_timeout.
func (c *NodeConfig) IOTimeoutDuration() time.Duration {
	return duration(c.IOTimeout)
}

// PeerSampleTTLDuration returns the parsed peer_sample_ttl.
func (c *NodeConfig) PeerSampleTTLDuration() time.Duration {
	return duration(c.PeerSampleTTL)
}

// AdvertiseAddr returns the host the node reports to the coordinator,
// falling back to the listen host and then to fallback.
func (c *NodeConfig) AdvertiseAddr(fallback string) string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}
	if host, _, err := net.SplitHostPort(c.Listen); err == nil && host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return host
		}
	}
	return fallback
}

// RetryBaseDelayDuration returns the parsed retry_base_delay.
func (c *ClientConfig) RetryBaseDelayDuration() time.Duration {
	return duration(c.RetryBaseDelay)
}

// TimeoutDuration returns the parsed timeout.
func (c *ClientConfig) TimeoutDuration() time.Duration {
	return duration(c.Timeout)
}

func positiveDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// duration parses a value already checked by Validate; invalid input yields 0.
func duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
