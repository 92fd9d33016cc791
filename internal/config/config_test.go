package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/pkg/bytesize"
	"github.com/adarschwarzbach/distributed-file-system/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCoordinatorConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":7000"
admin_listen: "127.0.0.1:7080"
workers: 32
max_frame_size: 128MB
heartbeat:
  interval: "5s"
  probe_timeout: "1s"
  peer_sample_size: 3
rereplication:
  rate_limit: 5
  burst: 2
trace: true
logging:
  loki_url: "http://loki:3100"
  labels:
    cluster: "lab"
`
	configPath := testutil.TempFile(t, dir, "coordinator.yaml", content)

	cfg, err := LoadCoordinatorConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "127.0.0.1:7080", cfg.AdminListen)
	assert.Equal(t, 32, cfg.Workers)
	assert.Equal(t, 128*bytesize.MB, cfg.MaxFrameSize.Bytes())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, time.Second, cfg.HeartbeatProbeTimeout())
	assert.Equal(t, 3, cfg.Heartbeat.PeerSampleSize)
	assert.Equal(t, 5.0, cfg.Rereplication.RateLimit)
	assert.Equal(t, 2, cfg.Rereplication.Burst)
	assert.True(t, cfg.Trace)
	assert.Equal(t, "http://loki:3100", cfg.Logging.LokiURL)
	assert.Equal(t, map[string]string{"cluster": "lab"}, cfg.Logging.Labels)
}

func TestLoadCoordinatorConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "coordinator.yaml", "admin_listen: \":8080\"\n")

	cfg, err := LoadCoordinatorConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultCoordinatorListen, cfg.Listen)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.IOTimeoutDuration())
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize.Bytes())
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 3*time.Second, cfg.HeartbeatProbeTimeout())
	assert.Equal(t, 2, cfg.Heartbeat.PeerSampleSize)
	assert.Equal(t, 16, cfg.Heartbeat.MaxConcurrent)
}

func TestLoadCoordinatorConfig_FileNotFound(t *testing.T) {
	_, err := LoadCoordinatorConfig("/nonexistent/path/coordinator.yaml")
	assert.Error(t, err)
}

func TestLoadCoordinatorConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "bad.yaml", "listen: [unclosed")

	_, err := LoadCoordinatorConfig(configPath)
	assert.Error(t, err)
}

func TestLoadCoordinatorConfig_InvalidSize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "bad.yaml", "max_frame_size: 12 parsecs\n")

	_, err := LoadCoordinatorConfig(configPath)
	assert.Error(t, err)
}

func TestCoordinatorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CoordinatorConfig)
		wantErr string
	}{
		{"defaults", func(*CoordinatorConfig) {}, ""},
		{"bad interval", func(c *CoordinatorConfig) { c.Heartbeat.Interval = "soon" }, "heartbeat.interval"},
		{"zero probe timeout", func(c *CoordinatorConfig) { c.Heartbeat.ProbeTimeout = "0s" }, "heartbeat.probe_timeout"},
		{"probe longer than interval", func(c *CoordinatorConfig) {
			c.Heartbeat.Interval = "1s"
			c.Heartbeat.ProbeTimeout = "2s"
		}, "must not exceed"},
		{"negative sample", func(c *CoordinatorConfig) { c.Heartbeat.PeerSampleSize = -1 }, "peer_sample_size"},
		{"no workers", func(c *CoordinatorConfig) { c.Workers = -1 }, "workers"},
		{"no rate", func(c *CoordinatorConfig) { c.Rereplication.RateLimit = -1 }, "rereplication"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCoordinatorConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadNodeConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
id: "node-a"
listen: "127.0.0.1:6001"
coordinator: "10.0.0.1:5000"
data_dir: "/srv/dfs/a"
fan_out: 1
peer_sample_ttl: "1m"
compress: true
metrics_listen: ":9101"
`
	configPath := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node-a", cfg.ID)
	assert.Equal(t, "10.0.0.1:5000", cfg.Coordinator)
	assert.Equal(t, "/srv/dfs/a", cfg.DataDir)
	assert.Equal(t, 1, cfg.FanOut)
	assert.Equal(t, time.Minute, cfg.PeerSampleTTLDuration())
	assert.True(t, cfg.Compress)
	assert.Equal(t, ":9101", cfg.MetricsListen)
	assert.Equal(t, 6001, cfg.AdvertisePort, "advertise port follows listen port")
	assert.Equal(t, "127.0.0.1", cfg.AdvertiseAddr("192.0.2.1"))
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "node.yaml", "compress: false\n")

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.ID)
	assert.Equal(t, DefaultNodeListen, cfg.Listen)
	assert.Equal(t, DefaultCoordinatorAddr, cfg.Coordinator)
	assert.Equal(t, 6000, cfg.AdvertisePort)
	assert.Equal(t, 2, cfg.FanOut)
	assert.Equal(t, 30*time.Second, cfg.PeerSampleTTLDuration())
	assert.Equal(t, "192.0.2.1", cfg.AdvertiseAddr("192.0.2.1"), "unspecified listen host uses fallback")
}

func TestLoadNodeConfig_HomeExpansion(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	configPath := testutil.TempFile(t, dir, "node.yaml", "data_dir: \"~/dfs-data\"\n")

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "dfs-data"), cfg.DataDir)
}

func TestNodeConfig_AdvertiseHostOverride(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.Listen = "127.0.0.1:6000"
	cfg.AdvertiseHost = "dfs-node-1.internal"

	assert.Equal(t, "dfs-node-1.internal", cfg.AdvertiseAddr("192.0.2.1"))
}

func TestNodeConfig_Validate(t *testing.T) {
	cfg := DefaultNodeConfig()
	require.NoError(t, cfg.Validate())

	cfg.PeerSampleTTL = "forever"
	assert.Error(t, cfg.Validate())

	cfg = DefaultNodeConfig()
	cfg.FanOut = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultNodeConfig()
	cfg.AdvertisePort = 70000
	assert.Error(t, cfg.Validate())
}

func TestLoadClientConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
coordinator: "coord:5000"
chunk_size: 64KiB
max_retries: 5
retry_base_delay: "100ms"
parallelism: 8
timeout: "1m"
cache_dir: "/tmp/dfs-cache"
`
	configPath := testutil.TempFile(t, dir, "client.yaml", content)

	cfg, err := LoadClientConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "coord:5000", cfg.Coordinator)
	assert.Equal(t, 64*bytesize.KB, cfg.ChunkSize.Bytes())
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelayDuration())
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Equal(t, time.Minute, cfg.TimeoutDuration())
	assert.Equal(t, "/tmp/dfs-cache", cfg.CacheDir)
}

func TestClientConfig_Defaults(t *testing.T) {
	cfg := DefaultClientConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4*bytesize.MB, cfg.ChunkSize.Bytes())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelayDuration())

	cfg.ChunkSize = -1
	assert.Error(t, cfg.Validate())
}
