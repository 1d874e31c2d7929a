package fusion

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Pipeline.QueueSize)
	assert.Equal(t, 4, cfg.Policy.MinPairs)
	assert.Equal(t, 4.5, cfg.Policy.RegressionFactor)
	assert.Equal(t, 0.5, cfg.RANSAC.ThresholdInit)
	assert.Equal(t, 1000, cfg.RANSAC.MaxTrials)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Empty(t, cfg.History.Path)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9000"
  scene_root: /data/scenes
pipeline:
  poll_interval: 250ms
policy:
  max_pairs: 12
  diversity:
    enabled: true
localizer:
  endpoint: http://loc:8001
  timeout: 10s
mqtt:
  broker: tcp://broker:1883
  publishPrefix: stage
ransac:
  seed: 7
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "/data/scenes", cfg.Server.SceneRoot)
	assert.Equal(t, "uploads", cfg.Server.UploadDir, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.PollInterval)
	assert.Equal(t, 50, cfg.Pipeline.QueueSize)
	assert.Equal(t, 12, cfg.Policy.MaxPairs)
	assert.True(t, cfg.Policy.Diversity.Enabled)
	assert.Equal(t, 0.2, cfg.Policy.Diversity.MinDistance)
	assert.Equal(t, 10*time.Second, cfg.Localizer.Timeout)
	assert.Equal(t, "stage", cfg.MQTT.PublishPrefix)
	assert.Equal(t, int64(7), cfg.RANSAC.Seed)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"bad yaml", "server: [", "parsing config YAML"},
		{"min pairs too small", "policy:\n  min_pairs: 2\n", "min_pairs"},
		{"window smaller than min pairs", "policy:\n  max_pairs: 3\n", "max_pairs"},
		{"inverted scale range", "policy:\n  scale_min: 5\n  scale_max: 1\n", "scale range"},
		{"zero queue", "pipeline:\n  queue_size: 0\n", "queue_size"},
		{"empty endpoint", "localizer:\n  endpoint: \"\"\n", "localizer.endpoint"},
		{"zero trials", "ransac:\n  max_trials: 0\n", "max_trials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MaxPairs = 20
	cfg.Localizer.Backoff = 2 * time.Second
	cfg.History.Path = "history.db"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestRANSACConfig_Sim3Config(t *testing.T) {
	r := DefaultConfig().RANSAC
	r.Seed = 11
	a := r.Sim3Config(5)
	b := r.Sim3Config(5)

	assert.True(t, a.WithScale)
	assert.Equal(t, 5, a.MinInliers)
	assert.Equal(t, a.RNG.Int63(), b.RNG.Int63(), "a fixed seed makes the sampler reproducible")
}

func TestLocalizerConfig_Options(t *testing.T) {
	assert.Len(t, LocalizerConfig{}.LocalizeOptions(), 0)
	assert.Len(t, DefaultConfig().Localizer.LocalizeOptions(), 3)
}

func TestLocalizerConfig_CallBudget(t *testing.T) {
	tests := []struct {
		name string
		cfg  LocalizerConfig
		want time.Duration
	}{
		{"defaults", DefaultConfig().Localizer, 91500 * time.Millisecond},
		{"zero values take defaults", LocalizerConfig{}, 91500 * time.Millisecond},
		{"single attempt", LocalizerConfig{Timeout: 2 * time.Second, MaxRetries: 1}, 2 * time.Second},
		{"backoff doubles", LocalizerConfig{Timeout: time.Second, MaxRetries: 4, Backoff: 100 * time.Millisecond}, 4700 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.CallBudget())
		})
	}
}

func TestConfig_PipelineSettings(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.Localizer.CallBudget(), cfg.PipelineSettings().LocalizeTimeout,
		"the deadline leaves room for every retry")
	assert.Equal(t, DefaultLocalizeTimeout, cfg.Pipeline.LocalizeTimeout, "the config itself is not modified")

	cfg.Pipeline.LocalizeTimeout = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, cfg.PipelineSettings().LocalizeTimeout)
	assert.Equal(t, cfg.Pipeline.QueueSize, cfg.PipelineSettings().QueueSize)
}
