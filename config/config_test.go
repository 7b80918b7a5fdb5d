package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvr-ai/dronewatch/inference/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 640, cfg.Model.InputSize)
	assert.Equal(t, 8400, cfg.Model.Candidates())
	assert.Equal(t, 100*time.Millisecond, cfg.Detection.MinInterval.Std())
	assert.InDelta(t, 0.5, cfg.Detection.ConfidenceThreshold, 1e-6)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  locator: https://example.com/drone.onnx
  input_size: 320
  classes: [drone, bird, plane]
detection:
  min_interval: 250ms
feeds:
  - id: alpha
    playback_id: abc
    display_width: 1280
    display_height: 720
`))
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/drone.onnx", cfg.Model.Locator)
	assert.Equal(t, 2100, cfg.Model.Candidates())
	assert.Equal(t, "images", cfg.Model.InputName, "unset keys keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Detection.MinInterval.Std())
	assert.Equal(t, 16*time.Millisecond, cfg.Detection.TickInterval.Std())

	classes, err := cfg.Model.ClassTable()
	require.NoError(t, err)
	assert.Equal(t, 3, classes.Len())
	assert.Equal(t, "plane", classes.Label(2))

	feed, ok := cfg.Feed("alpha")
	require.True(t, ok)
	assert.Equal(t, 1280, feed.DisplayWidth)
	_, ok = cfg.Feed("bravo")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no locator", func(c *Config) { c.Model.Locator = "" }},
		{"input size not a stride multiple", func(c *Config) { c.Model.InputSize = 100 }},
		{"confidence above one", func(c *Config) { c.Detection.ConfidenceThreshold = 1.5 }},
		{"negative iou", func(c *Config) { c.Detection.IoUThreshold = -0.1 }},
		{"negative interval", func(c *Config) { c.Detection.MinInterval = Duration(-time.Second) }},
		{"unknown provider", func(c *Config) { c.Model.Provider.Backend = providers.ProviderBackend("tpu") }},
		{"feed without id", func(c *Config) { c.Feeds = []FeedConfig{{Source: "0"}} }},
		{"duplicate feed", func(c *Config) {
			c.Feeds = []FeedConfig{{ID: "a", Source: "0"}, {ID: "a", Source: "1"}}
		}},
		{"feed without source", func(c *Config) { c.Feeds = []FeedConfig{{ID: "a"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("detection:\n  min_interval: soon\n"))
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1.5s\n", string(out))
}

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "dronewatch.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Feeds, 2)
	assert.Equal(t, "drone1", cfg.Feeds[0].ID)
	assert.NotEmpty(t, cfg.Feeds[0].RTMPKey)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("model: [unterminated"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestClassFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.txt")
	require.NoError(t, os.WriteFile(path, []byte("drone\nbird\n"), 0o644))
	m := Default().Model
	m.ClassFile = path
	m.Classes = []string{"ignored"}
	classes, err := m.ClassTable()
	require.NoError(t, err)
	assert.Equal(t, []string{"drone", "bird"}, classes.Labels())

	m = Default().Model
	classes, err = m.ClassTable()
	require.NoError(t, err)
	assert.Equal(t, 80, classes.Len())
}
