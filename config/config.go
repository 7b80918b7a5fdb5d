// Package config - Process configuration loaded from YAML.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/nvr-ai/dronewatch/inference/providers"
	"github.com/nvr-ai/dronewatch/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings such as "100ms".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ModelConfig describes the detection model.
type ModelConfig struct {
	// Locator is a local path or an http(s) URL of the .onnx file.
	Locator     string `yaml:"locator"`
	CacheDir    string `yaml:"cache_dir"`
	LibraryPath string `yaml:"library_path"`
	InputSize   int    `yaml:"input_size"`
	// NumCandidates is the number of output candidates, 0 to derive it from
	// the input size assuming strides 8, 16 and 32.
	NumCandidates int    `yaml:"num_candidates"`
	InputName     string `yaml:"input_name"`
	OutputName    string `yaml:"output_name"`
	// ClassFile overrides Classes with a YAML or text label file.
	ClassFile string           `yaml:"class_file"`
	Classes   []string         `yaml:"classes"`
	Provider  providers.Config `yaml:"provider"`
}

// Candidates returns NumCandidates or the count derived from InputSize.
func (m ModelConfig) Candidates() int {
	if m.NumCandidates > 0 {
		return m.NumCandidates
	}
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := m.InputSize / stride
		n += g * g
	}
	return n
}

// ClassTable loads the ordered class labels.
func (m ModelConfig) ClassTable() (*models.ClassTable, error) {
	if m.ClassFile != "" {
		return models.LoadClassFile(m.ClassFile)
	}
	if len(m.Classes) == 0 {
		return models.DefaultClassTable(), nil
	}
	return models.NewClassTable(m.Classes)
}

// DetectionConfig holds the scheduling and filtering constants.
type DetectionConfig struct {
	ConfidenceThreshold    float32  `yaml:"confidence_threshold"`
	IoUThreshold           float32  `yaml:"iou_threshold"`
	MinInterval            Duration `yaml:"min_interval"`
	TickInterval           Duration `yaml:"tick_interval"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	Metrics bool   `yaml:"metrics"`
	// Release puts gin into release mode.
	Release bool `yaml:"release"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

// FeedConfig is one drone video feed.
type FeedConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// PlaybackID is the Mux playback id the feed is watched through.
	PlaybackID string `yaml:"playback_id"`
	// RTMPKey is the Mux stream key the drone publishes with.
	RTMPKey string `yaml:"rtmp_key"`
	// Source overrides the playback URL with a device index, file, frame
	// directory or URL.
	Source        string `yaml:"source"`
	DisplayWidth  int    `yaml:"display_width"`
	DisplayHeight int    `yaml:"display_height"`
	AutoActivate  bool   `yaml:"auto_activate"`
	// Loop rewinds file and frame-directory sources at the end.
	Loop bool `yaml:"loop"`
	// FrameInterval paces frame-directory playback, 0 for 100ms.
	FrameInterval Duration `yaml:"frame_interval"`
}

// Config is the process configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Feeds     []FeedConfig    `yaml:"feeds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Locator:    "models/yolov8n.onnx",
			InputSize:  640,
			InputName:  "images",
			OutputName: "output0",
			Provider: providers.Config{
				Backend:      providers.CPUProviderBackend,
				Optimization: providers.OptimizationAll,
			},
		},
		Detection: DetectionConfig{
			ConfidenceThreshold:    0.5,
			IoUThreshold:           0.45,
			MinInterval:            Duration(100 * time.Millisecond),
			TickInterval:           Duration(16 * time.Millisecond),
			MaxConsecutiveFailures: 5,
		},
		Server: ServerConfig{
			Listen:  ":8080",
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - path: The file to read.
//
// Returns:
//   - *Config: The configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Model.Locator == "":
		return errors.New("model.locator is required")
	case c.Model.InputSize <= 0 || c.Model.InputSize%32 != 0:
		return errors.Errorf("model.input_size must be a positive multiple of 32, got %d", c.Model.InputSize)
	case c.Model.NumCandidates < 0:
		return errors.Errorf("model.num_candidates must not be negative, got %d", c.Model.NumCandidates)
	case c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1:
		return errors.Errorf("detection.confidence_threshold must be in [0,1], got %v", c.Detection.ConfidenceThreshold)
	case c.Detection.IoUThreshold < 0 || c.Detection.IoUThreshold > 1:
		return errors.Errorf("detection.iou_threshold must be in [0,1], got %v", c.Detection.IoUThreshold)
	case c.Detection.MinInterval < 0:
		return errors.New("detection.min_interval must not be negative")
	}
	if err := c.Model.Provider.Validate(); err != nil {
		return errors.Wrap(err, "model.provider")
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.ID == "" {
			return errors.Errorf("feeds[%d].id is required", i)
		}
		if seen[f.ID] {
			return errors.Errorf("duplicate feed id %q", f.ID)
		}
		seen[f.ID] = true
		if f.Source == "" && f.PlaybackID == "" {
			return errors.Errorf("feed %q needs a source or playback_id", f.ID)
		}
		if f.DisplayWidth < 0 || f.DisplayHeight < 0 {
			return errors.Errorf("feed %q has a negative display size", f.ID)
		}
	}
	return nil
}

// Feed returns the feed with the given id.
func (c *Config) Feed(id string) (FeedConfig, bool) {
	for _, f := range c.Feeds {
		if f.ID == id {
			return f, true
		}
	}
	return FeedConfig{}, false
}
