// Package providers - Execution provider selection for ONNX Runtime sessions.
package providers

import (
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
)

// OptimizationLevel names an ONNX Runtime graph optimization level.
type OptimizationLevel string

const (
	OptimizationDisabled OptimizationLevel = "disabled"
	OptimizationBasic    OptimizationLevel = "basic"
	OptimizationExtended OptimizationLevel = "extended"
	OptimizationAll      OptimizationLevel = "all"
)

// Config selects and tunes the execution provider of a session.
type Config struct {
	// Backend is one of cpu, cuda, coreml or openvino. Empty means cpu.
	Backend ProviderBackend `json:"backend" yaml:"backend"`
	// IntraOpThreads parallelizes work inside a node. 0 lets the runtime decide.
	IntraOpThreads int `json:"intraOpThreads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes independent nodes. 0 lets the runtime decide.
	InterOpThreads int `json:"interOpThreads" yaml:"inter_op_threads"`
	// Optimization is the graph optimization level. Empty means extended.
	Optimization OptimizationLevel `json:"optimization" yaml:"optimization"`

	CUDA     CUDAOptions     `json:"cuda"     yaml:"cuda"`
	CoreML   CoreMLOptions   `json:"coreml"   yaml:"coreml"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// Validate checks that the backend and optimization level are known.
func (c Config) Validate() error {
	switch c.backend() {
	case CPUProviderBackend, CUDAProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend:
	default:
		return errors.Errorf("unknown execution provider %q", c.Backend)
	}
	if _, err := c.graphOptimizationLevel(); err != nil {
		return err
	}
	return nil
}

func (c Config) backend() ProviderBackend {
	if c.Backend == "" {
		return CPUProviderBackend
	}
	return ProviderBackend(strings.ToLower(string(c.Backend)))
}

func (c Config) graphOptimizationLevel() (ort.GraphOptimizationLevel, error) {
	switch OptimizationLevel(strings.ToLower(string(c.Optimization))) {
	case "", OptimizationExtended:
		return ort.GraphOptimizationLevelEnableExtended, nil
	case OptimizationDisabled:
		return ort.GraphOptimizationLevelDisableAll, nil
	case OptimizationBasic:
		return ort.GraphOptimizationLevelEnableBasic, nil
	case OptimizationAll:
		return ort.GraphOptimizationLevelEnableAll, nil
	default:
		return 0, errors.Errorf("unknown graph optimization level %q", c.Optimization)
	}
}

// SessionOptions builds ONNX Runtime session options for the config. The
// caller must Destroy the returned options once the session is created.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: An error if an option or the execution provider cannot be applied.
func (c Config) SessionOptions() (*ort.SessionOptions, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}

	if err := c.apply(options); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func (c Config) apply(options *ort.SessionOptions) error {
	if err := options.SetIntraOpNumThreads(c.IntraOpThreads); err != nil {
		return errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(c.InterOpThreads); err != nil {
		return errors.Wrap(err, "setting inter-op threads")
	}
	level, _ := c.graphOptimizationLevel()
	if err := options.SetGraphOptimizationLevel(level); err != nil {
		return errors.Wrap(err, "setting graph optimization level")
	}

	switch c.backend() {
	case CUDAProviderBackend:
		cuda, err := c.CUDA.ToNativeProviderOptions()
		if err != nil {
			return errors.Wrap(err, "converting CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "enabling CUDA")
		}
	case CoreMLProviderBackend:
		if err := options.AppendExecutionProviderCoreML(c.CoreML.Flags()); err != nil {
			return errors.Wrap(err, "enabling CoreML")
		}
	case OpenVINOProviderBackend:
		if err := options.AppendExecutionProviderOpenVINO(c.OpenVINO.ToMap()); err != nil {
			return errors.Wrap(err, "enabling OpenVINO")
		}
	}
	return nil
}
