package inference

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/nvr-ai/dronewatch/inference/providers"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXConfig describes a YOLO-style detection model run through ONNX Runtime.
type ONNXConfig struct {
	// Locator is a local path or an http(s) URL of the .onnx file.
	Locator string
	// CacheDir receives downloaded models.
	CacheDir string
	// LibraryPath overrides the ONNX Runtime shared library location.
	LibraryPath string
	// InputSize is S of the (1, 3, S, S) input.
	InputSize int
	// NumClasses is the number of class scores per candidate.
	NumClasses int
	// NumCandidates is the number of candidate boxes the model emits.
	NumCandidates int
	// InputName and OutputName are the graph node names.
	InputName  string
	OutputName string
	// Provider selects the execution provider.
	Provider providers.Config
}

var envMu sync.Mutex

// DefaultLibraryPath returns the bundled ONNX Runtime library for this platform.
func DefaultLibraryPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll", nil
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// initEnvironment loads the native runtime once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		var err error
		if libPath, err = DefaultLibraryPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnxruntime environment")
	}
	return nil
}

// OpenONNX returns an Opener that fetches the model, initializes ONNX
// Runtime and binds preallocated input and output tensors to a session.
//
// Arguments:
//   - cfg: The model description.
//   - logger: The logger, nil for a no-op logger.
//
// Returns:
//   - Opener: The opener to pass to NewSession.
func OpenONNX(cfg ONNXConfig, logger *zap.Logger) Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) (Backend, error) {
		path, err := Fetch(ctx, cfg.Locator, cfg.CacheDir, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, wrapKind(ErrModelLoad, err, "fetching model")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := newONNXBackend(path, cfg)
		if err != nil {
			return nil, wrapKind(ErrModelLoad, err, path)
		}
		logger.Info("onnx session created",
			zap.String("model", path),
			zap.String("provider", string(cfg.Provider.Backend)),
			zap.Int("input_size", cfg.InputSize),
			zap.Int("classes", cfg.NumClasses),
		)
		return b, nil
	}
}

type onnxBackend struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	input         *ort.Tensor[float32]
	output        *ort.Tensor[float32]
	numAttributes int
	numCandidates int
}

func newONNXBackend(path string, cfg ONNXConfig) (*onnxBackend, error) {
	if cfg.InputSize <= 0 || cfg.NumClasses <= 0 || cfg.NumCandidates <= 0 {
		return nil, errors.Errorf("invalid model layout: input %d, classes %d, candidates %d",
			cfg.InputSize, cfg.NumClasses, cfg.NumCandidates)
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	s := int64(cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, s, s))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	numAttributes := 4 + cfg.NumClasses
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numAttributes), int64(cfg.NumCandidates)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	options, err := cfg.Provider.SessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	inputName, outputName := cfg.InputName, cfg.OutputName
	if inputName == "" {
		inputName = "images"
	}
	if outputName == "" {
		outputName = "output0"
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{inputName}, []string{outputName},
		[]ort.Value{input}, []ort.Value{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "creating onnxruntime session")
	}

	return &onnxBackend{
		session:       session,
		input:         input,
		output:        output,
		numAttributes: numAttributes,
		numCandidates: cfg.NumCandidates,
	}, nil
}

// Run copies the tensor into the bound input, runs the graph and copies the
// bound output into a fresh buffer.
func (b *onnxBackend) Run(ctx context.Context, input *Tensor) (*RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, ErrSessionNotReady
	}
	dst := b.input.GetData()
	src := input.Data()
	if len(src) != len(dst) {
		return nil, errors.Errorf("input has %d values, model expects %d", len(src), len(dst))
	}
	copy(dst, src)

	if err := b.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running onnxruntime session")
	}

	out := make([]float32, b.numAttributes*b.numCandidates)
	copy(out, b.output.GetData())
	return NewRawOutput(out, b.numAttributes, b.numCandidates)
}

func (b *onnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.session != nil {
		err = b.session.Destroy()
		b.session = nil
	}
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	if b.output != nil {
		b.output.Destroy()
		b.output = nil
	}
	return err
}
