package providers

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// CUDAProviderBackend uses NVIDIA CUDA for inference.
	CUDAProviderBackend ProviderBackend = "cuda"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"deviceID" yaml:"device_id"`
	// The size limit of the device memory arena in bytes. 0 leaves the runtime default.
	GPUMemLimit int64 `json:"gpuMemLimit" yaml:"gpu_mem_limit"`
	// The strategy for extending the device memory arena.
	// 0: kNextPowerOfTwo, 1: kSameAsRequested.
	ArenaExtendStrategy int `json:"arenaExtendStrategy" yaml:"arena_extend_strategy"`
	// The cuDNN convolution algorithm search: 0 EXHAUSTIVE, 1 HEURISTIC, 2 DEFAULT.
	CudnnConvAlgoSearch int `json:"cudnnConvAlgoSearch" yaml:"cudnn_conv_algo_search"`
	// Whether to do copies in the default stream.
	DoCopyInDefaultStream bool `json:"doCopyInDefaultStream" yaml:"do_copy_in_default_stream"`
	// Allow TF32 math on Ampere and newer GPUs.
	UseTF32 bool `json:"useTF32" yaml:"use_tf32"`
}

// ToMap renders the options with the key names ONNX Runtime expects.
func (o CUDAOptions) ToMap() map[string]string {
	m := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"arena_extend_strategy":     arenaStrategy(o.ArenaExtendStrategy),
		"cudnn_conv_algo_search":    convAlgoSearch(o.CudnnConvAlgoSearch),
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
		"use_tf32":                  boolFlag(o.UseTF32),
	}
	if o.GPUMemLimit > 0 {
		m["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	return m
}

// ToNativeProviderOptions converts the options for AppendExecutionProviderCUDA.
// The caller must Destroy the result.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.Update(o.ToMap()); err != nil {
		opts.Destroy()
		return nil, errors.Wrap(err, "updating CUDA provider options")
	}
	return opts, nil
}

func arenaStrategy(v int) string {
	if v == 1 {
		return "kSameAsRequested"
	}
	return "kNextPowerOfTwo"
}

func convAlgoSearch(v int) string {
	switch v {
	case 1:
		return "HEURISTIC"
	case 2:
		return "DEFAULT"
	default:
		return "EXHAUSTIVE"
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
