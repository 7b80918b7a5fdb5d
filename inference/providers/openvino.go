package providers

import "strconv"

const (
	// OpenVINOProviderBackend uses Intel OpenVINO.
	OpenVINOProviderBackend ProviderBackend = "openvino"
)

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// Overrides the accelerator hardware type, e.g. CPU, GPU or NPU.
	DeviceType string `json:"deviceType" yaml:"device_type"`
	// FP32, FP16 or ACCURACY. Empty keeps the device default.
	Precision string `json:"precision" yaml:"precision"`
	// Overrides the default number of inference threads.
	NumOfThreads int `json:"numOfThreads" yaml:"num_of_threads"`
	// Overrides the default number of streams.
	NumStreams int `json:"numStreams" yaml:"num_streams"`
	// Directory for compiled blob caching.
	CacheDir string `json:"cacheDir" yaml:"cache_dir"`
}

// ToMap renders the options with the key names ONNX Runtime expects. Unset
// fields are omitted.
func (o OpenVINOOptions) ToMap() map[string]string {
	m := map[string]string{}
	if o.DeviceType != "" {
		m["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		m["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		m["num_of_threads"] = strconv.Itoa(o.NumOfThreads)
	}
	if o.NumStreams > 0 {
		m["num_streams"] = strconv.Itoa(o.NumStreams)
	}
	if o.CacheDir != "" {
		m["cache_dir"] = o.CacheDir
	}
	return m
}
