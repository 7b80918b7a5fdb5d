package providers

const (
	// CoreMLProviderBackend uses Apple CoreML on macOS.
	CoreMLProviderBackend ProviderBackend = "coreml"
)

// CoreML provider flags, from coreml_provider_factory.h.
const (
	coreMLFlagUseCPUOnly              uint32 = 0x001
	coreMLFlagEnableOnSubgraph        uint32 = 0x002
	coreMLFlagOnlyEnableDeviceWithANE uint32 = 0x004
	coreMLFlagOnlyAllowStaticShapes   uint32 = 0x008
	coreMLFlagCreateMLProgram         uint32 = 0x010
)

// CoreMLOptions contains arguments for the CoreML provider.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
type CoreMLOptions struct {
	// Limit CoreML to running on CPU only.
	CPUOnly bool `json:"cpuOnly" yaml:"cpu_only"`
	// Run on subgraphs in the body of control flow operators.
	EnableOnSubgraphs bool `json:"enableOnSubgraphs" yaml:"enable_on_subgraphs"`
	// Only enable on devices with an Apple Neural Engine.
	RequireANE bool `json:"requireANE" yaml:"require_ane"`
	// Only take nodes whose inputs have static shapes.
	RequireStaticInputShapes bool `json:"requireStaticInputShapes" yaml:"require_static_input_shapes"`
	// Create an MLProgram instead of a NeuralNetwork model.
	MLProgram bool `json:"mlProgram" yaml:"ml_program"`
}

// Flags packs the options into the bit set AppendExecutionProviderCoreML takes.
func (o CoreMLOptions) Flags() uint32 {
	var f uint32
	if o.CPUOnly {
		f |= coreMLFlagUseCPUOnly
	}
	if o.EnableOnSubgraphs {
		f |= coreMLFlagEnableOnSubgraph
	}
	if o.RequireANE {
		f |= coreMLFlagOnlyEnableDeviceWithANE
	}
	if o.RequireStaticInputShapes {
		f |= coreMLFlagOnlyAllowStaticShapes
	}
	if o.MLProgram {
		f |= coreMLFlagCreateMLProgram
	}
	return f
}
