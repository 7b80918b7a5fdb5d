package detector

import (
	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/models"
	"github.com/nvr-ai/dronewatch/models/postprocess"
	"github.com/nvr-ai/dronewatch/profiler"
	"github.com/pkg/errors"
)

// Stage names reported to the profiler.
const (
	StageSnapshot   = "snapshot"
	StagePreprocess = "preprocess"
	StageInfer      = "infer"
	StageDecode     = "decode"
	StageNMS        = "nms"
)

// PipelineConfig holds the fixed detection constants.
type PipelineConfig struct {
	InputSize           int
	ConfidenceThreshold float32
	IoUThreshold        float32
	Classes             *models.ClassTable
}

// Pipeline runs the stages around inference: sampling and preprocessing
// before, decoding, suppression and mapping after. It keeps scratch storage
// between passes and must not run two passes at once.
type Pipeline struct {
	pre     *inference.Preprocessor
	dec     *postprocess.Decoder
	mapper  postprocess.Mapper
	iou     float32
	prof    *profiler.Profiler
	scratch []common.Detection
}

// NewPipeline creates a pipeline.
//
// Arguments:
//   - cfg: The detection constants.
//   - prof: The stage profiler, may be nil.
//
// Returns:
//   - *Pipeline: The pipeline.
func NewPipeline(cfg PipelineConfig, prof *profiler.Profiler) *Pipeline {
	classes := cfg.Classes
	if classes == nil {
		classes = models.DefaultClassTable()
	}
	return &Pipeline{
		pre:    inference.NewPreprocessor(cfg.InputSize),
		dec:    postprocess.NewDecoder(classes, cfg.ConfidenceThreshold),
		mapper: postprocess.NewMapper(cfg.InputSize),
		iou:    cfg.IoUThreshold,
		prof:   prof,
	}
}

// Pass is a sampled frame waiting for inference.
type Pass struct {
	Input   *inference.Tensor
	Display common.Size
}

// Sample reads the frame's display size and pixels and builds the input
// tensor.
//
// Arguments:
//   - frame: The live frame source.
//
// Returns:
//   - *Pass: The prepared pass.
//   - error: ErrFrameNotReady when there is nothing to sample.
func (p *Pipeline) Sample(frame Frame) (*Pass, error) {
	if !frame.Ready() {
		return nil, inference.ErrFrameNotReady
	}
	display := frame.DisplaySize()
	if display.Empty() {
		display = frame.IntrinsicSize()
	}
	if display.Empty() {
		return nil, errors.Wrap(inference.ErrFrameNotReady, "frame has no size")
	}

	stop := p.prof.StartOperation(StageSnapshot)
	img, err := frame.Snapshot()
	stop()
	if err != nil {
		return nil, err
	}

	stop = p.prof.StartOperation(StagePreprocess)
	input, err := p.pre.Prepare(img)
	stop()
	if err != nil {
		return nil, err
	}
	return &Pass{Input: input, Display: display}, nil
}

// Finish decodes raw, suppresses overlaps and maps the survivors into the
// pass's display canvas.
//
// Arguments:
//   - raw: The model output of the pass.
//   - pass: The pass returned by Sample.
//
// Returns:
//   - []common.Detection: Display-space detections in descending score order.
//   - error: ErrMalformedOutput when raw does not match the model layout.
func (p *Pipeline) Finish(raw *inference.RawOutput, pass *Pass) ([]common.Detection, error) {
	stop := p.prof.StartOperation(StageDecode)
	decoded, err := p.dec.Decode(raw, p.scratch[:0])
	stop()
	if err != nil {
		return nil, err
	}
	p.scratch = decoded

	stop = p.prof.StartOperation(StageNMS)
	kept := postprocess.ApplyClassAwareNMS(decoded, p.iou)
	stop()

	return p.mapper.ToDisplay(kept, pass.Display.Width, pass.Display.Height), nil
}
