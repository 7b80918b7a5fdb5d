package inference

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Tensor is a float32 NCHW input of shape (1, 3, S, S), planar RGB in [0, 1].
// It is built fresh for every pass and consumed once.
type Tensor struct {
	dense *tensor.Dense
	size  int
}

// NewTensor allocates a zeroed input tensor for an S×S model.
func NewTensor(size int) *Tensor {
	data := make([]float32, 3*size*size)
	return &Tensor{
		dense: tensor.New(tensor.WithShape(1, 3, size, size), tensor.WithBacking(data)),
		size:  size,
	}
}

// Size returns S.
func (t *Tensor) Size() int { return t.size }

// Shape returns the tensor shape.
func (t *Tensor) Shape() []int { return []int(t.dense.Shape().Clone()) }

// Data returns the backing slice, all R values then all G then all B.
func (t *Tensor) Data() []float32 { return t.dense.Data().([]float32) }

// Dense exposes the underlying tensor.
func (t *Tensor) Dense() *tensor.Dense { return t.dense }

// RawOutput is a model output of shape (1, numAttributes, numCandidates) or
// (numAttributes, numCandidates), attribute-major: attribute a of candidate
// i lives at Data()[a*numCandidates+i].
type RawOutput struct {
	dense *tensor.Dense
}

// NewRawOutput wraps a flat output buffer with the given layout. The buffer is
// owned by the returned value.
//
// Arguments:
//   - data: The flat output values.
//   - numAttributes: The attributes per candidate (4 box values plus class scores).
//   - numCandidates: The number of candidate boxes.
//
// Returns:
//   - *RawOutput: The wrapped output.
//   - error: ErrMalformedOutput when the buffer length does not match the layout.
func NewRawOutput(data []float32, numAttributes, numCandidates int) (*RawOutput, error) {
	if numAttributes <= 0 || numCandidates <= 0 {
		return nil, errors.Wrapf(ErrMalformedOutput, "invalid layout %dx%d", numAttributes, numCandidates)
	}
	if len(data) != numAttributes*numCandidates {
		return nil, errors.Wrapf(ErrMalformedOutput, "have %d values, layout %dx%d needs %d",
			len(data), numAttributes, numCandidates, numAttributes*numCandidates)
	}
	return &RawOutput{
		dense: tensor.New(tensor.WithShape(1, numAttributes, numCandidates), tensor.WithBacking(data)),
	}, nil
}

// NewRawOutputDense wraps an existing dense tensor without validating it.
// Layout errors are reported when the output is decoded.
func NewRawOutputDense(d *tensor.Dense) *RawOutput {
	return &RawOutput{dense: d}
}

// Layout returns the number of attributes and candidates.
func (o *RawOutput) Layout() (numAttributes, numCandidates int, err error) {
	shape := o.dense.Shape()
	switch len(shape) {
	case 3:
		if shape[0] != 1 {
			return 0, 0, errors.Wrapf(ErrMalformedOutput, "batch size %d, want 1", shape[0])
		}
		numAttributes, numCandidates = shape[1], shape[2]
	case 2:
		numAttributes, numCandidates = shape[0], shape[1]
	default:
		return 0, 0, errors.Wrapf(ErrMalformedOutput, "rank %d, want 2 or 3", len(shape))
	}
	data, ok := o.dense.Data().([]float32)
	if !ok {
		return 0, 0, errors.Wrapf(ErrMalformedOutput, "element type %v, want float32", o.dense.Dtype())
	}
	if len(data) != numAttributes*numCandidates {
		return 0, 0, errors.Wrapf(ErrMalformedOutput, "have %d values, shape %v", len(data), shape)
	}
	return numAttributes, numCandidates, nil
}

// Data returns the flat attribute-major values.
func (o *RawOutput) Data() []float32 {
	data, _ := o.dense.Data().([]float32)
	return data
}
