package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// DefaultInputSize is the square side of YOLOv8 exports.
const DefaultInputSize = 640

// Preprocessor turns a decoded frame into a model input tensor.
//
// The frame is stretched to S×S without letterboxing. The resulting aspect
// distortion is undone later by independent x and y scale factors.
type Preprocessor struct {
	Size   int
	Interp resize.InterpolationFunction
}

// NewPreprocessor creates a preprocessor for an S×S model using bilinear
// resampling.
func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{Size: size, Interp: resize.Bilinear}
}

// Prepare resizes img and writes it into a fresh tensor.
//
// Arguments:
//   - img: The frame snapshot. It is not mutated.
//
// Returns:
//   - *Tensor: The (1, 3, S, S) tensor, planar RGB scaled to [0, 1].
//   - error: ErrFrameNotReady when the image is nil or empty.
func (p *Preprocessor) Prepare(img image.Image) (*Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.Wrap(ErrFrameNotReady, "empty frame")
	}
	if p.Size <= 0 {
		return nil, errors.Errorf("invalid input size %d", p.Size)
	}

	t := NewTensor(p.Size)
	if err := p.fill(img, t.Data()); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Preprocessor) fill(img image.Image, data []float32) error {
	s := p.Size
	channelSize := s * s
	if len(data) < channelSize*3 {
		return errors.Errorf("destination tensor only holds %d floats, needs %d", len(data), channelSize*3)
	}
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	resized := img
	b := img.Bounds()
	if b.Dx() != s || b.Dy() != s {
		resized = resize.Resize(uint(s), uint(s), img, p.Interp)
	}
	rb := resized.Bounds()

	i := 0
	for y := 0; y < s; y++ {
		for x := 0; x < s; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return nil
}
