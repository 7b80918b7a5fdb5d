// Package video - Frame sources for the detection scheduler, backed by gocv.
package video

import (
	"image"
	"sync"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Source is a frame source whose display size the viewer can change.
type Source interface {
	Ready() bool
	IntrinsicSize() common.Size
	DisplaySize() common.Size
	Snapshot() (image.Image, error)
	SetDisplaySize(size common.Size)
	Close() error
}

// display holds the viewer-reported display size. An empty size means the
// video is shown at its intrinsic size.
type display struct {
	mu   sync.RWMutex
	size common.Size
}

func (d *display) SetDisplaySize(size common.Size) {
	d.mu.Lock()
	d.size = size
	d.mu.Unlock()
}

func (d *display) get(intrinsic common.Size) common.Size {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.size.Empty() {
		return intrinsic
	}
	return d.size
}

// Still is a frame source showing a fixed image.
type Still struct {
	display
	img image.Image
}

// NewStill creates a source from an image.
func NewStill(img image.Image) *Still {
	return &Still{img: img}
}

// OpenStill decodes an image file into a Still.
//
// Arguments:
//   - path: The image file.
//
// Returns:
//   - *Still: The source.
//   - error: An error if the file cannot be decoded.
func OpenStill(path string) (*Still, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.Errorf("cannot decode image %s", path)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "convert image %s", path)
	}
	return NewStill(img), nil
}

// Ready reports whether the image has pixels.
func (s *Still) Ready() bool {
	return s.img != nil && !s.img.Bounds().Empty()
}

// IntrinsicSize returns the image size.
func (s *Still) IntrinsicSize() common.Size {
	if s.img == nil {
		return common.Size{}
	}
	b := s.img.Bounds()
	return common.Size{Width: b.Dx(), Height: b.Dy()}
}

// DisplaySize returns the viewer size, or the image size.
func (s *Still) DisplaySize() common.Size {
	return s.get(s.IntrinsicSize())
}

// Snapshot returns the image. Callers must not modify it.
func (s *Still) Snapshot() (image.Image, error) {
	if !s.Ready() {
		return nil, inference.ErrFrameNotReady
	}
	return s.img, nil
}

// Close does nothing.
func (s *Still) Close() error { return nil }
