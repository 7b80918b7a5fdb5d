package video

import (
	"image"
	"sync"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/util"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Sequence replays recorded frames. The current frame only changes on Next,
// so a pass always sees the frame that was showing when it sampled.
type Sequence struct {
	display

	mu      sync.Mutex
	frames  []util.ImageFile
	index   int
	decoded image.Image
	size    common.Size
	loop    bool
}

// OpenSequence loads the frames of a directory.
//
// Arguments:
//   - dir: A directory of frame images.
//   - loop: Whether Next wraps to the first frame after the last.
//
// Returns:
//   - *Sequence: The sequence positioned at the first frame.
//   - error: An error if no frame can be loaded.
func OpenSequence(dir string, loop bool) (*Sequence, error) {
	frames, err := util.LoadDirectoryImageFiles(dir)
	if err != nil {
		return nil, err
	}
	return NewSequence(frames, loop)
}

// NewSequence creates a sequence over encoded frames.
func NewSequence(frames []util.ImageFile, loop bool) (*Sequence, error) {
	if len(frames) == 0 {
		return nil, errors.New("empty frame sequence")
	}
	s := &Sequence{frames: frames, loop: loop}
	if err := s.decodeLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sequence) decodeLocked() error {
	f := s.frames[s.index]
	mat, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
	if err != nil {
		return errors.Wrapf(err, "decode %s", f.Path)
	}
	defer mat.Close()
	if mat.Empty() {
		return errors.Errorf("decode %s: empty image", f.Path)
	}
	img, err := mat.ToImage()
	if err != nil {
		return errors.Wrapf(err, "convert %s", f.Path)
	}
	s.decoded = img
	s.size = common.Size{Width: mat.Cols(), Height: mat.Rows()}
	return nil
}

// Next advances to the following frame.
//
// Returns:
//   - bool: False when the sequence ended and does not loop.
//   - error: A decoding error. The sequence stays on the failed frame and
//     reports not ready until the next successful Next.
func (s *Sequence) Next() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index+1 >= len(s.frames) {
		if !s.loop {
			return false, nil
		}
		s.index = 0
	} else {
		s.index++
	}
	if err := s.decodeLocked(); err != nil {
		s.decoded = nil
		return true, err
	}
	return true, nil
}

// Index returns the position of the current frame.
func (s *Sequence) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Len returns the number of frames.
func (s *Sequence) Len() int { return len(s.frames) }

// Ready reports whether the current frame decoded.
func (s *Sequence) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoded != nil
}

// IntrinsicSize returns the size of the current frame.
func (s *Sequence) IntrinsicSize() common.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// DisplaySize returns the viewer size, or the frame size.
func (s *Sequence) DisplaySize() common.Size {
	return s.get(s.IntrinsicSize())
}

// Snapshot returns the current frame.
func (s *Sequence) Snapshot() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoded == nil {
		return nil, inference.ErrFrameNotReady
	}
	return s.decoded, nil
}

// Close does nothing.
func (s *Sequence) Close() error { return nil }
