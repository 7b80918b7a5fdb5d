package video

import (
	"context"
	"image"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DefaultReconnectDelay is the pause before reopening a failed stream.
const DefaultReconnectDelay = 2 * time.Second

// DefaultMaxEmptyRewinds is the number of rewinds in a row without a frame
// after which a looping file is abandoned.
const DefaultMaxEmptyRewinds = 5

// CaptureOptions configures a Capture.
type CaptureOptions struct {
	// Loop rewinds file sources when they end.
	Loop bool
	// ReconnectDelay is the pause before reopening a stream that stopped.
	ReconnectDelay time.Duration
	// MaxEmptyRewinds stops a looping file whose rewinds keep producing no
	// frame. Zero means DefaultMaxEmptyRewinds.
	MaxEmptyRewinds int
	Logger          *zap.Logger
}

// rewinds tracks consecutive failed reads of a looping file.
type rewinds struct {
	failed int
	max    int
}

// fail records a failed read. The first failure is an ordinary end of file
// and rewinds at once; later ones mean the rewind produced nothing, so the
// caller waits before trying again and stops after max failures.
func (r *rewinds) fail() (wait, stop bool) {
	r.failed++
	return r.failed > 1, r.failed > r.max
}

func (r *rewinds) reset() { r.failed = 0 }

// ParseSource turns a source string into a gocv capture argument: an
// integer selects a local device, anything else is a path or URL.
func ParseSource(source string) interface{} {
	if id, err := strconv.Atoi(source); err == nil {
		return id
	}
	return source
}

// Capture decodes a video source on its own goroutine and keeps the latest
// frame. Reading never blocks on the decoder.
type Capture struct {
	display

	source string
	isFile bool
	opts   CaptureOptions
	log    *zap.Logger

	mu       sync.RWMutex
	latest   gocv.Mat
	hasFrame bool
	frames   uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenCapture opens source and starts decoding.
//
// Arguments:
//   - source: A device index, file path or stream URL.
//   - opts: Capture options.
//
// Returns:
//   - *Capture: The running capture.
//   - error: An error if the source cannot be opened.
func OpenCapture(source string, opts CaptureOptions) (*Capture, error) {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxEmptyRewinds <= 0 {
		opts.MaxEmptyRewinds = DefaultMaxEmptyRewinds
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	vc, err := gocv.OpenVideoCapture(ParseSource(source))
	if err != nil {
		return nil, errors.Wrapf(err, "open video source %s", source)
	}

	_, statErr := os.Stat(source)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Capture{
		source: source,
		isFile: statErr == nil,
		opts:   opts,
		log:    opts.Logger.Named("capture").With(zap.String("source", source)),
		latest: gocv.NewMat(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx, vc)
	return c, nil
}

func (c *Capture) run(ctx context.Context, vc *gocv.VideoCapture) {
	defer close(c.done)
	buf := gocv.NewMat()
	defer buf.Close()
	defer func() {
		if vc != nil {
			_ = vc.Close()
		}
	}()

	var pace time.Duration
	if fps := vc.Get(gocv.VideoCaptureFPS); c.isFile && fps > 0 {
		pace = time.Duration(float64(time.Second) / fps)
	}
	loop := rewinds{max: c.opts.MaxEmptyRewinds}

	for ctx.Err() == nil {
		if vc == nil {
			if !sleep(ctx, c.opts.ReconnectDelay) {
				return
			}
			next, err := gocv.OpenVideoCapture(ParseSource(c.source))
			if err != nil {
				c.log.Warn("reopen video source", zap.Error(err))
				continue
			}
			vc = next
		}

		start := time.Now()
		if ok := vc.Read(&buf); !ok || buf.Empty() {
			switch {
			case c.isFile && c.opts.Loop:
				wait, stop := loop.fail()
				if stop {
					c.log.Error("video file yields no frames, giving up", zap.Int("rewinds", loop.failed-1))
					return
				}
				if wait && !sleep(ctx, c.opts.ReconnectDelay) {
					return
				}
				vc.Set(gocv.VideoCapturePosFrames, 0)
			case c.isFile:
				c.log.Info("end of video")
				return
			default:
				c.log.Warn("video stream stopped, reconnecting", zap.Duration("delay", c.opts.ReconnectDelay))
				_ = vc.Close()
				vc = nil
			}
			continue
		}
		loop.reset()

		c.mu.Lock()
		err := buf.CopyTo(&c.latest)
		if err == nil {
			c.hasFrame = true
			c.frames++
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Debug("copy frame", zap.Error(err))
		}

		if pace > 0 && !sleep(ctx, pace-time.Since(start)) {
			return
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether ctx is alive.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Ready reports whether a frame has been decoded.
func (c *Capture) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasFrame && !c.latest.Empty()
}

// IntrinsicSize returns the size of the latest frame.
func (c *Capture) IntrinsicSize() common.Size {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasFrame {
		return common.Size{}
	}
	return common.Size{Width: c.latest.Cols(), Height: c.latest.Rows()}
}

// DisplaySize returns the viewer size, or the frame size.
func (c *Capture) DisplaySize() common.Size {
	return c.get(c.IntrinsicSize())
}

// Frames returns the number of frames decoded so far.
func (c *Capture) Frames() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

// Snapshot copies the latest frame into an image.
func (c *Capture) Snapshot() (image.Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasFrame || c.latest.Empty() {
		return nil, inference.ErrFrameNotReady
	}
	img, err := c.latest.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "convert frame")
	}
	return img, nil
}

// Latest copies the latest frame into dst for local display.
//
// Returns:
//   - bool: False when no frame is available yet.
func (c *Capture) Latest(dst *gocv.Mat) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasFrame {
		return false
	}
	return c.latest.CopyTo(dst) == nil
}

// Close stops decoding and releases the source.
func (c *Capture) Close() error {
	c.cancel()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasFrame = false
	return c.latest.Close()
}
