package video

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestStill(t *testing.T) {
	s := NewStill(solid(40, 20, color.RGBA{10, 20, 30, 255}))
	assert.True(t, s.Ready())
	assert.Equal(t, common.Size{Width: 40, Height: 20}, s.IntrinsicSize())
	assert.Equal(t, common.Size{Width: 40, Height: 20}, s.DisplaySize())

	s.SetDisplaySize(common.Size{Width: 80, Height: 40})
	assert.Equal(t, common.Size{Width: 80, Height: 40}, s.DisplaySize())

	img, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())

	empty := NewStill(nil)
	assert.False(t, empty.Ready())
	_, err = empty.Snapshot()
	assert.ErrorIs(t, err, inference.ErrFrameNotReady)
}

func TestSequence(t *testing.T) {
	frames := []util.ImageFile{
		{Path: "frame-1.png", Frame: 1, Data: encodePNG(t, solid(8, 4, color.RGBA{255, 0, 0, 255}))},
		{Path: "frame-2.png", Frame: 2, Data: encodePNG(t, solid(16, 8, color.RGBA{0, 0, 255, 255}))},
	}

	s, err := NewSequence(frames, false)
	require.NoError(t, err)
	assert.True(t, s.Ready())
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, common.Size{Width: 8, Height: 4}, s.IntrinsicSize())

	img, err := s.Snapshot()
	require.NoError(t, err)
	r, _, b, _ := img.At(1, 1).RGBA()
	assert.Greater(t, r, b)

	more, err := s.Next()
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 1, s.Index())
	assert.Equal(t, common.Size{Width: 16, Height: 8}, s.DisplaySize())

	more, err = s.Next()
	require.NoError(t, err)
	assert.False(t, more, "a non-looping sequence stops at the last frame")
	assert.Equal(t, 1, s.Index())
}

func TestSequenceLoopsAndSurvivesBadFrames(t *testing.T) {
	frames := []util.ImageFile{
		{Path: "frame-1.png", Frame: 1, Data: encodePNG(t, solid(8, 4, color.RGBA{255, 0, 0, 255}))},
		{Path: "frame-2.png", Frame: 2, Data: []byte("not an image")},
	}
	s, err := NewSequence(frames, true)
	require.NoError(t, err)

	_, err = s.Next()
	assert.Error(t, err)
	assert.False(t, s.Ready())

	more, err := s.Next()
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, 0, s.Index())
	assert.True(t, s.Ready())

	_, err = NewSequence(nil, true)
	assert.Error(t, err)
}

func TestParseSource(t *testing.T) {
	assert.Equal(t, 0, ParseSource("0"))
	assert.Equal(t, 2, ParseSource("2"))
	assert.Equal(t, "clip.mp4", ParseSource("clip.mp4"))
	assert.Equal(t, "https://stream.mux.com/abc.m3u8", ParseSource("https://stream.mux.com/abc.m3u8"))
}

func TestRewindsBackOffAndGiveUp(t *testing.T) {
	r := rewinds{max: 3}

	wait, stop := r.fail()
	assert.False(t, wait, "end of file rewinds at once")
	assert.False(t, stop)

	for i := 0; i < 3; i++ {
		wait, stop = r.fail()
		assert.True(t, wait, "a rewind without a frame waits, attempt %d", i)
		assert.False(t, stop)
	}

	wait, stop = r.fail()
	assert.True(t, wait)
	assert.True(t, stop, "stops after max empty rewinds")

	r.reset()
	wait, stop = r.fail()
	assert.False(t, wait, "a decoded frame starts a new run")
	assert.False(t, stop)
}

func TestMuxURLs(t *testing.T) {
	assert.Equal(t, "https://stream.mux.com/a1B2c3.m3u8", MuxPlaybackURL("a1B2c3"))
	assert.Equal(t, "", MuxPlaybackURL("  "))
	assert.Equal(t, "rtmp://global-live.mux.com:5222/app/key-123", MuxIngestURL("key-123"))
	assert.Equal(t, "", MuxIngestURL(""))
}

func TestAnnotate(t *testing.T) {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 200, gocv.MatTypeCV8UC3)
	defer mat.Close()

	set := common.DetectionSet{
		Width:  100,
		Height: 50,
		Detections: []common.Detection{{
			Box:   common.Box{X1: 10, Y1: 20, X2: 50, Y2: 45},
			Score: 0.9,
			Label: "drone",
		}},
	}
	Annotate(&mat, set)

	// The display canvas is half the frame, so the left edge lands at x=20.
	edge := mat.GetVecbAt(60, 20)
	center := mat.GetVecbAt(70, 60)
	assert.NotZero(t, int(edge[0])+int(edge[1])+int(edge[2]))
	assert.Zero(t, int(center[0])+int(center[1])+int(center[2]))
}
