// Package render - Overlay renderers for detection sets.
package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nvr-ai/dronewatch/common"
	"github.com/pkg/errors"
)

// ErrNoOverlay is returned by Canvas.PNG when nothing is shown.
var ErrNoOverlay = errors.New("no overlay")

// Default drawing constants.
const (
	DefaultLineWidth    = 2.0
	DefaultLabelPadding = 3.0
)

// ClassColor returns the box color of a class: hue (classID*41) mod 360 at
// 70% saturation and 50% lightness.
func ClassColor(classID int) color.Color {
	hue := (classID*41%360 + 360) % 360
	return colorful.Hsl(float64(hue), 0.7, 0.5)
}

// LabelText returns the caption drawn above a box, e.g. "drone (87.5%)".
func LabelText(d common.Detection) string {
	return fmt.Sprintf("%s (%.1f%%)", d.Label, d.Score*100)
}

// Canvas draws detection sets onto a transparent overlay the size of the
// display canvas. Each Render draws into a fresh image and swaps it in, so
// readers never observe a partially drawn overlay.
type Canvas struct {
	LineWidth float64

	mu      sync.RWMutex
	dc      *gg.Context
	seq     uint64
	visible bool
}

// NewCanvas creates an empty canvas.
func NewCanvas() *Canvas {
	return &Canvas{LineWidth: DefaultLineWidth}
}

// Render replaces the overlay with set. A set without a size clears it.
func (c *Canvas) Render(set common.DetectionSet) {
	if set.Width <= 0 || set.Height <= 0 {
		c.Clear()
		return
	}
	dc := Draw(set, c.LineWidth)

	c.mu.Lock()
	c.dc = dc
	c.seq = set.Seq
	c.visible = true
	c.mu.Unlock()
}

// Clear removes the overlay.
func (c *Canvas) Clear() {
	c.mu.Lock()
	c.dc = nil
	c.visible = false
	c.mu.Unlock()
}

// Image returns the current overlay, or nil when nothing is shown.
func (c *Canvas) Image() image.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.visible {
		return nil
	}
	return c.dc.Image()
}

// Seq returns the sequence number of the shown set and whether one is shown.
func (c *Canvas) Seq() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq, c.visible
}

// PNG encodes the current overlay.
//
// Arguments:
//   - w: The destination.
//
// Returns:
//   - error: ErrNoOverlay when nothing is shown, or the encoding error.
func (c *Canvas) PNG(w io.Writer) error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if dc == nil {
		return ErrNoOverlay
	}
	return errors.Wrap(dc.EncodePNG(w), "encode overlay")
}

// Draw renders set onto a new transparent context of the set's size. Each
// box is stroked in its class color with its caption on a filled band above
// it, or inside the box when there is no room above.
//
// Arguments:
//   - set: The detections in display coordinates.
//   - lineWidth: The box stroke width in pixels.
//
// Returns:
//   - *gg.Context: The drawn context.
func Draw(set common.DetectionSet, lineWidth float64) *gg.Context {
	dc := gg.NewContextForRGBA(image.NewRGBA(image.Rect(0, 0, set.Width, set.Height)))
	if lineWidth <= 0 {
		lineWidth = DefaultLineWidth
	}

	for _, d := range set.Detections {
		col := ClassColor(d.ClassID)
		x1, y1 := float64(d.Box.X1), float64(d.Box.Y1)
		w, h := float64(d.Box.Width()), float64(d.Box.Height())

		dc.SetColor(col)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(x1, y1, w, h)
		dc.Stroke()

		label := LabelText(d)
		tw, th := dc.MeasureString(label)
		bandH := th + 2*DefaultLabelPadding
		top := y1 - bandH
		if top < 0 {
			top = y1
		}
		dc.SetColor(col)
		dc.DrawRectangle(x1, top, tw+2*DefaultLabelPadding, bandH)
		dc.Fill()

		dc.SetColor(color.White)
		dc.DrawStringAnchored(label, x1+DefaultLabelPadding, top+bandH/2, 0, 0.35)
	}
	return dc
}
