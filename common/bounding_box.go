// Package common - Shared detection geometry and result types.
package common

import (
	"fmt"
	"image"
	"time"

	"github.com/chewxy/math32"
)

// Space identifies the coordinate system a box is expressed in.
type Space int

const (
	// SpaceModel is the S×S model-input canvas.
	SpaceModel Space = iota
	// SpaceDisplay is the on-screen pixel canvas of the video element.
	SpaceDisplay
)

// String returns the name of the space.
func (s Space) String() string {
	switch s {
	case SpaceModel:
		return "model"
	case SpaceDisplay:
		return "display"
	default:
		return fmt.Sprintf("space(%d)", int(s))
	}
}

// Box is an axis-aligned box in corner form.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box, never negative.
func (b Box) Width() float32 {
	return math32.Max(0, b.X2-b.X1)
}

// Height returns the vertical extent of the box, never negative.
func (b Box) Height() float32 {
	return math32.Max(0, b.Y2-b.Y1)
}

// Area returns the area of the box.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Intersection calculates the overlapping area between two boxes.
//
// Arguments:
//   - other: The box to intersect with.
//
// Returns:
//   - float32: The overlap area, 0 when the boxes are disjoint.
func (b Box) Intersection(other Box) float32 {
	w := math32.Max(0, math32.Min(b.X2, other.X2)-math32.Max(b.X1, other.X1))
	h := math32.Max(0, math32.Min(b.Y2, other.Y2)-math32.Max(b.Y1, other.Y1))
	return w * h
}

// IoU calculates the Intersection over Union between two boxes.
//
// IoU(b, b) is 1 for any box with positive area. A zero-area box has a zero
// union with itself and yields 0, so it never suppresses anything.
//
// Arguments:
//   - other: The box to compare against.
//
// Returns:
//   - float32: A value in [0, 1]. Disjoint boxes and boxes with a zero union yield exactly 0.
func (b Box) IoU(other Box) float32 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
func (b Box) Scale(sx, sy float32) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// ToRect converts the box to an integral image.Rectangle.
func (b Box) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// Detection is a single object found in a frame.
type Detection struct {
	Box     Box     `json:"box"`
	Score   float32 `json:"score"`
	ClassID int     `json:"classId"`
	Label   string  `json:"label"`
}

// String formats the detection for logs.
func (d Detection) String() string {
	return fmt.Sprintf("%s (%.1f%%): (%.1f, %.1f), (%.1f, %.1f)",
		d.Label, d.Score*100, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
}

// DetectionSet is the complete result of one detection pass. It is replaced
// wholesale, never merged.
type DetectionSet struct {
	// Seq increases with every delivered set of a scheduler.
	Seq        uint64      `json:"seq"`
	Space      Space       `json:"space"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Empty reports whether the set holds no detections.
func (s DetectionSet) Empty() bool {
	return len(s.Detections) == 0
}
