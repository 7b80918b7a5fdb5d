package postprocess

import (
	"github.com/nvr-ai/dronewatch/common"
)

// Mapper converts boxes between the S×S model-input canvas and the display
// canvas. The x and y ratios are independent, matching the non-letterboxed
// resize done before inference.
type Mapper struct {
	InputSize int
}

// NewMapper creates a mapper for an S×S model.
func NewMapper(inputSize int) Mapper {
	return Mapper{InputSize: inputSize}
}

func (m Mapper) ratios(width, height int) (float32, float32) {
	s := float32(m.InputSize)
	return float32(width) / s, float32(height) / s
}

// ToDisplay scales detections from model space into a width×height display
// canvas. The slice is updated in place and returned.
//
// Arguments:
//   - detections: Detections in model-input coordinates.
//   - width: The display width in pixels.
//   - height: The display height in pixels.
//
// Returns:
//   - []common.Detection: The same slice, in display coordinates.
func (m Mapper) ToDisplay(detections []common.Detection, width, height int) []common.Detection {
	sx, sy := m.ratios(width, height)
	for i := range detections {
		detections[i].Box = detections[i].Box.Scale(sx, sy)
	}
	return detections
}

// ToModel is the inverse of ToDisplay.
func (m Mapper) ToModel(detections []common.Detection, width, height int) []common.Detection {
	sx, sy := m.ratios(width, height)
	if sx == 0 || sy == 0 {
		return detections
	}
	for i := range detections {
		detections[i].Box = detections[i].Box.Scale(1/sx, 1/sy)
	}
	return detections
}
