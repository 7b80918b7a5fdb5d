package render

import (
	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/detector"
)

// Multi fans every call out to each renderer in order.
type Multi []detector.Renderer

// Render forwards set to every renderer.
func (m Multi) Render(set common.DetectionSet) {
	for _, r := range m {
		r.Render(set)
	}
}

// Clear clears every renderer.
func (m Multi) Clear() {
	for _, r := range m {
		r.Clear()
	}
}
