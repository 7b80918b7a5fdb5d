// Package detector - Scheduling of periodic detection passes over a live frame source.
package detector

import (
	"context"
	"image"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
)

// Frame is a live video source. Sizes and pixels are read only when a pass
// samples the frame, never cached across ticks.
type Frame interface {
	// Ready reports whether a decodable frame is available.
	Ready() bool
	// IntrinsicSize is the native resolution of the video.
	IntrinsicSize() common.Size
	// DisplaySize is the on-screen size the overlay is drawn at.
	DisplaySize() common.Size
	// Snapshot copies the current frame.
	Snapshot() (image.Image, error)
}

// Renderer presents detection sets. Render replaces everything previously
// shown; Clear removes it.
type Renderer interface {
	Render(set common.DetectionSet)
	Clear()
}

// ModelSession runs the detection model. *inference.Session implements it.
type ModelSession interface {
	Load(ctx context.Context) error
	Infer(ctx context.Context, input *inference.Tensor) (*inference.RawOutput, error)
	State() inference.SessionState
	Close() error
}

// SessionFactory creates a new, unloaded model session.
type SessionFactory func() ModelSession

// State is the scheduler state.
type State int

const (
	// StateIdle means detection is off.
	StateIdle State = iota
	// StateLoading means the model is being loaded.
	StateLoading
	// StateActive means passes run on ticks.
	StateActive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Status is the externally observable detection status.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusActive   Status = "active"
	StatusFailed   Status = "failed"
	// StatusIdle means the model is loaded but detection is switched off.
	StatusIdle Status = "idle"
)

// TickOutcome is what a single tick did.
type TickOutcome int

const (
	TickInactive TickOutcome = iota
	TickThrottled
	TickBusy
	TickFrameNotReady
	TickSampleFailed
	TickStarted
)

// String returns the outcome name used for logs and metrics.
func (o TickOutcome) String() string {
	switch o {
	case TickInactive:
		return "inactive"
	case TickThrottled:
		return "throttled"
	case TickBusy:
		return "busy"
	case TickFrameNotReady:
		return "frame_not_ready"
	case TickSampleFailed:
		return "sample_failed"
	case TickStarted:
		return "started"
	default:
		return "unknown"
	}
}
