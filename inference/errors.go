package inference

import "github.com/pkg/errors"

var (
	// ErrModelLoad is returned when a model cannot be fetched, parsed or
	// initialized. It is terminal for the session that produced it.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference is returned when a single inference call fails.
	ErrInference = errors.New("inference failed")
	// ErrFrameNotReady is returned by frame sources that have no decodable
	// frame yet.
	ErrFrameNotReady = errors.New("frame not ready")
	// ErrSessionNotReady is returned when Infer is called before Load completed.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrMalformedOutput is returned when a model output does not match the
	// expected layout.
	ErrMalformedOutput = errors.New("malformed model output")
)

// wrapped joins a sentinel with the underlying cause so that errors.Is
// matches both.
type wrapped struct {
	kind  error
	cause error
	msg   string
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.kind.Error() + ": " + w.cause.Error()
	}
	return w.kind.Error() + ": " + w.msg + ": " + w.cause.Error()
}

func (w *wrapped) Is(target error) bool { return target == w.kind }

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Cause() error { return w.cause }

// wrapKind annotates cause with a sentinel kind and an optional message.
func wrapKind(kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &wrapped{kind: kind, cause: cause, msg: msg}
}
