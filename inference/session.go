// Package inference - Model sessions, input tensors and preprocessing.
package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionUnloaded means no load has been attempted, or the last one was cancelled.
	SessionUnloaded SessionState = iota
	// SessionLoading means a load is in progress.
	SessionLoading
	// SessionReady means the model is loaded and Infer may be called.
	SessionReady
	// SessionFailed means the load failed. The session cannot recover.
	SessionFailed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionUnloaded:
		return "unloaded"
	case SessionLoading:
		return "loading"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backend runs a loaded model.
type Backend interface {
	// Run executes the model on one input tensor. The returned output must not
	// alias memory that a later Run overwrites.
	Run(ctx context.Context, input *Tensor) (*RawOutput, error)
	// Close releases the native resources of the backend.
	Close() error
}

// Opener loads a model and returns a backend ready to run it.
type Opener func(ctx context.Context) (Backend, error)

// Session owns one loaded model for the lifetime of a detector. Load is
// idempotent and concurrent callers share a single in-progress load.
type Session struct {
	open   Opener
	logger *zap.Logger

	mu      sync.Mutex
	state   SessionState
	err     error
	backend Backend
	done    chan struct{}
}

// NewSession creates an unloaded session.
//
// Arguments:
//   - open: The function that loads the model.
//   - logger: The logger, nil for a no-op logger.
//
// Returns:
//   - *Session: The session in the unloaded state.
func NewSession(open Opener, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{open: open, logger: logger.Named("session")}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the load error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Load brings the session to the ready state.
//
// A ready session returns nil immediately. A loading session waits for the
// load in progress. A failed session returns its stored error without
// retrying. A load interrupted by ctx returns the session to unloaded.
//
// Arguments:
//   - ctx: Cancels the load, or the wait for a load started by another caller.
//
// Returns:
//   - error: nil when ready, an ErrModelLoad error when the load failed.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionReady:
		s.mu.Unlock()
		return nil
	case SessionFailed:
		err := s.err
		s.mu.Unlock()
		return err
	case SessionLoading:
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.Load(ctx)
	}

	s.state = SessionLoading
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("loading model")
	backend, err := s.open(ctx)

	s.mu.Lock()
	defer func() {
		close(done)
		s.mu.Unlock()
	}()

	switch {
	case err == nil:
		s.state = SessionReady
		s.backend = backend
		s.logger.Info("model ready")
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		s.state = SessionUnloaded
		s.logger.Info("model load cancelled")
		return err
	default:
		if !errors.Is(err, ErrModelLoad) {
			err = wrapKind(ErrModelLoad, err, "")
		}
		s.state = SessionFailed
		s.err = err
		s.logger.Error("model load failed", zap.Error(err))
		return err
	}
}

// Infer runs one inference.
//
// Arguments:
//   - ctx: The context for the call.
//   - input: The tensor produced by a Preprocessor.
//
// Returns:
//   - *RawOutput: The model output, owned by the caller.
//   - error: An ErrInference error. Failures are never retried here.
func (s *Session) Infer(ctx context.Context, input *Tensor) (*RawOutput, error) {
	s.mu.Lock()
	state, backend := s.state, s.backend
	s.mu.Unlock()

	if state != SessionReady {
		return nil, wrapKind(ErrInference, ErrSessionNotReady, "session "+state.String())
	}
	if input == nil {
		return nil, errors.Wrap(ErrInference, "nil input tensor")
	}

	out, err := backend.Run(ctx, input)
	if err != nil {
		if errors.Is(err, ErrInference) {
			return nil, err
		}
		return nil, wrapKind(ErrInference, err, "")
	}
	return out, nil
}

// Close releases the backend. A closed session reports unloaded.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	if s.state == SessionReady {
		s.state = SessionUnloaded
	}
	return err
}
