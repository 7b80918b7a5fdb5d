package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	out      *RawOutput
	err      error
	closed   bool
	runCalls int32
}

func (m *mockBackend) Run(ctx context.Context, input *Tensor) (*RawOutput, error) {
	atomic.AddInt32(&m.runCalls, 1)
	return m.out, m.err
}

func (m *mockBackend) Close() error {
	m.closed = true
	return nil
}

func TestSessionLoad(t *testing.T) {
	tests := []struct {
		name      string
		openErr   error
		wantState SessionState
		wantKind  error
	}{
		{name: "successful load", wantState: SessionReady},
		{name: "failed load", openErr: errors.New("corrupt model"), wantState: SessionFailed, wantKind: ErrModelLoad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opens int32
			s := NewSession(func(ctx context.Context) (Backend, error) {
				atomic.AddInt32(&opens, 1)
				if tt.openErr != nil {
					return nil, tt.openErr
				}
				return &mockBackend{}, nil
			}, nil)

			assert.Equal(t, SessionUnloaded, s.State())
			err := s.Load(context.Background())
			assert.Equal(t, tt.wantState, s.State())
			if tt.wantKind != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantKind))
				assert.True(t, errors.Is(err, tt.openErr))
				assert.Equal(t, err, s.Err())
			} else {
				require.NoError(t, err)
			}

			// A second Load never reopens the model.
			err2 := s.Load(context.Background())
			assert.Equal(t, err, err2)
			assert.Equal(t, int32(1), atomic.LoadInt32(&opens))
		})
	}
}

func TestSessionConcurrentLoadSharesOneOpen(t *testing.T) {
	release := make(chan struct{})
	var opens int32
	s := NewSession(func(ctx context.Context) (Backend, error) {
		atomic.AddInt32(&opens, 1)
		<-release
		return &mockBackend{}, nil
	}, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Load(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return s.State() == SessionLoading }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&opens))
	assert.Equal(t, SessionReady, s.State())
}

func TestSessionLoadCancelledReturnsToUnloaded(t *testing.T) {
	s := NewSession(func(ctx context.Context) (Backend, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Load(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, SessionUnloaded, s.State())
	assert.NoError(t, s.Err())
}

func TestSessionInfer(t *testing.T) {
	out, err := NewRawOutput(make([]float32, 5*2), 5, 2)
	require.NoError(t, err)

	t.Run("before load", func(t *testing.T) {
		s := NewSession(func(ctx context.Context) (Backend, error) { return &mockBackend{}, nil }, nil)
		_, err := s.Infer(context.Background(), NewTensor(4))
		assert.True(t, errors.Is(err, ErrInference))
		assert.True(t, errors.Is(err, ErrSessionNotReady))
	})

	t.Run("success", func(t *testing.T) {
		b := &mockBackend{out: out}
		s := NewSession(func(ctx context.Context) (Backend, error) { return b, nil }, nil)
		require.NoError(t, s.Load(context.Background()))

		got, err := s.Infer(context.Background(), NewTensor(4))
		require.NoError(t, err)
		assert.Same(t, out, got)
	})

	t.Run("backend failure is wrapped and not retried", func(t *testing.T) {
		cause := errors.New("device lost")
		b := &mockBackend{err: cause}
		s := NewSession(func(ctx context.Context) (Backend, error) { return b, nil }, nil)
		require.NoError(t, s.Load(context.Background()))

		_, err := s.Infer(context.Background(), NewTensor(4))
		assert.True(t, errors.Is(err, ErrInference))
		assert.True(t, errors.Is(err, cause))
		assert.Equal(t, int32(1), atomic.LoadInt32(&b.runCalls))
		assert.Equal(t, SessionReady, s.State())
	})

	t.Run("nil tensor", func(t *testing.T) {
		s := NewSession(func(ctx context.Context) (Backend, error) { return &mockBackend{}, nil }, nil)
		require.NoError(t, s.Load(context.Background()))
		_, err := s.Infer(context.Background(), nil)
		assert.True(t, errors.Is(err, ErrInference))
	})
}

func TestSessionClose(t *testing.T) {
	b := &mockBackend{}
	s := NewSession(func(ctx context.Context) (Backend, error) { return b, nil }, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.Close())
	assert.True(t, b.closed)
	assert.Equal(t, SessionUnloaded, s.State())
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "unloaded", SessionUnloaded.String())
	assert.Equal(t, "loading", SessionLoading.String())
	assert.Equal(t, "ready", SessionReady.String())
	assert.Equal(t, "failed", SessionFailed.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
