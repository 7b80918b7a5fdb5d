package detector

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrActivationCancelled is returned by Activate when Deactivate is called
// while the model is still loading.
var ErrActivationCancelled = errors.New("activation cancelled")

// Default scheduling constants.
const (
	DefaultMinInterval            = 100 * time.Millisecond
	DefaultTickInterval           = 16 * time.Millisecond
	DefaultMaxConsecutiveFailures = 5
)

// Options configures a Scheduler.
type Options struct {
	// Feed names the video feed in logs and metrics.
	Feed string
	// MinInterval is the minimum time between the starts of two passes.
	MinInterval time.Duration
	// TickInterval is the period of the internal tick loop. A negative value
	// disables the loop and the owner calls Tick itself.
	TickInterval time.Duration
	// MaxConsecutiveFailures is the number of inference failures in a row
	// after which the error is reported through LastError.
	MaxConsecutiveFailures int
	Clock                  clock.Clock
	Logger                 *zap.Logger
	Profiler               *profiler.Profiler
}

func (o *Options) defaults() {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.TickInterval == 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Scheduler decides when a detection pass runs and delivers its result.
//
// At most one inference is in flight at any time, including across
// Deactivate and Activate. Results of a pass that started before the last
// Deactivate are dropped.
type Scheduler struct {
	id         string
	opts       Options
	frame      Frame
	renderer   Renderer
	newSession SessionFactory
	pipeline   *Pipeline
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	idle      *sync.Cond
	state     State
	session   ModelSession
	lastErr   error
	gen       uint64
	inFlight  bool
	hasRun    bool
	lastPass  time.Time
	seq       uint64
	current   *common.DetectionSet
	failures  int
	stopLoop  context.CancelFunc
	closed    bool
}

// NewScheduler creates an idle scheduler. The model session is created on
// the first Activate.
//
// Arguments:
//   - frame: The live frame source.
//   - renderer: Receives every delivered set, and Clear on deactivation.
//   - newSession: Creates the model session.
//   - pipeline: The pre and post inference stages.
//   - opts: Scheduling options.
//
// Returns:
//   - *Scheduler: The scheduler in StateIdle.
func NewScheduler(frame Frame, renderer Renderer, newSession SessionFactory, pipeline *Pipeline, opts Options) *Scheduler {
	opts.defaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		id:         id,
		opts:       opts,
		frame:      frame,
		renderer:   renderer,
		newSession: newSession,
		pipeline:   pipeline,
		log:        opts.Logger.Named("scheduler").With(zap.String("feed", opts.Feed), zap.String("instance", id)),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// ID returns the unique instance id of the scheduler.
func (s *Scheduler) ID() string { return s.id }

// Feed returns the feed name.
func (s *Scheduler) Feed() string { return s.opts.Feed }

// Activate turns detection on. The first call creates and loads the model
// session and blocks until the load finishes. Calls while loading or active
// do nothing.
//
// Arguments:
//   - ctx: Cancels the model load.
//
// Returns:
//   - error: The load error, which is also kept for LastError, or
//     ErrActivationCancelled when Deactivate won the race.
func (s *Scheduler) Activate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler closed")
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	if s.session == nil {
		s.session = s.newSession()
	}
	session := s.session
	switch session.State() {
	case inference.SessionFailed:
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			err = errors.Wrap(inference.ErrModelLoad, "session failed")
		}
		return err
	case inference.SessionReady:
		s.startLocked()
		s.mu.Unlock()
		return nil
	}

	s.state = StateLoading
	s.lastErr = nil
	gen := s.gen
	s.mu.Unlock()

	s.log.Info("activating detection")
	err := session.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state != StateLoading {
		if err == nil {
			return ErrActivationCancelled
		}
		if session.State() == inference.SessionFailed {
			s.lastErr = err
		}
		return err
	}
	if err != nil {
		s.state = StateIdle
		if session.State() == inference.SessionFailed {
			s.lastErr = err
			s.log.Error("detection unavailable", zap.Error(err))
		}
		return err
	}
	s.startLocked()
	return nil
}

// startLocked enters StateActive and starts the tick loop.
func (s *Scheduler) startLocked() {
	s.state = StateActive
	s.failures = 0
	s.lastErr = nil
	s.hasRun = false
	s.log.Info("detection active")

	if s.opts.TickInterval < 0 {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopLoop = cancel
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := s.opts.Clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Deactivate turns detection off from any state. The loop stops, any pass
// in flight is discarded when it completes and the renderer is cleared.
func (s *Scheduler) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
	if s.state != StateIdle {
		s.log.Info("detection deactivated", zap.String("from", s.state.String()))
	}
	s.state = StateIdle
	s.current = nil
	s.failures = 0
	if s.session == nil || s.session.State() != inference.SessionFailed {
		s.lastErr = nil
	}
	s.renderer.Clear()
}

// Tick runs one scheduling step. It starts a pass when detection is active,
// no inference is in flight, at least MinInterval passed since the previous
// pass started and the frame is ready. Inference runs on its own goroutine.
//
// Returns:
//   - TickOutcome: What the tick did.
func (s *Scheduler) Tick() TickOutcome {
	outcome := s.tick()
	s.opts.Profiler.RecordEvent("tick_" + outcome.String())
	return outcome
}

func (s *Scheduler) tick() TickOutcome {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	switch {
	case s.state != StateActive:
		s.mu.Unlock()
		return TickInactive
	case s.inFlight:
		s.mu.Unlock()
		return TickBusy
	case s.hasRun && now.Sub(s.lastPass) < s.opts.MinInterval:
		s.mu.Unlock()
		return TickThrottled
	case !s.frame.Ready():
		s.mu.Unlock()
		return TickFrameNotReady
	}
	s.inFlight = true
	gen, session := s.gen, s.session
	s.mu.Unlock()

	pass, err := s.pipeline.Sample(s.frame)
	if err != nil {
		s.mu.Lock()
		s.inFlight = false
		s.idle.Broadcast()
		s.mu.Unlock()
		if errors.Is(err, inference.ErrFrameNotReady) {
			return TickFrameNotReady
		}
		s.log.Debug("frame sample failed", zap.Error(err))
		return TickSampleFailed
	}

	s.mu.Lock()
	s.lastPass = now
	s.hasRun = true
	s.mu.Unlock()

	go s.infer(gen, session, pass)
	return TickStarted
}

func (s *Scheduler) infer(gen uint64, session ModelSession, pass *Pass) {
	stop := s.opts.Profiler.StartOperation(StageInfer)
	raw, err := session.Infer(s.ctx, pass.Input)
	stop()

	var dets []common.Detection
	if err == nil {
		dets, err = s.pipeline.Finish(raw, pass)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	defer s.idle.Broadcast()

	if gen != s.gen || s.state != StateActive {
		s.opts.Profiler.RecordEvent("pass_discarded")
		return
	}

	if err != nil {
		s.failures++
		s.opts.Profiler.RecordEvent("pass_failed")
		if s.failures >= s.opts.MaxConsecutiveFailures {
			if s.failures == s.opts.MaxConsecutiveFailures {
				s.log.Warn("inference failing repeatedly", zap.Int("failures", s.failures), zap.Error(err))
			}
			s.lastErr = err
		} else {
			s.log.Debug("inference failed", zap.Error(err))
		}
		return
	}

	s.failures = 0
	s.lastErr = nil
	if dets == nil {
		dets = []common.Detection{}
	}
	s.seq++
	set := common.DetectionSet{
		Seq:        s.seq,
		Space:      common.SpaceDisplay,
		Width:      pass.Display.Width,
		Height:     pass.Display.Height,
		Detections: dets,
		CreatedAt:  s.opts.Clock.Now(),
	}
	s.current = &set
	s.opts.Profiler.RecordEvent("pass_delivered")
	s.renderer.Render(set)
}

// Wait blocks until no inference is in flight.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inFlight {
		s.idle.Wait()
	}
}

// RetryLoad drops a failed model session so that the next Activate creates
// a new one. It does nothing unless the session failed.
func (s *Scheduler) RetryLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.session == nil || s.session.State() != inference.SessionFailed {
		return
	}
	_ = s.session.Close()
	s.session = nil
	s.lastErr = nil
	s.log.Info("failed session discarded")
}

// Close deactivates the scheduler, waits for the pass in flight and
// releases the model session.
func (s *Scheduler) Close() error {
	s.Deactivate()
	s.cancel()
	s.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// State returns the scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the observable detection status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	switch s.state {
	case StateLoading:
		return StatusLoading
	case StateActive:
		return StatusActive
	}
	if s.session == nil {
		return StatusUnloaded
	}
	switch s.session.State() {
	case inference.SessionFailed:
		return StatusFailed
	case inference.SessionReady:
		return StatusIdle
	default:
		return StatusUnloaded
	}
}

// LastError returns the message of the last user-visible error, or "".
func (s *Scheduler) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.Error()
}

// Current returns the most recently delivered set of the current activation.
func (s *Scheduler) Current() (common.DetectionSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return common.DetectionSet{}, false
	}
	return *s.current, true
}

// Report is a point-in-time view of a scheduler.
type Report struct {
	Feed       string    `json:"feed"`
	Instance   string    `json:"instance"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	InFlight   bool      `json:"inFlight"`
	LastPassAt time.Time `json:"lastPassAt,omitempty"`
	Seq        uint64    `json:"seq"`
	Detections int       `json:"detections"`
}

// Report returns the scheduler's current report.
func (s *Scheduler) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		Feed:     s.opts.Feed,
		Instance: s.id,
		Status:   s.statusLocked(),
		InFlight: s.inFlight,
		Seq:      s.seq,
	}
	if s.lastErr != nil {
		r.Error = s.lastErr.Error()
	}
	if s.hasRun {
		r.LastPassAt = s.lastPass
	}
	if s.current != nil {
		r.Detections = len(s.current.Detections)
	}
	return r
}
