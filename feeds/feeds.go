// Package feeds - One detection pipeline per configured drone feed.
package feeds

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/config"
	"github.com/nvr-ai/dronewatch/detector"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/models"
	"github.com/nvr-ai/dronewatch/profiler"
	"github.com/nvr-ai/dronewatch/render"
	"github.com/nvr-ai/dronewatch/util"
	"github.com/nvr-ai/dronewatch/video"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultFrameInterval paces frame-directory playback.
const DefaultFrameInterval = 100 * time.Millisecond

// SourceOpener opens the frame source of a feed.
type SourceOpener func(fc config.FeedConfig, logger *zap.Logger) (video.Source, error)

// SessionFactoryFor returns the model session factory of a feed.
type SessionFactoryFor func(feedID string) detector.SessionFactory

// Feed is a configured drone feed with its pipeline.
type Feed struct {
	Config    config.FeedConfig
	Source    video.Source
	Canvas    *render.Canvas
	Overlay   *render.Broadcaster
	Scheduler *detector.Scheduler
	Profiler  *profiler.Profiler

	stopPlayer context.CancelFunc
	playerDone chan struct{}
}

// Name returns the display name, falling back to the id.
func (f *Feed) Name() string {
	if f.Config.Name != "" {
		return f.Config.Name
	}
	return f.Config.ID
}

// PlaybackURL returns the URL viewers watch the feed at.
func (f *Feed) PlaybackURL() string {
	if u := video.MuxPlaybackURL(f.Config.PlaybackID); u != "" {
		return u
	}
	return f.Config.Source
}

// IngestURL returns the RTMP URL the drone publishes to, or "".
func (f *Feed) IngestURL() string {
	return video.MuxIngestURL(f.Config.RTMPKey)
}

// SetDisplaySize records the viewer's display size. Passes that start
// afterwards map detections into it.
func (f *Feed) SetDisplaySize(size common.Size) {
	f.Source.SetDisplaySize(size)
}

// Options are the shared dependencies of every feed.
type Options struct {
	// OpenSource opens feed sources, nil for OpenSource.
	OpenSource SourceOpener
	// Sessions creates model sessions, nil for ONNX sessions from the config.
	Sessions   SessionFactoryFor
	Collectors *profiler.Collectors
	Clock      clock.Clock
	Logger     *zap.Logger
	// TickInterval overrides the configured tick interval, negative when the
	// caller drives Tick itself.
	TickInterval time.Duration
}

// Registry owns every feed.
type Registry struct {
	log   *zap.Logger
	feeds []*Feed
	byID  map[string]*Feed

	closeOnce sync.Once
}

// New builds a feed for every configured feed. Sources are opened
// immediately; models are loaded on first activation.
//
// Arguments:
//   - cfg: The validated configuration.
//   - opts: Shared dependencies.
//
// Returns:
//   - *Registry: The registry.
//   - error: An error if the class table or a source cannot be loaded.
func New(cfg *config.Config, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpenSource == nil {
		opts.OpenSource = OpenSource
	}
	classes, err := cfg.Model.ClassTable()
	if err != nil {
		return nil, errors.Wrap(err, "class table")
	}
	if opts.Sessions == nil {
		opts.Sessions = ONNXSessions(cfg, classes, opts.Logger)
	}
	tick := cfg.Detection.TickInterval.Std()
	if opts.TickInterval != 0 {
		tick = opts.TickInterval
	}

	r := &Registry{
		log:  opts.Logger.Named("feeds"),
		byID: make(map[string]*Feed, len(cfg.Feeds)),
	}
	for _, fc := range cfg.Feeds {
		src, err := opts.OpenSource(fc, opts.Logger)
		if err != nil {
			_ = r.Close()
			return nil, errors.Wrapf(err, "feed %s", fc.ID)
		}
		if fc.DisplayWidth > 0 && fc.DisplayHeight > 0 {
			src.SetDisplaySize(common.Size{Width: fc.DisplayWidth, Height: fc.DisplayHeight})
		}

		prof := profiler.New(fc.ID, opts.Collectors, 0)
		canvas := render.NewCanvas()
		overlay := render.NewBroadcaster(fc.ID, opts.Logger)
		pipeline := detector.NewPipeline(detector.PipelineConfig{
			InputSize:           cfg.Model.InputSize,
			ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
			IoUThreshold:        cfg.Detection.IoUThreshold,
			Classes:             classes,
		}, prof)
		sched := detector.NewScheduler(src, render.Multi{canvas, overlay}, opts.Sessions(fc.ID), pipeline, detector.Options{
			Feed:                   fc.ID,
			MinInterval:            cfg.Detection.MinInterval.Std(),
			TickInterval:           tick,
			MaxConsecutiveFailures: cfg.Detection.MaxConsecutiveFailures,
			Clock:                  opts.Clock,
			Logger:                 opts.Logger,
			Profiler:               prof,
		})

		f := &Feed{
			Config:    fc,
			Source:    src,
			Canvas:    canvas,
			Overlay:   overlay,
			Scheduler: sched,
			Profiler:  prof,
		}
		if seq, ok := src.(*video.Sequence); ok {
			f.startPlayer(seq, fc.FrameInterval.Std(), r.log)
		}
		r.feeds = append(r.feeds, f)
		r.byID[fc.ID] = f
		r.log.Info("feed ready", zap.String("feed", fc.ID), zap.String("playback", f.PlaybackURL()))
	}
	return r, nil
}

// startPlayer advances a frame sequence at a fixed pace.
func (f *Feed) startPlayer(seq *video.Sequence, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.stopPlayer = cancel
	f.playerDone = make(chan struct{})
	go func() {
		defer close(f.playerDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				more, err := seq.Next()
				if err != nil {
					log.Warn("frame decode failed", zap.String("feed", f.Config.ID), zap.Error(err))
				}
				if !more {
					return
				}
			}
		}
	}()
}

// Get returns a feed by id.
func (r *Registry) Get(id string) (*Feed, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// List returns the feeds in configuration order.
func (r *Registry) List() []*Feed {
	out := make([]*Feed, len(r.feeds))
	copy(out, r.feeds)
	return out
}

// IDs returns the sorted feed ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActivateAuto activates every feed marked auto_activate. Failures are
// logged and left visible through the feed status.
func (r *Registry) ActivateAuto(ctx context.Context) {
	for _, f := range r.feeds {
		if !f.Config.AutoActivate {
			continue
		}
		if err := f.Scheduler.Activate(ctx); err != nil {
			r.log.Error("auto activation failed", zap.String("feed", f.Config.ID), zap.Error(err))
		}
	}
}

// Close stops every pipeline and releases sources and sessions.
func (r *Registry) Close() error {
	var first error
	r.closeOnce.Do(func() {
		for _, f := range r.feeds {
			if err := f.Scheduler.Close(); err != nil && first == nil {
				first = err
			}
			f.Overlay.Close()
			if f.stopPlayer != nil {
				f.stopPlayer()
				<-f.playerDone
			}
			if err := f.Source.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

// SourceLocation returns what a feed decodes: its explicit source, or the
// Mux playback URL.
func SourceLocation(fc config.FeedConfig) string {
	if fc.Source != "" {
		return fc.Source
	}
	return video.MuxPlaybackURL(fc.PlaybackID)
}

// OpenSource opens a frame directory as a sequence, an image file as a
// still, and anything else through gocv video capture.
func OpenSource(fc config.FeedConfig, logger *zap.Logger) (video.Source, error) {
	loc := SourceLocation(fc)
	if info, err := os.Stat(loc); err == nil {
		if info.IsDir() {
			return video.OpenSequence(loc, fc.Loop)
		}
		if util.IsImageFile(loc) {
			return video.OpenStill(loc)
		}
	}
	return video.OpenCapture(loc, video.CaptureOptions{
		Loop:   fc.Loop,
		Logger: logger.With(zap.String("feed", fc.ID)),
	})
}

// ONNXSessions returns session factories that run the configured model in
// ONNX Runtime. Every feed gets its own session.
func ONNXSessions(cfg *config.Config, classes *models.ClassTable, logger *zap.Logger) SessionFactoryFor {
	onnx := inference.ONNXConfig{
		Locator:       cfg.Model.Locator,
		CacheDir:      cfg.Model.CacheDir,
		LibraryPath:   cfg.Model.LibraryPath,
		InputSize:     cfg.Model.InputSize,
		NumClasses:    classes.Len(),
		NumCandidates: cfg.Model.Candidates(),
		InputName:     cfg.Model.InputName,
		OutputName:    cfg.Model.OutputName,
		Provider:      cfg.Model.Provider,
	}
	return func(feedID string) detector.SessionFactory {
		log := logger.With(zap.String("feed", feedID))
		return func() detector.ModelSession {
			return inference.NewSession(inference.OpenONNX(onnx, log), log)
		}
	}
}
