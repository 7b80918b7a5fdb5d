// Package api - HTTP activation API and overlay streams.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/detector"
	"github.com/nvr-ai/dronewatch/feeds"
	"github.com/nvr-ai/dronewatch/profiler"
	"github.com/nvr-ai/dronewatch/render"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	// Gatherer serves /metrics, nil to disable it.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// Release puts gin into release mode.
	Release bool
}

// Server exposes feed activation and overlays over HTTP.
type Server struct {
	feeds  *feeds.Registry
	log    *zap.Logger
	engine *gin.Engine

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// FeedSummary describes a feed and its detection status.
type FeedSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	PlaybackURL string          `json:"playbackUrl"`
	IngestURL   string          `json:"ingestUrl,omitempty"`
	Display     common.Size     `json:"display"`
	Detection   detector.Report `json:"detection"`
}

// FeedDetail adds pipeline statistics to a summary.
type FeedDetail struct {
	FeedSummary
	Stats profiler.Stats `json:"stats"`
}

// NewServer creates the server and its routes.
//
// Arguments:
//   - registry: The feeds to expose.
//   - opts: Server options.
//
// Returns:
//   - *Server: The server.
func NewServer(registry *feeds.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		feeds:  registry,
		log:    opts.Logger.Named("api"),
		engine: gin.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes(opts.Gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := s.engine
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	api := r.Group("/api/feeds")
	api.GET("", s.listFeeds)
	feed := api.Group("/:id", s.lookupFeed)
	feed.GET("", s.getFeed)
	feed.POST("/activate", s.activate)
	feed.POST("/deactivate", s.deactivate)
	feed.POST("/retry", s.retry)
	feed.PUT("/display", s.setDisplay)
	feed.GET("/detections", s.detections)
	feed.GET("/overlay.png", s.overlayPNG)

	r.GET("/ws/feeds/:id/overlay", s.lookupFeed, func(c *gin.Context) {
		feedFrom(c).Overlay.ServeHTTP(c.Writer, c.Request)
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// accessLog logs every request through zap.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

const feedKey = "feed"

func (s *Server) lookupFeed(c *gin.Context) {
	f, ok := s.feeds.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return
	}
	c.Set(feedKey, f)
	c.Next()
}

func feedFrom(c *gin.Context) *feeds.Feed {
	return c.MustGet(feedKey).(*feeds.Feed)
}

func summarize(f *feeds.Feed) FeedSummary {
	return FeedSummary{
		ID:          f.Config.ID,
		Name:        f.Name(),
		PlaybackURL: f.PlaybackURL(),
		IngestURL:   f.IngestURL(),
		Display:     f.Source.DisplaySize(),
		Detection:   f.Scheduler.Report(),
	}
}

func (s *Server) listFeeds(c *gin.Context) {
	list := s.feeds.List()
	out := make([]FeedSummary, 0, len(list))
	for _, f := range list {
		out = append(out, summarize(f))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) getFeed(c *gin.Context) {
	f := feedFrom(c)
	c.JSON(http.StatusOK, gin.H{"data": FeedDetail{
		FeedSummary: summarize(f),
		Stats:       f.Profiler.GetCurrentStats(),
	}})
}

// activate starts activation in the background and answers immediately;
// clients poll the status to follow the model load.
func (s *Server) activate(c *gin.Context) {
	f := feedFrom(c)
	if f.Scheduler.Status() == detector.StatusFailed {
		c.JSON(http.StatusConflict, gin.H{
			"error":  f.Scheduler.LastError(),
			"status": detector.StatusFailed,
		})
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := f.Scheduler.Activate(s.ctx); err != nil && !errors.Is(err, detector.ErrActivationCancelled) {
			s.log.Warn("activation failed", zap.String("feed", f.Config.ID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"data": f.Scheduler.Report()})
}

func (s *Server) deactivate(c *gin.Context) {
	f := feedFrom(c)
	f.Scheduler.Deactivate()
	c.JSON(http.StatusOK, gin.H{"data": f.Scheduler.Report()})
}

func (s *Server) retry(c *gin.Context) {
	f := feedFrom(c)
	f.Scheduler.RetryLoad()
	c.JSON(http.StatusOK, gin.H{"data": f.Scheduler.Report()})
}

func (s *Server) setDisplay(c *gin.Context) {
	var size common.Size
	if err := c.ShouldBindJSON(&size); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if size.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "width and height must be positive"})
		return
	}
	feedFrom(c).SetDisplaySize(size)
	c.Status(http.StatusNoContent)
}

func (s *Server) detections(c *gin.Context) {
	set, ok := feedFrom(c).Scheduler.Current()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": set})
}

func (s *Server) overlayPNG(c *gin.Context) {
	f := feedFrom(c)
	c.Header("Content-Type", "image/png")
	c.Header("Cache-Control", "no-store")
	if err := f.Canvas.PNG(c.Writer); err != nil {
		if errors.Is(err, render.ErrNoOverlay) {
			c.Status(http.StatusNoContent)
			return
		}
		s.log.Warn("overlay encode failed", zap.String("feed", f.Config.ID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
//
// Arguments:
//   - ctx: Stops the server.
//   - addr: The listen address.
//
// Returns:
//   - error: The listen error, or nil after a clean shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}

// Close cancels pending activations and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.pending.Wait()
}
