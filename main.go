package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nvr-ai/dronewatch/api"
	"github.com/nvr-ai/dronewatch/config"
	"github.com/nvr-ai/dronewatch/detector"
	"github.com/nvr-ai/dronewatch/feeds"
	"github.com/nvr-ai/dronewatch/logger"
	"github.com/nvr-ai/dronewatch/profiler"
	"github.com/nvr-ai/dronewatch/video"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// localFeedID names the feed created from the single-source flags.
const localFeedID = "local"

// Supported file extensions
var (
	supportedVideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}
	supportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
)

// flags holds the command line.
type flags struct {
	configPath  string
	listen      string
	modelPath   string
	videoPath   string
	imagePath   string
	framesDir   string
	camera      string
	showWindow  bool
	development bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to the YAML configuration")
	flag.StringVar(&f.listen, "listen", "", "HTTP listen address, overrides server.listen")
	flag.StringVar(&f.modelPath, "model", "", "ONNX model path or URL, overrides model.locator")
	flag.StringVar(&f.videoPath, "video", "", "Watch a single video file or stream URL")
	flag.StringVar(&f.imagePath, "image", "", "Watch a single image file")
	flag.StringVar(&f.framesDir, "frames", "", "Watch a directory of frame images")
	flag.StringVar(&f.camera, "camera", "", "Watch a local capture device by index")
	flag.BoolVar(&f.showWindow, "show-window", false, "Show the single source with its detections in a window")
	flag.BoolVar(&f.development, "dev", false, "Development logging")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "dronewatch:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return err
		}
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.modelPath != "" {
		cfg.Model.Locator = f.modelPath
	}

	source, err := validateInputFlags(f.videoPath, f.imagePath, f.framesDir, f.camera)
	if err != nil {
		return err
	}
	if source != "" {
		cfg.Feeds = []config.FeedConfig{{
			ID:           localFeedID,
			Name:         filepath.Base(source),
			Source:       source,
			AutoActivate: true,
			Loop:         true,
		}}
	}
	if f.showWindow && source == "" {
		return fmt.Errorf("-show-window needs -video, -image, -frames or -camera")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Options{
		Development: f.development || cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stageCollectors, err := profiler.NewCollectors(reg)
	if err != nil {
		return err
	}

	opts := feeds.Options{Collectors: stageCollectors, Logger: log}
	if f.showWindow {
		opts.TickInterval = -1
	}
	registry, err := feeds.New(cfg, opts)
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gatherer prometheus.Gatherer
	if cfg.Server.Metrics {
		gatherer = reg
	}
	server := api.NewServer(registry, api.Options{
		Gatherer: gatherer,
		Logger:   log,
		Release:  cfg.Server.Release,
	})
	errc := make(chan error, 1)
	go func() { errc <- server.Run(ctx, cfg.Server.Listen) }()

	go registry.ActivateAuto(ctx)

	if f.showWindow {
		feed, _ := registry.Get(localFeedID)
		windowLoop(ctx, feed, log)
		stop()
	}
	return <-errc
}

// windowLoop shows the feed with its latest detections and drives the
// scheduler from the display loop. It must run on the main goroutine.
// Keys: d toggles detection, q or Esc quits.
func windowLoop(ctx context.Context, feed *feeds.Feed, log *zap.Logger) {
	window := gocv.NewWindow("dronewatch: " + feed.Name())
	defer window.Close()

	img := gocv.NewMat()
	defer img.Close()

	for ctx.Err() == nil {
		if !latestFrame(feed.Source, &img) {
			if window.WaitKey(10) == 'q' {
				return
			}
			continue
		}

		feed.Scheduler.Tick()
		if set, ok := feed.Scheduler.Current(); ok {
			video.Annotate(&img, set)
		}
		window.IMShow(img)

		switch window.WaitKey(1) {
		case 'q', 27:
			return
		case 'd':
			if feed.Scheduler.State() == detector.StateIdle {
				go func() {
					if err := feed.Scheduler.Activate(ctx); err != nil {
						log.Warn("activation failed", zap.Error(err))
					}
				}()
			} else {
				feed.Scheduler.Deactivate()
			}
		}
	}
}

// latestFrame copies the current frame of src into dst.
func latestFrame(src video.Source, dst *gocv.Mat) bool {
	if c, ok := src.(*video.Capture); ok {
		return c.Latest(dst)
	}
	if !src.Ready() {
		return false
	}
	frame, err := src.Snapshot()
	if err != nil {
		return false
	}
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return false
	}
	defer mat.Close()
	return mat.CopyTo(dst) == nil
}

// validateInputFlags returns the single source selected on the command
// line, or "" to use the configured feeds.
func validateInputFlags(videoPath, imagePath, framesDir, camera string) (string, error) {
	var chosen []string
	for _, v := range []string{videoPath, imagePath, framesDir, camera} {
		if v != "" {
			chosen = append(chosen, v)
		}
	}
	switch {
	case len(chosen) == 0:
		return "", nil
	case len(chosen) > 1:
		return "", fmt.Errorf("specify only one of -video, -image, -frames and -camera")
	}

	switch {
	case videoPath != "":
		if strings.Contains(videoPath, "://") {
			return videoPath, nil
		}
		if err := validateFile(videoPath, supportedVideoExtensions); err != nil {
			return "", fmt.Errorf("video validation error: %w", err)
		}
		return videoPath, nil
	case imagePath != "":
		if err := validateFile(imagePath, supportedImageExtensions); err != nil {
			return "", fmt.Errorf("image validation error: %w", err)
		}
		return imagePath, nil
	case framesDir != "":
		info, err := os.Stat(framesDir)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("frames directory not found: %s", framesDir)
		}
		return framesDir, nil
	default:
		if _, ok := video.ParseSource(camera).(int); !ok {
			return "", fmt.Errorf("camera must be a device index, got %q", camera)
		}
		return camera, nil
	}
}

// validateFile checks if the file exists and has a supported extension
func validateFile(filePath string, supportedExtensions []string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", filePath)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	for _, supportedExt := range supportedExtensions {
		if ext == supportedExt {
			return nil
		}
	}

	return fmt.Errorf("unsupported file extension: %s. Supported extensions: %v", ext, supportedExtensions)
}
