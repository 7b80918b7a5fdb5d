package api

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nvr-ai/dronewatch/config"
	"github.com/nvr-ai/dronewatch/detector"
	"github.com/nvr-ai/dronewatch/feeds"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/profiler"
	"github.com/nvr-ai/dronewatch/render"
	"github.com/nvr-ai/dronewatch/video"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct {
	state   atomic.Int32
	loadErr error
	output  *inference.RawOutput
}

func (s *fakeSession) Load(context.Context) error {
	if s.loadErr != nil {
		s.state.Store(int32(inference.SessionFailed))
		return errors.Wrap(inference.ErrModelLoad, s.loadErr.Error())
	}
	s.state.Store(int32(inference.SessionReady))
	return nil
}

func (s *fakeSession) Infer(context.Context, *inference.Tensor) (*inference.RawOutput, error) {
	return s.output, nil
}

func (s *fakeSession) State() inference.SessionState { return inference.SessionState(s.state.Load()) }

func (s *fakeSession) Close() error { return nil }

type testEnv struct {
	server   *Server
	registry *feeds.Registry
	failLoad atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	out, err := inference.NewRawOutput([]float32{16, 16, 8, 8, 0.9, 0.1}, 6, 1)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Model.InputSize = 32
	cfg.Model.Classes = []string{"drone", "bird"}
	cfg.Feeds = []config.FeedConfig{
		{ID: "alpha", Name: "Drone Alpha", PlaybackID: "pb1", RTMPKey: "key1"},
		{ID: "bravo", PlaybackID: "pb2"},
	}

	env := &testEnv{}
	reg := prometheus.NewRegistry()
	collectors, err := profiler.NewCollectors(reg)
	require.NoError(t, err)

	env.registry, err = feeds.New(cfg, feeds.Options{
		OpenSource: func(config.FeedConfig, *zap.Logger) (video.Source, error) {
			return video.NewStill(image.NewRGBA(image.Rect(0, 0, 64, 32))), nil
		},
		Sessions: func(string) detector.SessionFactory {
			return func() detector.ModelSession {
				s := &fakeSession{output: out}
				if env.failLoad.Load() {
					s.loadErr = errors.New("bad weights")
				}
				return s
			}
		},
		Collectors:   collectors,
		Clock:        clock.NewMock(),
		TickInterval: -1,
	})
	require.NoError(t, err)

	env.server = NewServer(env.registry, Options{Gatherer: reg})
	t.Cleanup(func() {
		env.server.Close()
		_ = env.registry.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}

func (e *testEnv) feed(t *testing.T, id string) *feeds.Feed {
	t.Helper()
	f, ok := e.registry.Get(id)
	require.True(t, ok)
	return f
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestListAndGetFeeds(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/feeds", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []FeedSummary
	decodeData(t, w, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "Drone Alpha", list[0].Name)
	assert.Equal(t, "https://stream.mux.com/pb1.m3u8", list[0].PlaybackURL)
	assert.Equal(t, "rtmp://global-live.mux.com:5222/app/key1", list[0].IngestURL)
	assert.Equal(t, detector.StatusUnloaded, list[0].Detection.Status)

	w = env.do(t, http.MethodGet, "/api/feeds/bravo", "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail FeedDetail
	decodeData(t, w, &detail)
	assert.Equal(t, "bravo", detail.ID)
	assert.Equal(t, 64, detail.Display.Width)

	w = env.do(t, http.MethodGet, "/api/feeds/charlie", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivateDeactivateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.feed(t, "alpha")

	w := env.do(t, http.MethodPost, "/api/feeds/alpha/activate", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return alpha.Scheduler.Status() == detector.StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/feeds/alpha/detections", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/api/feeds/alpha/overlay.png", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.Equal(t, detector.TickStarted, alpha.Scheduler.Tick())
	alpha.Scheduler.Wait()

	w = env.do(t, http.MethodGet, "/api/feeds/alpha/detections", "")
	require.Equal(t, http.StatusOK, w.Code)
	var set struct {
		Detections []struct {
			Label string `json:"label"`
		} `json:"detections"`
		Width int `json:"width"`
	}
	decodeData(t, w, &set)
	require.Len(t, set.Detections, 1)
	assert.Equal(t, "drone", set.Detections[0].Label)
	assert.Equal(t, 64, set.Width)

	w = env.do(t, http.MethodGet, "/api/feeds/alpha/overlay.png", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())

	w = env.do(t, http.MethodPost, "/api/feeds/alpha/deactivate", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report detector.Report
	decodeData(t, w, &report)
	assert.Equal(t, detector.StatusIdle, report.Status)
	assert.Nil(t, alpha.Canvas.Image())
}

func TestActivateFailedFeedConflictsUntilRetry(t *testing.T) {
	env := newTestEnv(t)
	env.failLoad.Store(true)
	bravo := env.feed(t, "bravo")

	w := env.do(t, http.MethodPost, "/api/feeds/bravo/activate", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return bravo.Scheduler.Status() == detector.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	w = env.do(t, http.MethodPost, "/api/feeds/bravo/activate", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "bad weights")

	env.failLoad.Store(false)
	w = env.do(t, http.MethodPost, "/api/feeds/bravo/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report detector.Report
	decodeData(t, w, &report)
	assert.Equal(t, detector.StatusUnloaded, report.Status)
	assert.Empty(t, report.Error)

	env.do(t, http.MethodPost, "/api/feeds/bravo/activate", "")
	require.Eventually(t, func() bool {
		return bravo.Scheduler.Status() == detector.StatusActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSetDisplay(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.feed(t, "alpha")

	w := env.do(t, http.MethodPut, "/api/feeds/alpha/display", `{"width":1280,"height":720}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1280, alpha.Source.DisplaySize().Width)
	assert.Equal(t, 720, alpha.Source.DisplaySize().Height)

	for _, body := range []string{`{"width":0,"height":720}`, `not json`} {
		w = env.do(t, http.MethodPut, "/api/feeds/alpha/display", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.feed(t, "alpha")
	alpha.Scheduler.Tick()

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `dronewatch_events_total{event="tick_inactive",feed="alpha"} 1`)
}

func TestOverlayWebSocket(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/feeds/alpha/overlay"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	alpha := env.feed(t, "alpha")
	require.Eventually(t, func() bool { return alpha.Overlay.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, alpha.Scheduler.Activate(context.Background()))
	require.Equal(t, detector.TickStarted, alpha.Scheduler.Tick())
	alpha.Scheduler.Wait()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg render.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, render.MessageDetections, msg.Type)
	assert.Equal(t, "alpha", msg.Feed)
	assert.Len(t, msg.Set.Detections, 1)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/feeds/nope/overlay", nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}
