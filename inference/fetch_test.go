package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFetchLocalPath(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "yolov8n.onnx")
	require.NoError(t, os.WriteFile(model, []byte("onnx"), 0o644))

	got, err := Fetch(context.Background(), model, "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, model, got)

	_, err = Fetch(context.Background(), filepath.Join(dir, "missing.onnx"), "", zap.NewNop())
	assert.Error(t, err)

	_, err = Fetch(context.Background(), "", "", zap.NewNop())
	assert.Error(t, err)
}

func TestFetchDownloadsOnce(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	cache := t.TempDir()
	locator := srv.URL + "/models/yolov8n.onnx"

	first, err := Fetch(context.Background(), locator, cache, zap.NewNop())
	require.NoError(t, err)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))
	assert.True(t, strings.HasSuffix(first, "yolov8n.onnx"))

	second, err := Fetch(context.Background(), locator, cache, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	cache := t.TempDir()
	_, err := Fetch(context.Background(), srv.URL+"/missing.onnx", cache, zap.NewNop())
	require.Error(t, err)

	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed downloads must not leave files behind")
}
