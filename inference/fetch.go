package inference

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DownloadTimeout bounds a single model download.
var DownloadTimeout = 10 * time.Minute

// Fetch resolves a model locator to a local file.
//
// A plain path is returned as is once it is known to exist. An http(s) URL is
// downloaded into cacheDir unless a previous download is already there.
//
// Arguments:
//   - ctx: Cancels the download.
//   - locator: A file path or an http(s) URL.
//   - cacheDir: Directory for downloaded models. Empty means the OS cache dir.
//   - logger: The logger.
//
// Returns:
//   - string: The local path of the model.
//   - error: An error if the file is missing or the download fails.
func Fetch(ctx context.Context, locator, cacheDir string, logger *zap.Logger) (string, error) {
	if locator == "" {
		return "", errors.New("empty model locator")
	}

	u, err := url.Parse(locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		if _, err := os.Stat(locator); err != nil {
			return "", errors.Wrapf(err, "model %s", locator)
		}
		return locator, nil
	}

	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		cacheDir = filepath.Join(base, "dronewatch", "models")
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "model.onnx"
	}
	target := filepath.Join(cacheDir, strings.ReplaceAll(u.Host, ":", "_")+"_"+name)

	if _, err := os.Stat(target); err == nil {
		return target, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	logger.Info("downloading model", zap.String("url", locator), zap.String("target", target))
	if err := download(ctx, locator, target); err != nil {
		return "", err
	}
	return target, nil
}

func download(ctx context.Context, src, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".part"
	defer os.Remove(tmp)

	resp, err := resty.New().
		SetTimeout(DownloadTimeout).
		R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(src)
	if err != nil {
		return errors.Wrapf(err, "downloading %s", src)
	}
	if resp.IsError() {
		return errors.Errorf("downloading %s: HTTP %s", src, resp.Status())
	}
	return os.Rename(tmp, target)
}
