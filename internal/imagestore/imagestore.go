// Package imagestore resolves an agent's container image URL to a local
// tar file, keyed by a version hash derived from the URL's HTTP headers.
package imagestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/somnia-validators/agent-runner/internal/metrics"
)

// Store downloads and caches agent container images on disk, keyed by a
// version hash derived from the image URL's response headers.
type Store struct {
	cacheDir   string
	httpClient *http.Client

	group singleflight.Group
}

// New creates a Store that caches tar files under cacheDir.
func New(cacheDir string) *Store {
	return &Store{
		cacheDir: cacheDir,
		// HEAD-only client; downloads go through the default client so
		// large image fetches aren't capped by a fixed deadline.
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// VersionHash issues a HEAD request against url and derives a stable
// 16-hex-char digest from its response headers, preferring ETag over
// Last-Modified over Content-Length over the URL itself. The HEAD is
// issued on every call so a changed upstream image is noticed
// immediately.
func (s *Store) VersionHash(url string) (string, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("create HEAD request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HEAD request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HEAD request failed: %d %s", resp.StatusCode, resp.Status)
	}

	var versionString string
	switch {
	case resp.Header.Get("ETag") != "":
		versionString = "etag:" + resp.Header.Get("ETag")
	case resp.Header.Get("Last-Modified") != "":
		versionString = "modified:" + resp.Header.Get("Last-Modified")
	case resp.Header.Get("Content-Length") != "":
		versionString = "size:" + resp.Header.Get("Content-Length")
	default:
		versionString = "url:" + url
	}

	sum := sha256.Sum256([]byte(versionString))
	hash := hex.EncodeToString(sum[:8])

	slog.Debug("Version hash resolved", "url", url, "hash", hash)
	return hash, nil
}

// Ensure returns the local tar path for url's current version, downloading
// it if the file isn't already cached on disk. Concurrent calls for the
// same URL share a single download via singleflight.
func (s *Store) Ensure(url string) (versionHash string, tarPath string, err error) {
	versionHash, err = s.VersionHash(url)
	if err != nil {
		return "", "", err
	}

	tarPath = filepath.Join(s.cacheDir, versionHash+".tar")
	if info, statErr := os.Stat(tarPath); statErr == nil && info.Size() > 0 {
		return versionHash, tarPath, nil
	}

	result, err, _ := s.group.Do(url, func() (interface{}, error) {
		return s.download(url, versionHash)
	})
	if err != nil {
		return "", "", err
	}

	return versionHash, result.(string), nil
}

// download fetches url and writes it to <cacheDir>/<versionHash>.tar,
// staging the bytes in a .tmp file and renaming atomically on completion
// so a crash mid-download never leaves a truncated file that a later
// lookup would trust as cached.
func (s *Store) download(url, versionHash string) (string, error) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	finalPath := filepath.Join(s.cacheDir, versionHash+".tar")
	if info, err := os.Stat(finalPath); err == nil && info.Size() > 0 {
		// Another process (or an earlier singleflight wave) already wrote it.
		return finalPath, nil
	}

	slog.Info("Downloading image", "url", url)
	start := time.Now()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/x-tar, application/octet-stream, */*")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(url, "error").Inc()
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ImageDownloadsTotal.WithLabelValues(url, "error").Inc()
		return "", fmt.Errorf("download image: %d %s", resp.StatusCode, resp.Status)
	}

	tmpPath := finalPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(url, "error").Inc()
		return "", fmt.Errorf("create cache file: %w", err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(tmpPath)
		metrics.ImageDownloadsTotal.WithLabelValues(url, "error").Inc()
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		metrics.ImageDownloadsTotal.WithLabelValues(url, "error").Inc()
		return "", fmt.Errorf("close cache file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		metrics.ImageDownloadsTotal.WithLabelValues(url, "error").Inc()
		return "", fmt.Errorf("rename cache file: %w", err)
	}

	metrics.ImageDownloadsTotal.WithLabelValues(url, "success").Inc()
	metrics.ImageDownloadDuration.WithLabelValues(url).Observe(time.Since(start).Seconds())

	slog.Debug("Downloaded image", "path", finalPath)
	return finalPath, nil
}
