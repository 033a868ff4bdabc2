package imagestore

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"gotest.tools/v3/assert"
)

func TestVersionHashStableForIdenticalHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
	}))
	defer srv.Close()

	s1 := New(t.TempDir())
	s2 := New(t.TempDir())

	h1, err := s1.VersionHash(srv.URL)
	assert.NilError(t, err)
	h2, err := s2.VersionHash(srv.URL)
	assert.NilError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, len(h1), 16)
}

func TestVersionHashPrefersETagOverOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"etag-value"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("Content-Length", "1234")
	}))
	defer srv.Close()

	s := New(t.TempDir())
	etagHash, err := s.VersionHash(srv.URL)
	assert.NilError(t, err)

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("Content-Length", "1234")
	}))
	defer srv2.Close()

	lastModHash, err := s.VersionHash(srv2.URL)
	assert.NilError(t, err)

	assert.Assert(t, etagHash != lastModHash)
}

func TestEnsureDownloadsAndCachesOnDisk(t *testing.T) {
	body := []byte("fake-tar-bytes")
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("ETag", `"v1"`)
			return
		}
		atomic.AddInt32(&hits, 1)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := New(dir)

	hash, path, err := s.Ensure(srv.URL)
	assert.NilError(t, err)
	assert.Equal(t, filepath.Join(dir, hash+".tar"), path)

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(data), string(body))

	// A second Ensure call for the same URL must not re-download.
	_, _, err = s.Ensure(srv.URL)
	assert.NilError(t, err)
	assert.Equal(t, hits, int32(1))
}

func TestEnsureSingleFlightsConcurrentCallers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("ETag", `"v1"`)
			return
		}
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	s := New(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Ensure(srv.URL)
			assert.NilError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, hits, int32(1))
}

func TestVersionHashPicksUpHeaderChangeImmediately(t *testing.T) {
	var etag atomic.Value
	etag.Store(`"abc"`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag.Load().(string))
	}))
	defer srv.Close()

	s := New(t.TempDir())

	h1, err := s.VersionHash(srv.URL)
	assert.NilError(t, err)

	// The upstream image rolls over; the very next call must see it.
	etag.Store(`"def"`)

	h2, err := s.VersionHash(srv.URL)
	assert.NilError(t, err)
	assert.Assert(t, h1 != h2)
}

func TestVersionHashFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(t.TempDir())
	_, err := s.VersionHash(srv.URL)
	assert.ErrorContains(t, err, "HEAD request failed")
}
