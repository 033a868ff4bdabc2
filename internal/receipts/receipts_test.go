package receipts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestUploadPostsReceiptWithRequestIDQueryParam(t *testing.T) {
	var gotRequestID string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.URL.Query().Get("requestId")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(srv.URL)
	err := u.Upload("req-123", map[string]interface{}{"steps": []string{"a", "b"}})
	assert.NilError(t, err)
	assert.Equal(t, gotRequestID, "req-123")
	assert.Equal(t, len(gotBody["steps"].([]interface{})), 2)
}

func TestUploadIsNoOpWithoutServiceURL(t *testing.T) {
	u := New("")
	assert.Equal(t, u.Enabled(), false)
	err := u.Upload("req-1", map[string]interface{}{})
	assert.NilError(t, err)
}

func TestUploadReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := New(srv.URL)
	err := u.Upload("req-1", map[string]interface{}{})
	assert.ErrorContains(t, err, "unexpected status")
}

func TestUploadAsyncDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	u := New(srv.URL)
	start := time.Now()
	u.UploadAsync("req-1", map[string]interface{}{})
	assert.Assert(t, time.Since(start) < 100*time.Millisecond)
}
