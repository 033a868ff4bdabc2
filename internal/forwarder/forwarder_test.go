package forwarder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

type fakeEnsurer struct {
	port int
	err  error
}

func (f *fakeEnsurer) Ensure(ctx context.Context, agentURL string) (int, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	return f.port, false, nil
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	assert.NilError(t, err)
	port, err := strconv.Atoi(u.Port())
	assert.NilError(t, err)
	return port
}

func TestForwardDecodesHexResultBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope map[string]string
		json.NewDecoder(r.Body).Decode(&envelope)
		assert.Equal(t, envelope["requestId"], "req-1")
		assert.Equal(t, envelope["request"], "0xdeadbeef")

		json.NewEncoder(w).Encode(map[string]string{"result": "0x" + hex.EncodeToString([]byte("hello"))})
	}))
	defer srv.Close()

	fw := New(&fakeEnsurer{port: portOf(t, srv.URL)}, 5*time.Second)
	resp, err := fw.Forward(context.Background(), "http://example.com/agent.tar", "req-1", []byte{0xde, 0xad, 0xbe, 0xef})
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, http.StatusOK)
	assert.Equal(t, string(resp.Body), "hello")
	assert.Assert(t, resp.Receipt == nil)
}

func TestForwardAttachesReceiptWhenStepsPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": "0x" + hex.EncodeToString([]byte("ok")),
			"steps":  []string{"step1", "step2"},
		})
	}))
	defer srv.Close()

	fw := New(&fakeEnsurer{port: portOf(t, srv.URL)}, 5*time.Second)
	resp, err := fw.Forward(context.Background(), "http://example.com/agent.tar", "req-2", []byte{0x01})
	assert.NilError(t, err)
	assert.Assert(t, resp.Receipt != nil)
	assert.Equal(t, resp.Receipt["request"], "0x01")
}

func TestForwardPassesThroughNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text response"))
	}))
	defer srv.Close()

	fw := New(&fakeEnsurer{port: portOf(t, srv.URL)}, 5*time.Second)
	resp, err := fw.Forward(context.Background(), "http://example.com/agent.tar", "req-3", []byte{0x01})
	assert.NilError(t, err)
	assert.Equal(t, string(resp.Body), "plain text response")
}

func TestForwardReturnsErrorWhenEnsureFails(t *testing.T) {
	fw := New(&fakeEnsurer{err: fmt.Errorf("no image")}, 5*time.Second)
	_, err := fw.Forward(context.Background(), "http://example.com/agent.tar", "req-4", []byte{0x01})
	assert.ErrorContains(t, err, "ensure container")
}
