package containermgr

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestParseLoadedImageNamePlainLine(t *testing.T) {
	name, err := parseLoadedImageName("Loaded image: agent-abc123:latest\n")
	assert.NilError(t, err)
	assert.Equal(t, name, "agent-abc123:latest")
}

func TestParseLoadedImageNameJSONStream(t *testing.T) {
	output := `{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" +
		`{"stream":"Loaded image: agent-def456:latest\n"}` + "\n"
	name, err := parseLoadedImageName(output)
	assert.NilError(t, err)
	assert.Equal(t, name, "agent-def456:latest")
}

func TestParseLoadedImageNameNoMatch(t *testing.T) {
	_, err := parseLoadedImageName("some unrelated docker output")
	assert.ErrorContains(t, err, "could not parse image name")
}

func TestWaitForReadySucceedsOnFirstProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	port := mustPort(t, srv.URL)
	m := &Manager{}
	err := m.waitForReady(port, 5, time.Millisecond)
	assert.NilError(t, err)
}

func TestWaitForReadyFailsWhenNeverUp(t *testing.T) {
	m := &Manager{}
	// Port 1 is a reserved low port almost certainly not listening locally.
	err := m.waitForReady(1, 2, time.Millisecond)
	assert.ErrorContains(t, err, "did not become ready")
}

func TestStopStaleVersionsForSelectsOnlyOtherVersionsOfSameAgent(t *testing.T) {
	m := New(nil, nil, 9000, "")
	m.byVersion["hash-old"] = &Record{URL: "http://agent-a", VersionHash: "hash-old"}
	m.byVersion["hash-new"] = &Record{URL: "http://agent-a", VersionHash: "hash-new"}
	m.byVersion["hash-b"] = &Record{URL: "http://agent-b", VersionHash: "hash-b"}

	stale := m.staleVersionsFor("http://agent-a", "hash-new")

	assert.Equal(t, len(stale), 1)
	assert.Equal(t, stale[0], "hash-old")
}

func mustPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	assert.NilError(t, err)
	port, err := strconv.Atoi(u.Port())
	assert.NilError(t, err)
	return port
}
