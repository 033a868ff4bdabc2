// Package forwarder sends agent request payloads to a running container
// over its local HTTP port and parses the container's response envelope.
package forwarder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/somnia-validators/agent-runner/internal/metrics"
)

// Ensurer makes sure a container is running for agentURL and returns the
// host port it is listening on. Satisfied by *containermgr.Manager.
type Ensurer interface {
	Ensure(ctx context.Context, agentURL string) (hostPort int, wasStarted bool, err error)
}

// Response is the result of forwarding a request to an agent container.
type Response struct {
	Status  int
	Body    []byte
	Receipt map[string]interface{}
}

// Forwarder sends request payloads to agent containers, ensuring a
// container is running first.
type Forwarder struct {
	containers Ensurer
	httpClient *http.Client
}

// New creates a Forwarder that ensures containers via containers and
// forwards requests with the given per-request timeout.
func New(containers Ensurer, timeout time.Duration) *Forwarder {
	return &Forwarder{
		containers: containers,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Forward ensures a container is running for agentURL, POSTs the request
// payload to it wrapped in the container wire envelope, and parses the
// response for a decoded result body and, if present, an execution
// receipt.
func (f *Forwarder) Forward(ctx context.Context, agentURL string, requestID string, payload []byte) (*Response, error) {
	port, _, err := f.containers.Ensure(ctx, agentURL)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(agentURL, "error").Inc()
		return nil, fmt.Errorf("ensure container: %w", err)
	}

	start := time.Now()
	url := fmt.Sprintf("http://localhost:%d/", port)
	requestHex := "0x" + hex.EncodeToString(payload)

	envelope := map[string]string{
		"requestId": requestID,
		"request":   requestHex,
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(agentURL, "error").Inc()
		return nil, fmt.Errorf("marshal request envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelopeBytes))
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(agentURL, "error").Inc()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(agentURL, "error").Inc()
		return nil, fmt.Errorf("forward request: %w", err)
	}
	defer resp.Body.Close()

	responseText, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(agentURL, "error").Inc()
		return nil, fmt.Errorf("read response: %w", err)
	}

	body, receipt := parseResponseEnvelope(responseText, requestHex)

	statusCode := fmt.Sprintf("%d", resp.StatusCode)
	metrics.AgentRequestsTotal.WithLabelValues(agentURL, statusCode).Inc()
	metrics.AgentRequestDuration.WithLabelValues(agentURL).Observe(time.Since(start).Seconds())

	return &Response{
		Status:  resp.StatusCode,
		Body:    body,
		Receipt: receipt,
	}, nil
}

// parseResponseEnvelope decodes a container's JSON response. If the
// response has a hex "result" field, that is decoded as the response
// body; otherwise the raw bytes are returned as-is. A "steps" field
// marks an execution receipt, which is returned with the original
// request hex attached for later upload.
func parseResponseEnvelope(responseText []byte, requestHex string) (body []byte, receipt map[string]interface{}) {
	var jsonResponse map[string]interface{}
	if err := json.Unmarshal(responseText, &jsonResponse); err != nil {
		return responseText, nil
	}

	if result, ok := jsonResponse["result"].(string); ok {
		resultHex := strings.TrimPrefix(result, "0x")
		decoded, err := hex.DecodeString(resultHex)
		if err != nil {
			body = responseText
		} else {
			body = decoded
		}
	} else {
		body = responseText
	}

	if _, hasSteps := jsonResponse["steps"]; hasSteps {
		jsonResponse["request"] = requestHex
		receipt = jsonResponse
	}

	return body, receipt
}
