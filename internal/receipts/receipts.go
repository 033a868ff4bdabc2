// Package receipts uploads agent execution receipts to an off-chain
// receipts service, keyed by request ID.
package receipts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Uploader posts execution receipts to a receipts service. A zero-value
// serviceURL disables uploads entirely.
type Uploader struct {
	serviceURL string
	httpClient *http.Client
}

// New creates an Uploader posting to serviceURL. An empty serviceURL
// disables Upload (it becomes a no-op).
func New(serviceURL string) *Uploader {
	return &Uploader{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether a receipts service is configured.
func (u *Uploader) Enabled() bool {
	return u.serviceURL != ""
}

// Upload posts receipt under requestID. It is a no-op if no receipts
// service is configured. Errors are returned for the caller to log;
// receipt upload failures never block response submission.
func (u *Uploader) Upload(requestID string, receipt map[string]interface{}) error {
	if !u.Enabled() {
		return nil
	}

	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/agent-receipts?requestId=%s", u.serviceURL, url.QueryEscape(requestID))
	resp, err := u.httpClient.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload receipt: unexpected status %d", resp.StatusCode)
	}

	slog.Debug("Receipt uploaded", "request_id", requestID)
	return nil
}

// UploadAsync runs Upload in its own goroutine and logs any failure, so
// a slow or unreachable receipts service never delays response
// submission.
func (u *Uploader) UploadAsync(requestID string, receipt map[string]interface{}) {
	if !u.Enabled() {
		return
	}
	go func() {
		if err := u.Upload(requestID, receipt); err != nil {
			slog.Error("Failed to upload receipt", "request_id", requestID, "error", err)
		}
	}()
}
