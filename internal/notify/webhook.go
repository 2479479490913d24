// Package notify delivers job run outcomes to an operator-configured
// webhook. Delivery is strictly best-effort: a failed or slow webhook is
// logged by the caller and never changes a run's outcome or blocks the
// next job.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrSendFailed is returned when the webhook endpoint cannot be reached or
// answers with a non-2xx status.
var ErrSendFailed = errors.New("notify: delivery failed")

// Event describes one finished job run.
type Event struct {
	Job      string  `json:"job"`
	RunID    string  `json:"run_id"`
	Status   string  `json:"status"`
	Stage    string  `json:"stage,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Summary  string  `json:"summary,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// payload is the JSON body sent to the endpoint. The "text" field keeps the
// body compatible with Slack/Discord/Teams incoming webhooks, while the
// structured event rides along for custom integrations.
type payload struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"text"`
	Event     Event  `json:"event"`
	Timestamp string `json:"timestamp"`
}

// Webhook posts run outcomes to a single endpoint. Create with NewWebhook.
type Webhook struct {
	client    *http.Client
	url       string
	secret    string
	onSuccess bool
}

// NewWebhook configures a sender. With onSuccess false only failed runs
// are delivered. A non-empty secret enables HMAC-SHA256 signing of the
// request body.
func NewWebhook(url, secret string, onSuccess bool) *Webhook {
	return &Webhook{
		client:    &http.Client{Timeout: 10 * time.Second},
		url:       url,
		secret:    secret,
		onSuccess: onSuccess,
	}
}

// Send posts the event. Successful runs are skipped silently unless the
// sender was configured to deliver them too.
func (w *Webhook) Send(ctx context.Context, e Event) error {
	if e.Status == StatusSuccess && !w.onSuccess {
		return nil
	}

	title := fmt.Sprintf("backup job %s succeeded", e.Job)
	if e.Status == StatusFailure {
		title = fmt.Sprintf("backup job %s failed (%s)", e.Job, e.Stage)
	}
	body := title
	if e.Summary != "" {
		body += ": " + e.Summary
	}
	if e.Detail != "" {
		body += ": " + e.Detail
	}

	data, err := json.Marshal(payload{
		Type:      "backup.run",
		Title:     title,
		Body:      body,
		Event:     e,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "backuprs-webhook/1.0")

	// Same signature convention as GitHub webhooks.
	if w.secret != "" {
		req.Header.Set("X-Backuprs-Signature", "sha256="+hmacSHA256(data, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: endpoint returned status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
