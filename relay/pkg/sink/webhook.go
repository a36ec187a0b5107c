package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/malbeclabs/relay/relay/pkg/notify"
)

const maxErrorBodyBytes = 512

// StatusError is a non-2xx response from the webhook endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook error (status %d)", e.Code)
	}
	return fmt.Sprintf("webhook error: %s (status %d)", e.Body, e.Code)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

// WebhookDeliverer POSTs {"username","content"} JSON to a URL.
type WebhookDeliverer struct {
	url        string
	httpClient *http.Client
}

// NewWebhookDeliverer uses httpClient, or a client with no overall timeout
// when it is nil: a stalled endpoint holds up only the sink.
func NewWebhookDeliverer(url string, httpClient *http.Client) *WebhookDeliverer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WebhookDeliverer{
		url:        url,
		httpClient: httpClient,
	}
}

func (w *WebhookDeliverer) Name() string {
	return "webhook"
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
