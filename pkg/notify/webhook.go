package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opsgate/opsgate/pkg/errors"
)

// WebhookNotifier POSTs approval notices as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, notice ApprovalNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return errors.New(errors.CodeInternal, "marshal approval notice", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.New(errors.CodeInternal, "build notification request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeToolInvocation, "notification delivery failed", err).
			WithRecoverable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.CodeToolInvocation,
			fmt.Sprintf("notification endpoint returned %d: %s", resp.StatusCode, string(data)), nil).
			WithRecoverable(resp.StatusCode >= 500)
	}
	return nil
}
