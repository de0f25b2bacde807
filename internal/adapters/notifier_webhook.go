package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// webhookSink POSTs every notification as JSON to a fixed URL.
type webhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, client *http.Client) ports.NotificationSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &webhookSink{url: url, client: client}
}

func (w *webhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	domain.Notification
	Message string `json:"message"`
}

func (w *webhookSink) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(webhookPayload{Notification: n, Message: FormatMessage(n)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
