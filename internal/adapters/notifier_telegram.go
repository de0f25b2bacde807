package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

const telegramAPI = "https://api.telegram.org"

// telegramSink posts notifications to one chat through the Telegram Bot API.
type telegramSink struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSink builds a sink for chatID. baseURL may be empty for the public API.
func NewTelegramSink(baseURL, token, chatID string, client *http.Client) ports.NotificationSink {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &telegramSink{baseURL: baseURL, token: token, chatID: chatID, client: client}
}

func (t *telegramSink) Name() string { return "telegram" }

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *telegramSink) Notify(ctx context.Context, n domain.Notification) error {
	return t.Send(ctx, FormatMessage(n))
}

// Send posts a raw Markdown message.
func (t *telegramSink) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:                t.chatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "telegram request")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed telegramResponse
	_ = json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return errors.Errorf("telegram returned %d: %s", resp.StatusCode, parsed.Description)
	}
	return nil
}
