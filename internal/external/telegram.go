package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TelegramTransport implements NotifyTransport against the Telegram Bot
// API, configured from TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID/TELEGRAM_PARSE_MODE.
type TelegramTransport struct {
	botToken   string
	parseMode  string
	httpClient *http.Client
}

// NewTelegramTransport creates a Telegram bot transport.
func NewTelegramTransport(botToken, parseMode string) *TelegramTransport {
	return &TelegramTransport{
		botToken:   botToken,
		parseMode:  parseMode,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts message to chatID via the Telegram sendMessage endpoint.
func (t *TelegramTransport) Send(ctx context.Context, chatID, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", message)
	if t.parseMode != "" {
		form.Set("parse_mode", t.parseMode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}
