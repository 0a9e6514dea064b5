// Package notify 把交易状态变化推送到 Telegram 群/频道。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TextNotifier is the minimal delivery contract; Telegram is the only
// implementation, tests substitute their own.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

const (
	defaultAPIURL   = "https://api.telegram.org"
	sendAttempts    = 3
	defaultHTTPWait = 15 * time.Second
)

type Telegram struct {
	apiURL   string
	botToken string
	chatID   string
	client   *http.Client
	// pause 重试之间的等待，第 i 次失败后等待 (i+1)*pause。
	pause time.Duration
}

func NewTelegram(apiURL, botToken, chatID string) *Telegram {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Telegram{
		apiURL:   apiURL,
		botToken: strings.TrimSpace(botToken),
		chatID:   strings.TrimSpace(chatID),
		client:   &http.Client{Timeout: defaultHTTPWait},
		pause:    time.Second,
	}
}

// SetHTTPClient sets the HTTP client for testing.
func (t *Telegram) SetHTTPClient(c *http.Client) {
	if c != nil {
		t.client = c
	}
}

// SendText 发送 Markdown 文本（最多 3 次尝试）。4xx 响应不重试。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram 配置不完整")
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)

	var lastErr error
	for i := 0; i < sendAttempts; i++ {
		if i > 0 {
			if err := wait(ctx, time.Duration(i)*t.pause); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
