package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
)

const telegramMaxText = 4096

// TelegramNotifier posts alert text to one chat through the Bot API.
type TelegramNotifier struct {
	token    string
	chatID   string
	endpoint string
	http     *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		token:    cfg.BotToken,
		chatID:   cfg.ChatID,
		endpoint: strings.TrimRight(cfg.APIBaseURL, "/") + "/bot" + cfg.BotToken + "/sendMessage",
		http:     &http.Client{Timeout: timeout},
	}
}

type sendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || t.token == "" {
		return nil
	}
	if len(msg) > telegramMaxText {
		msg = msg[:telegramMaxText-3] + "..."
	}
	payload, err := json.Marshal(sendMessage{ChatID: t.chatID, Text: msg, DisableWebPagePreview: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return t.scrub(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		// url.Error carries the request URL, which embeds the bot token.
		return t.scrub(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed botResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("telegram retry_after=%ds: %w", parsed.Parameters.RetryAfter, core.ErrRateLimited)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(raw) == 0 || decodeErr != nil {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error code=%d: %s", parsed.ErrorCode, strings.TrimSpace(parsed.Description))
	}
	return nil
}

func (t *TelegramNotifier) scrub(err error) error {
	if t.token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), t.token, "***"))
}
