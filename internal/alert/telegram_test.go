package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
)

func telegramConfig(baseURL string) config.TelegramConfig {
	return config.TelegramConfig{Enabled: true, BotToken: "tok", ChatID: "chat-1", APIBaseURL: baseURL, TimeoutSec: 1}
}

func TestTelegramNotifierSendsMessage(t *testing.T) {
	var got sendMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(telegramConfig(srv.URL + "/"))
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if path != "/bottok/sendMessage" || got.ChatID != "chat-1" || got.Text != "hello" || !got.DisableWebPagePreview {
		t.Fatalf("request path=%q body=%+v", path, got)
	}
}

func TestTelegramNotifierAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramNotifier(telegramConfig(srv.URL)).Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want chat not found", err)
	}
}

func TestTelegramNotifierRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	err := NewTelegramNotifier(telegramConfig(srv.URL)).Notify(context.Background(), "x")
	if !errors.Is(err, core.ErrRateLimited) || !strings.Contains(err.Error(), "retry_after=7s") {
		t.Fatalf("Notify() error = %v, want rate limited with retry_after", err)
	}
}

func TestTelegramNotifierScrubsTokenFromTransportErrors(t *testing.T) {
	cfg := telegramConfig("http://127.0.0.1:1")
	cfg.BotToken = "123456:secret-token"
	err := NewTelegramNotifier(cfg).Notify(context.Background(), "x")
	if err == nil {
		t.Fatalf("Notify() error = nil, want transport error")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("Notify() error leaks token: %v", err)
	}
}

func TestTelegramNotifierTruncatesLongText(t *testing.T) {
	var got sendMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	if err := NewTelegramNotifier(telegramConfig(srv.URL)).Notify(context.Background(), strings.Repeat("a", 5000)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(got.Text) != telegramMaxText || !strings.HasSuffix(got.Text, "...") {
		t.Fatalf("text len = %d, want %d ending in ...", len(got.Text), telegramMaxText)
	}
}

func TestFromConfigDisabledIsNil(t *testing.T) {
	if m := FromConfig("kpmonitor", nil, config.ObservabilityConfig{}); m != nil {
		t.Fatalf("FromConfig(disabled) = %v, want nil", m)
	}
	var m *Manager
	m.Important("ignored", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
}
