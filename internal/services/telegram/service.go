// Package telegram provides Telegram audit notifications.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendAudit(ctx context.Context, cfg models.TelegramConfig, event models.AuditEvent) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

// SendAudit forwards an audit event to a Telegram chat.
func (s *Impl) SendAudit(ctx context.Context, cfg models.TelegramConfig, event models.AuditEvent) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Debug().
		Str("chat_id", cfg.ChatID).
		Str("kind", string(event.Kind)).
		Msg("sending Telegram audit message")

	reqBody := sendMessageRequest{
		ChatID:              cfg.ChatID,
		Text:                formatMessage(event),
		ParseMode:           "HTML",
		DisableNotification: event.UserID == "",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	return result, nil
}

func formatMessage(event models.AuditEvent) string {
	var b bytes.Buffer

	switch event.Kind {
	case models.AuditWakeSent:
		b.WriteString("🔌 <b>Wake-on-LAN sent</b>\n\n")
	case models.AuditWakeFailed:
		b.WriteString("❌ <b>Wake-on-LAN failed</b>\n\n")
	case models.AuditDeviceRunning:
		b.WriteString("🏃 <b>Device is running</b>\n\n")
	case models.AuditDeviceOffline:
		b.WriteString("💤 <b>Device is offline</b>\n\n")
	case models.AuditShutdownSent:
		b.WriteString("🛑 <b>Shutdown sent</b>\n\n")
	case models.AuditShutdownFailed:
		b.WriteString("❌ <b>Shutdown failed</b>\n\n")
	default:
		b.WriteString(fmt.Sprintf("<b>%s</b>\n\n", escapeHTML(string(event.Kind))))
	}

	b.WriteString(fmt.Sprintf("🖥 <b>Device:</b> %s\n", escapeHTML(event.DeviceName)))
	if event.MACAddress != "" {
		b.WriteString(fmt.Sprintf("🔢 <b>MAC:</b> <code>%s</code>\n", escapeHTML(event.MACAddress)))
	}
	if event.UserID != "" {
		b.WriteString(fmt.Sprintf("👤 <b>User ID:</b> <code>%s</code>\n", escapeHTML(event.UserID)))
	}
	b.WriteString(fmt.Sprintf("⏰ <b>Time:</b> %s\n", event.Time.Format("2006-01-02 15:04:05")))

	if event.Detail != "" {
		b.WriteString(fmt.Sprintf("\n<b>⚠️ Details:</b> <code>%s</code>\n", escapeHTML(event.Detail)))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
