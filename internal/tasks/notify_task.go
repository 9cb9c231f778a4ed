package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"webshield/internal/config"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeNotify = "notify:telegram"
)

type NotifyPayload struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	IP       string `json:"ip,omitempty"`
}

func NewNotifyTask(severity, title, message, ip string) (*asynq.Task, error) {
	payload, err := json.Marshal(NotifyPayload{
		Severity: severity,
		Title:    title,
		Message:  message,
		IP:       ip,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNotify, payload, asynq.MaxRetry(5), asynq.Timeout(30*time.Second)), nil
}

type NotifyTaskHandler struct {
	cfg    *config.Config
	client *http.Client
}

func NewNotifyTaskHandler(cfg *config.Config) *NotifyTaskHandler {
	return &NotifyTaskHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func severityIcon(severity string) string {
	switch severity {
	case "critical":
		return "\U0001F6A8" // rotating light
	case "high":
		return "⚠️" // warning sign
	case "medium":
		return "⚡" // high voltage
	default:
		return "ℹ️" // information
	}
}

func (h *NotifyTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p NotifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	if !h.cfg.TelegramEnabled || h.cfg.TelegramBotToken == "" || h.cfg.TelegramChatID == "" {
		zlog.Debug().Str("title", p.Title).Msg("Telegram disabled, dropping notification")
		return nil
	}

	var sb strings.Builder
	sb.WriteString(severityIcon(p.Severity))
	sb.WriteString(" <b>")
	sb.WriteString(html(p.Title))
	sb.WriteString("</b>\n\n")
	sb.WriteString(html(p.Message))
	if p.IP != "" {
		sb.WriteString("\n\nIP: <code>")
		sb.WriteString(html(p.IP))
		sb.WriteString("</code>")
	}

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", h.cfg.TelegramBotToken)
	form := url.Values{}
	form.Set("chat_id", h.cfg.TelegramChatID)
	form.Set("text", sb.String())
	form.Set("parse_mode", "HTML")

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage returned %s", resp.Status)
	}

	zlog.Debug().Str("severity", p.Severity).Str("title", p.Title).Msg("Telegram notification sent")
	return nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func html(s string) string {
	return htmlEscaper.Replace(s)
}
