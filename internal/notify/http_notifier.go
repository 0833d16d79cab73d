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

// HTTPNotifier sends email through a Resend-compatible REST API and chat
// messages to an incoming-webhook URL (Slack/Discord style payload).
type HTTPNotifier struct {
	emailBaseURL   string
	emailAPIKey    string
	fromAddress    string
	chatWebhookURL string
	httpClient     *http.Client
}

type HTTPConfig struct {
	EmailBaseURL   string
	EmailAPIKey    string
	FromAddress    string
	ChatWebhookURL string
	Timeout        time.Duration
}

func NewHTTPNotifier(cfg HTTPConfig) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.EmailBaseURL), "/")
	if base == "" {
		base = "https://api.resend.com"
	}
	return &HTTPNotifier{
		emailBaseURL:   base,
		emailAPIKey:    strings.TrimSpace(cfg.EmailAPIKey),
		fromAddress:    strings.TrimSpace(cfg.FromAddress),
		chatWebhookURL: strings.TrimSpace(cfg.ChatWebhookURL),
		httpClient:     &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNotifier) SendEmail(ctx context.Context, msg EmailMessage) error {
	if msg.To == "" {
		return fmt.Errorf("email recipient required")
	}
	body, err := json.Marshal(map[string]any{
		"from":    n.fromAddress,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"text":    msg.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.emailBaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.emailAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.emailAPIKey)
	}
	return n.do(req, "email")
}

func (n *HTTPNotifier) SendChat(ctx context.Context, text string) error {
	if n.chatWebhookURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.chatWebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req, "chat")
}

func (n *HTTPNotifier) do(req *http.Request, kind string) error {
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send %s: status %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
