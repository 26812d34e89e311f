package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Alert is an operator notification. CRITICAL alerts accompany global
// pauses and unverified flattens.
type Alert struct {
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers operator alerts
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// WebhookNotifier POSTs alerts as JSON to a configured endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, log zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned HTTP %d", resp.StatusCode)
	}
	n.log.Debug().Str("title", alert.Title).Msg("alert delivered")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)

// LogNotifier writes alerts to the process log. The default when no
// webhook is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	event := n.log.Warn()
	if alert.Severity == "CRITICAL" {
		event = n.log.Error()
	}
	for k, v := range alert.Fields {
		event = event.Str(k, v)
	}
	event.Str("title", alert.Title).Msg(alert.Message)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
