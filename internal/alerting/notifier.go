package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification is the fully formed payload handed to the external
// dispatcher. Delivery retries are the dispatcher's contract.
type Notification struct {
	Alert     Alert
	MessageEN string
	MessageHI string
	// Channels is the routing hint derived from notification
	// preferences and alert severity.
	Channels []string
}

// Notifier delivers notifications to the external dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WebhookNotifier posts notifications to the dispatcher's HTTP hook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	AlertID   string   `json:"alert_id"`
	TenantID  string   `json:"tenant_id"`
	MachineID string   `json:"machine_id"`
	Severity  string   `json:"severity"`
	System    bool     `json:"system"`
	OpenedAt  string   `json:"opened_at"`
	Triggers  int      `json:"triggers"`
	MessageEN string   `json:"message_en"`
	MessageHI string   `json:"message_hi"`
	Channels  []string `json:"channels"`
}

// Notify posts the notification payload once; the dispatcher owns
// retry-with-backoff.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	payload := webhookPayload{
		AlertID:   note.Alert.ID,
		TenantID:  note.Alert.TenantID,
		MachineID: note.Alert.MachineID,
		Severity:  string(note.Alert.Severity),
		System:    note.Alert.System,
		OpenedAt:  note.Alert.OpenedAt.UTC().Format(time.RFC3339),
		Triggers:  len(note.Alert.Triggers),
		MessageEN: note.MessageEN,
		MessageHI: note.MessageHI,
		Channels:  note.Channels,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info().
		Str("alert_id", note.Alert.ID).
		Str("severity", string(note.Alert.Severity)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert dispatched")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
