// Package notifier announces terminal item outcomes.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/luafetch/internal/orchestrator"
	"github.com/italolelis/luafetch/internal/state"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// NewDiscordNotifier returns a notifier posting to webhookURL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FormatEvent renders an item event as a chat message.
func FormatEvent(ev orchestrator.ItemEvent) string {
	switch ev.State.Status {
	case state.StatusDone:
		return fmt.Sprintf("✅ Item %d installed from %s (%s, %d files)",
			ev.ID, ev.State.Endpoint, humanize.Bytes(uint64(max(ev.State.BytesRead, 0))), len(ev.State.InstalledFiles))
	case state.StatusAuthFailed:
		return fmt.Sprintf("🔑 Item %d needs a new API key: %s", ev.ID, ev.State.Error)
	default:
		return fmt.Sprintf("❌ Item %d failed: %s", ev.ID, ev.State.Error)
	}
}
