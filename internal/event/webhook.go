package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/engine"
)

// Notifier is an event sink that pushes blocked-traffic alerts to
// telegram and discord. Allowed clicks are not forwarded; the audit
// store already has them.
type Notifier struct {
	cfg    config.WebhooksConfig
	client *http.Client
}

func NewNotifier(cfg config.WebhooksConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether any webhook destination is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.Telegram.Enabled || n.cfg.Discord.Enabled
}

func (n *Notifier) Write(ctx context.Context, e *Event) error {
	if e.Verdict != string(engine.VerdictBlock) {
		return nil
	}

	var firstErr error
	if n.cfg.Telegram.Enabled {
		if err := n.sendTelegram(ctx, e); err != nil {
			firstErr = err
		}
	}
	if n.cfg.Discord.Enabled {
		if err := n.sendDiscord(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) sendTelegram(ctx context.Context, e *Event) error {
	message := fmt.Sprintf(
		"🚫 Blocked click\n\n"+
			"Link: %s (%s)\n"+
			"IP: %s\n"+
			"Country: %s\n"+
			"Device: %s | %s\n"+
			"Reason: %s\n"+
			"At: %s",
		e.LinkID, e.CampaignName, e.IP, e.Country,
		e.DeviceClass, e.Browser, e.Reason,
		e.Time.Format("15:04:05"),
	)

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.Telegram.BotToken)
	payload := map[string]interface{}{
		"chat_id": n.cfg.Telegram.ChatID,
		"text":    message,
	}
	return n.post(ctx, url, payload, http.StatusOK)
}

func (n *Notifier) sendDiscord(ctx context.Context, e *Event) error {
	embed := map[string]interface{}{
		"title":     "🚫 Blocked click",
		"color":     15158332,
		"timestamp": e.Time.Format(time.RFC3339),
		"fields": []map[string]interface{}{
			{"name": "Link", "value": e.LinkID, "inline": true},
			{"name": "IP", "value": e.IP, "inline": true},
			{"name": "Country", "value": e.Country, "inline": true},
			{"name": "Device", "value": e.DeviceClass, "inline": true},
			{"name": "Reason", "value": e.Reason, "inline": false},
		},
	}
	payload := map[string]interface{}{
		"embeds": []interface{}{embed},
	}
	return n.post(ctx, n.cfg.Discord.WebhookURL, payload, http.StatusNoContent)
}

func (n *Notifier) post(ctx context.Context, url string, payload interface{}, okStatus int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != okStatus && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
