package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sanjaykrkundu/seedr/internal/downloader"
	"github.com/sanjaykrkundu/seedr/internal/downloader/progress"
	"github.com/sanjaykrkundu/seedr/internal/logctx"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
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
		return fmt.Errorf("failed to build request: %w", err)
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

// Message renders a download event for a chat channel.
func Message(ev downloader.Event) string {
	snap := ev.Snapshot

	switch snap.Phase {
	case progress.PhaseSucceeded:
		return fmt.Sprintf("✅ Download finished: %s (%s)", snap.ID, humanize.Bytes(uint64(snap.BytesWritten)))
	case progress.PhaseFailed:
		return fmt.Sprintf("❌ Download failed: %s: %s", snap.ID, snap.Error)
	default:
		return snap.Display()
	}
}

// Listen forwards events to n until events is closed or ctx is done.
// Delivery failures are logged and do not stop the loop.
func Listen(ctx context.Context, n Notifier, events <-chan downloader.Event) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if err := n.Notify(ctx, Message(ev)); err != nil {
				logger.Error("failed to send notification", "id", ev.Snapshot.ID, "err", err)
			}
		}
	}
}

// LogNotifier writes notifications to the context logger. It stands in when
// no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, content string) error {
	logctx.LoggerFromContext(ctx).Info("download notification", "content", content)

	return nil
}
