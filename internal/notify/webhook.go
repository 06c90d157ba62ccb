package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"spook-pages/internal/httpx"
)

// Notifier fires a webhook when a profile is created. Delivery is
// fire-and-forget: a dead endpoint must never fail a publish, so errors are
// logged and swallowed.
type Notifier struct {
	logger     *slog.Logger
	httpClient *http.Client
	url        string // empty disables notifications
}

type creationEvent struct {
	Event      string `json:"event"`
	Username   string `json:"username"`
	ProfileURL string `json:"profile_url"`
	CreatedAt  string `json:"created_at"`
}

func New(logger *slog.Logger, url string) *Notifier {
	return &Notifier{
		logger:     logger,
		httpClient: httpx.NewPooledClient(),
		url:        url,
	}
}

// ProfileCreated dispatches the creation event in the background.
func (n *Notifier) ProfileCreated(username, profileURL string) {
	if n == nil || n.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.send(ctx, creationEvent{
			Event:      "profile_created",
			Username:   username,
			ProfileURL: profileURL,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			n.logger.Warn("notify_failed", "username", username, "error", err)
		}
	}()
}

func (n *Notifier) send(ctx context.Context, ev creationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, respBody)
	}

	n.logger.Info("notify_sent", "username", ev.Username)
	return nil
}
