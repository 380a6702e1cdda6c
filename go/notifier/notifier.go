// Package notifier implements the thin client which wakes the notifier
// service after new notification rows have been committed. Ping failures
// are recoverable: the notifier drains pending notifications on its next
// successful ping.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrFailedToNotify wraps failures to reach the notifier service.
var ErrFailedToNotify = fmt.Errorf("failed to notify")

// Kind of a ping.
type Kind string

// KindCollectNew asks the notifier to collect and deliver newly
// committed notifications.
const KindCollectNew Kind = "collect_new"

// Config is the notifier client configuration.
type Config struct {
	URL string `long:"url" env:"URL" default:"http://localhost:9091" description:"Notifier service URL"`
}

// Client pings the notifier service.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient returns a Client of the configured notifier service.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, client: http.DefaultClient}
}

// Ping the notifier. A nil payload sends a bare ping of the given Kind.
func (c *Client) Ping(ctx context.Context, kind Kind, payload json.RawMessage) error {
	var body, err = json.Marshal(struct {
		Kind    Kind            `json:"kind"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{kind, payload})
	if err != nil {
		panic(err) // Ping fields are always marshalable.
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL+"/ping", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFailedToNotify, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFailedToNotify, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: notifier returned status %d", ErrFailedToNotify, resp.StatusCode)
	}
	return nil
}
