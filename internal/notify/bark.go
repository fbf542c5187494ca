package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Bark interruption levels.
const (
	BarkLevelActive        = "active"
	BarkLevelTimeSensitive = "timeSensitive"
	BarkLevelPassive       = "passive"
)

// BarkNotifier pushes to a Bark device. The endpoint URL carries the device key.
type BarkNotifier struct {
	endpoint string
	group    string
	level    string
	client   *http.Client
}

type BarkOption func(*BarkNotifier)

// WithBarkGroup sets the notification group shown on the device.
func WithBarkGroup(group string) BarkOption {
	return func(b *BarkNotifier) { b.group = group }
}

func WithBarkLevel(level string) BarkOption {
	return func(b *BarkNotifier) { b.level = level }
}

func WithBarkHTTPClient(c *http.Client) BarkOption {
	return func(b *BarkNotifier) { b.client = c }
}

func NewBarkNotifier(endpoint string, opts ...BarkOption) (*BarkNotifier, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse bark url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bark url must be http or https, got %q", endpoint)
	}
	b := &BarkNotifier{
		endpoint: endpoint,
		group:    "gamepilot",
		level:    BarkLevelTimeSensitive,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	form := url.Values{
		"title": {title},
		"body":  {body},
		"group": {b.group},
	}
	if b.level != "" {
		form.Set("level", b.level)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to bark: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bark returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
