package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Channel names referenced by escalation policies and alert rules.
const (
	ChannelPush     = "push"
	ChannelAuditLog = "audit_log"
	ChannelWebhook  = "webhook"
)

// PushFunc hands a notification to the host application's interrupt surface
// (banner, badge, OS notification). The transport itself is out of scope.
type PushFunc func(ctx context.Context, n *Notification) error

// PushChannel delivers via an injected application callback.
type PushChannel struct {
	fn PushFunc
}

// NewPushChannel wraps the host callback. A nil callback makes delivery a
// no-op, which keeps test and headless setups simple.
func NewPushChannel(fn PushFunc) *PushChannel {
	return &PushChannel{fn: fn}
}

func (c *PushChannel) Name() string { return ChannelPush }

func (c *PushChannel) Deliver(ctx context.Context, n *Notification) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, n)
}

// AuditLogChannel appends notifications as JSON lines to a size-rotated log
// file, so there is always a durable local trace even when every remote
// channel is down.
type AuditLogChannel struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewAuditLogChannel creates the rotating audit-log channel.
func NewAuditLogChannel(path string) *AuditLogChannel {
	return &AuditLogChannel{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		},
	}
}

func (c *AuditLogChannel) Name() string { return ChannelAuditLog }

func (c *AuditLogChannel) Deliver(ctx context.Context, n *Notification) error {
	line, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying log file.
func (c *AuditLogChannel) Close() error {
	return c.writer.Close()
}

// WebhookChannel POSTs the notification as JSON to an operator endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel with a bounded client timeout.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: deliverTimeout},
	}
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Deliver(ctx context.Context, n *Notification) error {
	if c.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
