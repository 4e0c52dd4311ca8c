// Package alert pushes operator notifications for conditions that need a
// human: events aged out undelivered, archive failures, breakers stuck
// open.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// Notifier posts alerts to a webhook. Without a configured URL it
// degrades to structured logging, which keeps call sites unconditional.
type Notifier struct {
	url     string
	client  *http.Client
	service string
	log     *logger.Logger
}

func NewNotifier(cfg config.AlertConfig, service string, log *logger.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		service: service,
		log:     log,
	}
}

type payload struct {
	Service  string                 `json:"service"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	SentAt   time.Time              `json:"sentAt"`
}

// Critical sends a critical alert. Failures to deliver the alert itself
// are logged and swallowed; alerting must never take the caller down.
func (n *Notifier) Critical(ctx context.Context, message string, fields map[string]interface{}) {
	n.send(ctx, "critical", message, fields)
}

// Warning sends a warning-level alert.
func (n *Notifier) Warning(ctx context.Context, message string, fields map[string]interface{}) {
	n.send(ctx, "warning", message, fields)
}

func (n *Notifier) send(ctx context.Context, severity, message string, fields map[string]interface{}) {
	entry := n.log.New(ctx)
	if n.url == "" {
		entry.Warn("Alert (no webhook configured)", "severity", severity, "message", message, "fields", fields)
		return
	}

	body, err := json.Marshal(payload{
		Service:  n.service,
		Severity: severity,
		Message:  message,
		Fields:   fields,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		entry.Error("Alert marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		entry.Error("Alert request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		entry.Error("Alert delivery failed", "error", err, "message", message)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		entry.Error("Alert rejected by webhook", "status", fmt.Sprintf("%d", resp.StatusCode), "message", message)
	}
}
