// Package alert delivers critical operator alerts, rate-limited per kind.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadradar/internal/metrics"
)

// Kind identifies a class of alert. Each kind is rate-limited separately.
type Kind string

// Alert kinds.
const (
	HeartbeatFailure   Kind = "heartbeat_failure"
	ReconnectExhausted Kind = "reconnect_exhausted"
	SinkFailure        Kind = "sink_failure"
	ChannelsRevoked    Kind = "channels_revoked"
)

// DefaultInterval is the minimum gap between two alerts of the same kind.
const DefaultInterval = 15 * time.Minute

// Sender delivers plain text to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Alerter sends alerts to the operator chat.
type Alerter struct {
	sender   Sender
	chatID   int64
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu   sync.Mutex
	last map[Kind]time.Time
}

// New creates an Alerter. With a nil sender or zero chatID alerts are only
// logged.
func New(sender Sender, chatID int64, interval time.Duration, m *metrics.Metrics, log *slog.Logger) *Alerter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Alerter{
		sender:   sender,
		chatID:   chatID,
		interval: interval,
		now:      time.Now,
		metrics:  m,
		log:      log,
		last:     make(map[Kind]time.Time),
	}
}

// Alert reports a critical condition. It returns false when the alert was
// suppressed by the per-kind rate limit.
func (a *Alerter) Alert(ctx context.Context, kind Kind, text string) bool {
	a.mu.Lock()
	now := a.now()
	if last, ok := a.last[kind]; ok && now.Sub(last) < a.interval {
		a.mu.Unlock()
		a.metrics.Alert(string(kind), "suppressed")
		a.log.Debug("alert suppressed", "kind", kind)
		return false
	}
	a.last[kind] = now
	a.mu.Unlock()

	a.log.Error("critical alert", "kind", kind, "text", text)
	if a.sender == nil || a.chatID == 0 {
		a.metrics.Alert(string(kind), "logged")
		return true
	}

	msg := fmt.Sprintf("🚨 %s\n\n%s\n\n%s", kind, text, now.UTC().Format("2006-01-02 15:04:05 UTC"))
	if err := a.sender.SendText(ctx, a.chatID, msg); err != nil {
		a.metrics.Alert(string(kind), "error")
		a.log.Error("send alert", "kind", kind, "error", err)
		return true
	}
	a.metrics.Alert(string(kind), "sent")
	return true
}
