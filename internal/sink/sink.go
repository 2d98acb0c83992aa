// Package sink buffers export rows and flushes them in batches to an
// external writer, falling back to local backup files.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadradar/internal/alert"
	"leadradar/internal/metrics"
	"leadradar/internal/model"
)

// Row is one exported lead event.
type Row struct {
	At            time.Time `json:"at"`
	Event         string    `json:"event"`
	TenantID      int64     `json:"tenant_id"`
	LeadID        int64     `json:"lead_id"`
	Channel       string    `json:"channel"`
	Sender        string    `json:"sender"`
	Keywords      []string  `json:"keywords"`
	Text          string    `json:"text"`
	Link          string    `json:"link"`
	Quality       string    `json:"quality"`
	DialogStarted bool      `json:"dialog_started"`
	SaleMade      bool      `json:"sale_made"`
	Actor         string    `json:"actor,omitempty"`
}

// Row events.
const (
	EventCreated = "created"
	EventUpdated = "updated"
)

// LeadRow builds an export row from a lead.
func LeadRow(event string, l *model.Lead, actor string, at time.Time) Row {
	sender := l.SenderName
	if l.SenderUsername != "" {
		sender = strings.TrimSpace(sender + " @" + l.SenderUsername)
	}
	return Row{
		At:            at.UTC(),
		Event:         event,
		TenantID:      l.TenantID,
		LeadID:        l.ID,
		Channel:       l.ChannelTitle,
		Sender:        sender,
		Keywords:      l.Keywords,
		Text:          l.Text,
		Link:          l.Link,
		Quality:       string(l.Quality),
		DialogStarted: l.DialogStarted,
		SaleMade:      l.SaleMade,
		Actor:         actor,
	}
}

// Record returns the row as CSV fields.
func (r Row) Record() []string {
	return []string{
		r.At.Format(time.RFC3339),
		r.Event,
		strconv.FormatInt(r.TenantID, 10),
		strconv.FormatInt(r.LeadID, 10),
		r.Channel,
		r.Sender,
		strings.Join(r.Keywords, ", "),
		r.Text,
		r.Link,
		r.Quality,
		strconv.FormatBool(r.DialogStarted),
		strconv.FormatBool(r.SaleMade),
		r.Actor,
	}
}

// Header is the CSV header matching Record.
var Header = []string{
	"at", "event", "tenant_id", "lead_id", "channel", "sender", "keywords",
	"text", "link", "quality", "dialog_started", "sale_made", "actor",
}

// Writer appends rows to the external sink.
type Writer interface {
	AppendRows(ctx context.Context, rows []Row) error
}

// Alerter raises critical alerts.
type Alerter interface {
	Alert(ctx context.Context, kind alert.Kind, text string) bool
}

// Options configure a Buffer.
type Options struct {
	FlushInterval time.Duration
	Threshold     int
	Attempts      int
	// RetryStep is multiplied by the attempt number between retries.
	RetryStep time.Duration
	BackupDir string
}

// Buffer collects rows and flushes them on a timer or when full.
type Buffer struct {
	w       Writer
	opts    Options
	alerter Alerter
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	rows  []Row
	full  chan struct{}
	flush sync.Mutex
}

// New creates a Buffer. A nil alerter disables alerting.
func New(w Writer, opts Options, alerter Alerter, m *metrics.Metrics, log *slog.Logger) *Buffer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 100
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = 5 * time.Second
	}
	return &Buffer{
		w:       w,
		opts:    opts,
		alerter: alerter,
		metrics: m,
		log:     log,
		now:     time.Now,
		sleep:   sleep,
		full:    make(chan struct{}, 1),
	}
}

// Add queues a row. It never blocks on the writer.
func (b *Buffer) Add(r Row) {
	b.mu.Lock()
	b.rows = append(b.rows, r)
	n := len(b.rows)
	b.mu.Unlock()

	if n >= b.opts.Threshold {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered rows.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Run flushes periodically until ctx is cancelled, then flushes what is left.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.WithoutCancel(ctx)); err != nil {
				b.log.Error("final sink flush", "error", err)
			}
			return nil
		case <-ticker.C:
		case <-b.full:
		}
		if err := b.Flush(ctx); err != nil {
			b.log.Error("sink flush", "error", err)
		}
	}
}

// Flush writes buffered rows, retrying with linear backoff. When every
// attempt fails the batch is written to a backup file. The buffer is cleared
// either way.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flush.Lock()
	defer b.flush.Unlock()

	b.mu.Lock()
	rows := b.rows
	b.rows = nil
	b.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	var err error
	for attempt := 1; attempt <= b.opts.Attempts; attempt++ {
		if err = b.w.AppendRows(ctx, rows); err == nil {
			b.metrics.SinkFlush("ok")
			b.log.Debug("sink flushed", "rows", len(rows), "attempt", attempt)
			return nil
		}
		b.metrics.SinkFlush("retry")
		b.log.Warn("sink flush failed", "attempt", attempt, "rows", len(rows), "error", err)
		if attempt < b.opts.Attempts {
			if serr := b.sleep(ctx, time.Duration(attempt)*b.opts.RetryStep); serr != nil {
				break
			}
		}
	}

	path, berr := b.backup(rows)
	b.metrics.SinkFlush("backup")
	text := fmt.Sprintf("export of %d rows failed: %v", len(rows), err)
	if berr != nil {
		text += fmt.Sprintf("; backup failed: %v", berr)
	} else {
		text += "; saved to " + path
	}
	if b.alerter != nil {
		b.alerter.Alert(ctx, alert.SinkFailure, text)
	}
	if berr != nil {
		return fmt.Errorf("flush %d rows: %w", len(rows), errors.Join(err, berr))
	}
	return fmt.Errorf("flush %d rows (backed up to %s): %w", len(rows), path, err)
}

func (b *Buffer) backup(rows []Row) (string, error) {
	if err := os.MkdirAll(b.opts.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("export_backup_%s_%s.json", b.now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(b.opts.BackupDir, name)

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
