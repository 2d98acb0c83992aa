// Package listener receives chat events from an external source and feeds
// canonical envelopes into a bounded worker pool.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"leadradar/internal/health"
	"leadradar/internal/metrics"
	"leadradar/internal/model"
)

// ErrAccessRevoked marks a channel the source can no longer read.
var ErrAccessRevoked = errors.New("access revoked")

// RawEvent is one message as delivered by a source.
type RawEvent struct {
	ChannelID      int64
	ChannelTitle   string
	MessageID      int64
	SenderID       int64
	SenderName     string
	SenderUsername string
	Text           string
	Date           time.Time
	IsChannelPost  bool
}

// Source delivers events over a single connection. Listen blocks until ctx
// is done (returning nil) or the connection is lost (returning an error).
type Source interface {
	Listen(ctx context.Context, handle func(RawEvent)) error
}

// Resolver looks up display names the source did not include.
type Resolver interface {
	ResolveSender(ctx context.Context, senderID int64) (name, username string, err error)
	ResolveChannel(ctx context.Context, channelID int64) (string, error)
}

// Prober checks whether a channel is still readable. Errors wrapping
// ErrAccessRevoked are permanent; anything else is transient.
type Prober interface {
	Probe(ctx context.Context, ch model.Channel) error
}

// Subscriber is told about working set changes.
type Subscriber interface {
	SetChannels(channels []model.Channel)
}

// ChannelSource lists the channels that should be listened to.
type ChannelSource interface {
	ActiveChannels(ctx context.Context) ([]model.Channel, error)
}

// Auditor stores every accepted envelope.
type Auditor interface {
	SaveRawMessage(ctx context.Context, env model.Envelope) error
}

// Handler processes one envelope.
type Handler interface {
	Handle(ctx context.Context, env model.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env model.Envelope)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env model.Envelope) { f(ctx, env) }

// Options tune the worker pool.
type Options struct {
	Workers   int
	QueueSize int
	// Audit, when set, receives every envelope before it is queued.
	Audit Auditor
}

// Listener owns the working set of channels and the processing queue.
type Listener struct {
	src      Source
	channels ChannelSource
	handler  Handler
	health   *health.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	opts     Options

	setMu   sync.RWMutex
	working map[int64]model.Channel

	queueMu sync.RWMutex
	closed  bool
	queue   chan model.Envelope
	wg      sync.WaitGroup
	started bool
}

// New creates a Listener. Call Start before Listen.
func New(src Source, channels ChannelSource, handler Handler, hs *health.Service, m *metrics.Metrics, log *slog.Logger, opts Options) *Listener {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	return &Listener{
		src:      src,
		channels: channels,
		handler:  handler,
		health:   hs,
		metrics:  m,
		log:      log,
		opts:     opts,
		working:  make(map[int64]model.Channel),
		queue:    make(chan model.Envelope, opts.QueueSize),
	}
}

// Start launches the worker pool. Workers keep running until Close, even
// after ctx is cancelled, so queued envelopes are drained.
func (l *Listener) Start(ctx context.Context) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true

	workCtx := context.WithoutCancel(ctx)
	for range l.opts.Workers {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for env := range l.queue {
				l.metrics.SetQueueDepth(len(l.queue))
				l.handler.Handle(workCtx, env)
			}
		}()
	}
}

// Listen runs one source connection.
func (l *Listener) Listen(ctx context.Context) error {
	return l.src.Listen(ctx, func(ev RawEvent) { l.dispatch(ctx, ev) })
}

// Reload re-reads the active channels and replaces the working set.
func (l *Listener) Reload(ctx context.Context) error {
	chs, err := l.channels.ActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("list active channels: %w", err)
	}

	next := make(map[int64]model.Channel, len(chs))
	for _, ch := range chs {
		next[ch.ID] = ch
	}

	l.setMu.Lock()
	var added, removed []int64
	for id := range next {
		if _, ok := l.working[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range l.working {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	l.working = next
	l.setMu.Unlock()

	slices.Sort(added)
	slices.Sort(removed)
	if len(added) > 0 || len(removed) > 0 {
		l.log.Info("working set reloaded", "channels", len(next), "added", added, "removed", removed)
	}

	if sub, ok := l.src.(Subscriber); ok {
		sub.SetChannels(chs)
	}
	if l.health != nil {
		l.health.SetChannels(len(next))
	}
	l.metrics.SetActiveChannels(len(next))
	return nil
}

// WorkingSet returns the IDs currently listened to, sorted.
func (l *Listener) WorkingSet() []int64 {
	l.setMu.RLock()
	defer l.setMu.RUnlock()
	ids := make([]int64, 0, len(l.working))
	for id := range l.working {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops accepting events, drains the queue and waits for workers.
func (l *Listener) Close() {
	l.queueMu.Lock()
	if l.closed {
		l.queueMu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.queueMu.Unlock()
	l.wg.Wait()
}

func (l *Listener) dispatch(ctx context.Context, ev RawEvent) {
	l.setMu.RLock()
	ch, ok := l.working[ev.ChannelID]
	l.setMu.RUnlock()
	if !ok {
		l.metrics.Event("ignored")
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		l.metrics.Event("ignored")
		return
	}

	env := l.envelope(ctx, ev, ch)

	if l.opts.Audit != nil {
		if err := l.opts.Audit.SaveRawMessage(ctx, env); err != nil {
			l.log.Warn("audit raw message", "channel_id", env.ChannelID, "message_id", env.MessageID, "error", err)
		}
	}

	l.enqueue(env)
}

func (l *Listener) envelope(ctx context.Context, ev RawEvent, ch model.Channel) model.Envelope {
	env := model.Envelope{
		ChannelID:      ev.ChannelID,
		ChannelTitle:   ev.ChannelTitle,
		MessageID:      ev.MessageID,
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		SenderUsername: ev.SenderUsername,
		Text:           ev.Text,
		Date:           ev.Date,
		IsChannelPost:  ev.IsChannelPost,
	}
	if env.Date.IsZero() {
		env.Date = time.Now().UTC()
	}

	res, _ := l.src.(Resolver)
	if env.ChannelTitle == "" {
		env.ChannelTitle = ch.Name
	}
	if env.ChannelTitle == "" && res != nil {
		title, err := res.ResolveChannel(ctx, env.ChannelID)
		if err != nil {
			l.log.Debug("resolve channel", "channel_id", env.ChannelID, "error", err)
		} else {
			env.ChannelTitle = title
		}
	}
	if env.SenderName == "" && env.SenderID != 0 && res != nil {
		name, username, err := res.ResolveSender(ctx, env.SenderID)
		if err != nil {
			l.log.Debug("resolve sender", "sender_id", env.SenderID, "error", err)
		} else {
			env.SenderName = name
			if env.SenderUsername == "" {
				env.SenderUsername = username
			}
		}
	}
	return env
}

func (l *Listener) enqueue(env model.Envelope) {
	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	if l.closed {
		l.metrics.Event("dropped")
		return
	}
	select {
	case l.queue <- env:
		l.metrics.Event("queued")
		l.metrics.SetQueueDepth(len(l.queue))
	default:
		l.metrics.Event("dropped")
		err := fmt.Errorf("queue full, dropped message %d from channel %d", env.MessageID, env.ChannelID)
		l.log.Warn("queue full", "channel_id", env.ChannelID, "message_id", env.MessageID)
		if l.health != nil {
			l.health.RecordError(err)
		}
	}
}
