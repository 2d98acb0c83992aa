// Package notify delivers lead notifications through per-tenant channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"leadradar/internal/leadstate"
	"leadradar/internal/metrics"
	"leadradar/internal/model"
)

// Channel is a tenant's outbound notification client.
type Channel interface {
	// SendMessage posts an HTML body with controls and returns the message id.
	SendMessage(ctx context.Context, chatID int64, body string, controls model.Controls) (int, error)
	EditControls(ctx context.Context, chatID int64, messageID int, controls model.Controls) error
	Close()
}

// Factory creates the channel of a tenant.
type Factory func(ctx context.Context, t model.Tenant) (Channel, error)

// DeliveryStore records where a lead was delivered.
type DeliveryStore interface {
	SetLeadDelivery(ctx context.Context, id, chatID int64, messageID int) error
}

// DefaultRetryAfter is how long a failed client creation is remembered
// before the factory is tried again for the same tenant.
const DefaultRetryAfter = time.Minute

type failure struct {
	at  time.Time
	err error
}

// Dispatcher caches one channel per tenant for the process lifetime.
type Dispatcher struct {
	factory    Factory
	store      DeliveryStore
	timeout    time.Duration
	retryAfter time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	clients map[int64]Channel
	failed  map[int64]failure
	group   singleflight.Group
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(factory Factory, store DeliveryStore, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		factory:    factory,
		store:      store,
		timeout:    timeout,
		retryAfter: DefaultRetryAfter,
		metrics:    m,
		log:        log,
		now:        time.Now,
		clients:    make(map[int64]Channel),
		failed:     make(map[int64]failure),
	}
}

// Client returns the cached channel of t, creating it on first use.
// Concurrent first calls for the same tenant create a single client. The
// factory runs under the dispatcher timeout and a failure is returned to
// every caller until retryAfter has passed.
func (d *Dispatcher) Client(ctx context.Context, t model.Tenant) (Channel, error) {
	d.mu.Lock()
	c, ok := d.clients[t.ID]
	f, failed := d.failed[t.ID]
	d.mu.Unlock()
	if ok {
		return c, nil
	}
	if failed && d.now().Sub(f.at) < d.retryAfter {
		return nil, fmt.Errorf("create client for tenant %d: %w", t.ID, f.err)
	}

	v, err, _ := d.group.Do(strconv.FormatInt(t.ID, 10), func() (any, error) {
		d.mu.Lock()
		if c, ok := d.clients[t.ID]; ok {
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		fctx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		c, err := d.factory(fctx, t)
		d.mu.Lock()
		defer d.mu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				d.failed[t.ID] = failure{at: d.now(), err: err}
			}
			return nil, err
		}
		delete(d.failed, t.ID)
		d.clients[t.ID] = c
		d.log.Info("tenant client created", "tenant_id", t.ID)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create client for tenant %d: %w", t.ID, err)
	}
	return v.(Channel), nil
}

// Warm creates the clients of tenants so their update loops receive
// callbacks for notifications sent before a restart.
func (d *Dispatcher) Warm(ctx context.Context, tenants []model.Tenant) {
	for _, t := range tenants {
		if _, err := d.Client(ctx, t); err != nil {
			d.log.Error("warm tenant client", "tenant_id", t.ID, "error", err)
		}
	}
}

// Destination picks the rule group override or the tenant default chat.
func Destination(t model.Tenant, override int64) int64 {
	if override != 0 {
		return override
	}
	return t.NotifyChatID
}

// Deliver sends the notification of l to chatID and records the delivery.
// Errors are returned to the caller for logging and never affect other
// tenants.
func (d *Dispatcher) Deliver(ctx context.Context, t model.Tenant, l *model.Lead, chatID int64) error {
	if chatID == 0 {
		d.metrics.Notification("error")
		return fmt.Errorf("tenant %d has no notification chat", t.ID)
	}
	c, err := d.Client(ctx, t)
	if err != nil {
		d.metrics.Notification("error")
		return err
	}

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	msgID, err := c.SendMessage(sendCtx, chatID, Render(l), leadstate.Controls(l))
	if err != nil {
		d.metrics.Notification("error")
		return fmt.Errorf("send lead %d: %w", l.ID, err)
	}
	d.metrics.Notification("sent")

	if err := d.store.SetLeadDelivery(ctx, l.ID, chatID, msgID); err != nil {
		return fmt.Errorf("record delivery of lead %d: %w", l.ID, err)
	}
	if !l.Delivered() {
		l.NotifyChatID = chatID
		l.NotifyMessageID = msgID
	}
	return nil
}

// Close closes every cached client.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.clients {
		c.Close()
		delete(d.clients, id)
	}
}

// Len returns the number of cached clients.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}
