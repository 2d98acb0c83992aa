// Package dedup suppresses repeated messages and caps noisy senders before
// leads are stored.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"leadradar/internal/metrics"
	"leadradar/internal/model"
)

// Decision is the outcome of a dedup check.
type Decision int

// Possible decisions.
const (
	Accept Decision = iota
	// Redelivery is the same message seen again: not a duplicate of other
	// content, but nothing new to count either.
	Redelivery
	Duplicate
	RateLimited
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Redelivery:
		return "redelivery"
	case Duplicate:
		return "duplicate"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Proceed reports whether the message should continue to the lead store.
func (d Decision) Proceed() bool {
	return d == Accept || d == Redelivery
}

// Candidate is a message about to become a lead for one tenant.
type Candidate struct {
	TenantID  int64
	SenderID  int64
	ChannelID int64
	MessageID int64
	Text      string
}

// Store persists fingerprints.
type Store interface {
	// Get returns nil without error when the key is unknown.
	Get(ctx context.Context, key string) (*model.Fingerprint, error)
	CountSender(ctx context.Context, tenantID int64, senderKey string, since time.Time) (int, error)
	Touch(ctx context.Context, fp model.Fingerprint) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Options configure a Limiter.
type Options struct {
	// Window is how long an identical message is treated as a duplicate.
	Window time.Duration
	// HourlyCap is the number of distinct messages a sender may have in
	// the trailing hour.
	HourlyCap int
	// Now overrides the clock.
	Now func() time.Time
}

// Limiter implements the dedup and rate limit checks.
type Limiter struct {
	store   Store
	window  time.Duration
	cap     int
	now     func() time.Time
	metrics *metrics.Metrics

	// mu makes check-then-touch atomic within the process.
	mu sync.Mutex
}

// NewLimiter creates a Limiter.
func NewLimiter(store Store, opts Options, m *metrics.Metrics) *Limiter {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.HourlyCap <= 0 {
		opts.HourlyCap = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{store: store, window: opts.Window, cap: opts.HourlyCap, now: opts.Now, metrics: m}
}

// Window returns the duplicate window.
func (l *Limiter) Window() time.Duration { return l.window }

// Check decides what to do with a candidate and records accepted ones.
func (l *Limiter) Check(ctx context.Context, c Candidate) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.check(ctx, c)
	if err != nil {
		return Accept, err
	}
	l.metrics.Dedup(d.String())
	return d, nil
}

func (l *Limiter) check(ctx context.Context, c Candidate) (Decision, error) {
	now := l.now().UTC()
	sender := SenderKey(c.SenderID, c.ChannelID)
	key := Key(c.TenantID, sender, c.Text)

	fp, err := l.store.Get(ctx, key)
	if err != nil {
		return Accept, fmt.Errorf("get fingerprint: %w", err)
	}
	if fp != nil && now.Sub(fp.LastSeen) < l.window {
		if fp.ChannelID == c.ChannelID && fp.MessageID == c.MessageID {
			return Redelivery, nil
		}
		return Duplicate, nil
	}

	n, err := l.store.CountSender(ctx, c.TenantID, sender, now.Add(-time.Hour))
	if err != nil {
		return Accept, fmt.Errorf("count sender: %w", err)
	}
	if n >= l.cap {
		return RateLimited, nil
	}

	err = l.store.Touch(ctx, model.Fingerprint{
		Key:       key,
		TenantID:  c.TenantID,
		SenderKey: sender,
		ChannelID: c.ChannelID,
		MessageID: c.MessageID,
		LastSeen:  now,
	})
	if err != nil {
		return Accept, fmt.Errorf("touch fingerprint: %w", err)
	}
	return Accept, nil
}

// Sweep removes fingerprints older than twice the window.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	n, err := l.store.Purge(ctx, l.now().UTC().Add(-2*l.window))
	if err != nil {
		return 0, fmt.Errorf("purge fingerprints: %w", err)
	}
	return n, nil
}

// Normalize lower-cases text and collapses whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// SenderKey identifies the sender; anonymous channel posts are keyed by
// their channel.
func SenderKey(senderID, channelID int64) string {
	if senderID == 0 {
		return "chan:" + strconv.FormatInt(channelID, 10)
	}
	return strconv.FormatInt(senderID, 10)
}

// Key is the fingerprint of a tenant, sender and normalized text.
func Key(tenantID int64, senderKey, text string) string {
	h := sha256.Sum256([]byte(strconv.FormatInt(tenantID, 10) + ":" + senderKey + ":" + Normalize(text)))
	return hex.EncodeToString(h[:])
}
