// Package supervisor keeps the listener connected and runs the periodic
// housekeeping around it: heartbeats, working set reloads, fingerprint
// sweeps, audit retention and the daily counter reset.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"leadradar/internal/alert"
	"leadradar/internal/health"
)

// ErrRetriesExhausted is returned by Run when the listener could not be
// reconnected within the backoff budget.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Backoff computes reconnect delays.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	// Jitter returns a factor applied to every delay. Nil means U(0.8, 1.2).
	Jitter func() float64
}

// DefaultBackoff returns 5s doubling up to 300s, at most 10 retries.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 300 * time.Second, MaxRetries: 10}
}

// Delay returns the wait before retry number attempt (zero based):
// min(base*2^attempt, max) scaled by the jitter factor.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Max)
	if attempt < 62 {
		d = math.Min(float64(b.Base)*math.Pow(2, float64(attempt)), float64(b.Max))
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = func() float64 { return 0.8 + rand.Float64()*0.4 }
	}
	return time.Duration(d * jitter())
}

// Listener is the connection being supervised.
type Listener interface {
	Listen(ctx context.Context) error
	Reload(ctx context.Context) error
}

// Sweeper removes expired runtime state.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// AuditPurger deletes audit rows recorded before a cutoff.
type AuditPurger interface {
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, kind alert.Kind, text string) bool
}

// Options tune the supervisor. Zero values take defaults.
type Options struct {
	Backoff           Backoff
	HeartbeatInterval time.Duration
	ReloadEveryBeats  int
	FailureThreshold  int
	SweepInterval     time.Duration
	// StableAfter is how long a connection must stay up before the retry
	// counter is reset.
	StableAfter time.Duration
	// DailyResetSpec is a cron expression evaluated in UTC.
	DailyResetSpec string
	// Probe, when set, is run before every heartbeat.
	Probe func(ctx context.Context) error
	// CountTenants, when set, refreshes the tenant gauge on reload beats.
	CountTenants func(ctx context.Context) (int, error)
	// Audit, when set, is purged of rows older than AuditRetention on
	// AuditPurgeSpec, a cron expression evaluated in UTC.
	Audit          AuditPurger
	AuditRetention time.Duration
	AuditPurgeSpec string
}

func (o *Options) defaults() {
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 5 * time.Second
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 300 * time.Second
	}
	if o.Backoff.MaxRetries <= 0 {
		o.Backoff.MaxRetries = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Minute
	}
	if o.ReloadEveryBeats <= 0 {
		o.ReloadEveryBeats = 5
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Minute
	}
	if o.StableAfter <= 0 {
		o.StableAfter = time.Minute
	}
	if o.DailyResetSpec == "" {
		o.DailyResetSpec = "0 0 * * *"
	}
	if o.AuditRetention <= 0 {
		o.AuditRetention = 30 * 24 * time.Hour
	}
	if o.AuditPurgeSpec == "" {
		o.AuditPurgeSpec = "30 3 * * *"
	}
}

// Supervisor runs the listener and the background jobs.
type Supervisor struct {
	listener Listener
	health   *health.Service
	sweeper  Sweeper
	alerter  Alerter
	opts     Options
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// heartbeat state, owned by the heartbeat goroutine
	beats    int
	failures int
}

// New creates a Supervisor. sweeper and alerter may be nil.
func New(l Listener, hs *health.Service, sweeper Sweeper, alerter Alerter, opts Options, log *slog.Logger) *Supervisor {
	opts.defaults()
	return &Supervisor{
		listener: l,
		health:   hs,
		sweeper:  sweeper,
		alerter:  alerter,
		opts:     opts,
		log:      log,
		now:      time.Now,
		sleep:    sleep,
	}
}

// Run marks the pipeline running and blocks until ctx is cancelled, the
// reconnect budget is exhausted or one of tasks fails. Extra tasks run in
// the same group and must return when their context ends. The health record
// is marked stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	if err := s.health.Start(ctx); err != nil {
		return fmt.Errorf("start health: %w", err)
	}
	defer func() {
		if err := s.health.Stop(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("persist stopped health", "error", err)
		}
	}()

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.opts.DailyResetSpec, func() {
		s.health.ResetDaily()
		s.log.Info("daily counters reset")
	}); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if s.opts.Audit != nil {
		if _, err := c.AddFunc(s.opts.AuditPurgeSpec, func() { s.purgeAudit(ctx) }); err != nil {
			return fmt.Errorf("schedule audit purge: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listen(gctx) })
	g.Go(func() error { return s.every(gctx, s.opts.HeartbeatInterval, s.beat) })
	if s.sweeper != nil {
		g.Go(func() error { return s.every(gctx, s.opts.SweepInterval, s.sweep) })
	}
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

// listen keeps one listener connection open, reconnecting with backoff.
func (s *Supervisor) listen(ctx context.Context) error {
	attempt := 0
	for {
		started := s.now()
		err := s.listener.Listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("source closed the connection")
		}
		if s.now().Sub(started) >= s.opts.StableAfter {
			attempt = 0
		}
		s.health.RecordError(err)

		if attempt >= s.opts.Backoff.MaxRetries {
			s.log.Error("listener reconnect exhausted", "attempts", attempt, "error", err)
			if s.alerter != nil {
				s.alerter.Alert(ctx, alert.ReconnectExhausted,
					fmt.Sprintf("Listener gave up after %d reconnect attempts: %v", attempt, err))
			}
			return fmt.Errorf("listen after %d attempts: %w", attempt, ErrRetriesExhausted)
		}

		delay := s.opts.Backoff.Delay(attempt)
		attempt++
		s.log.Warn("listener disconnected", "attempt", attempt, "retry_in", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// every runs fn on each tick until ctx ends.
func (s *Supervisor) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Supervisor) beat(ctx context.Context) {
	var err error
	if s.opts.Probe != nil {
		err = s.opts.Probe(ctx)
	}
	if err == nil {
		err = s.health.Beat(ctx)
	}

	if err != nil {
		s.failures++
		s.health.RecordError(err)
		s.log.Warn("heartbeat failed", "consecutive", s.failures, "error", err)
		if s.failures >= s.opts.FailureThreshold && s.alerter != nil {
			s.alerter.Alert(ctx, alert.HeartbeatFailure,
				fmt.Sprintf("Heartbeat failed %d times in a row: %v", s.failures, err))
		}
	} else {
		s.failures = 0
	}

	s.beats++
	if s.beats%s.opts.ReloadEveryBeats == 0 {
		if err := s.listener.Reload(ctx); err != nil {
			s.health.RecordError(err)
			s.log.Error("reload working set", "error", err)
		}
		if s.opts.CountTenants != nil {
			n, err := s.opts.CountTenants(ctx)
			if err != nil {
				s.health.RecordError(err)
				s.log.Error("count tenants", "error", err)
			} else {
				s.health.SetTenants(n)
			}
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep fingerprints", "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("fingerprints swept", "removed", n)
	}
}

func (s *Supervisor) purgeAudit(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.AuditRetention)
	n, err := s.opts.Audit.PurgeAudit(ctx, cutoff)
	if err != nil {
		s.health.RecordError(err)
		s.log.Error("purge audit", "error", err)
		return
	}
	s.log.Info("audit purged", "removed", n, "before", cutoff)
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
