package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"leadradar/internal/alert"
	"leadradar/internal/health"
	"leadradar/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockListener fails every Listen call, optionally staying "up" for a while
// first, as given by uptimes (one entry per call, missing entries mean 0).
type mockListener struct {
	mu      sync.Mutex
	clock   *fakeClock
	uptimes []time.Duration
	calls   int
	reloads int
	listen  func(ctx context.Context) error
}

func (m *mockListener) Listen(ctx context.Context) error {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if m.listen != nil {
		return m.listen(ctx)
	}
	if i < len(m.uptimes) {
		m.clock.Advance(m.uptimes[i])
	}
	return errors.New("connection reset")
}

func (m *mockListener) Reload(context.Context) error {
	m.mu.Lock()
	m.reloads++
	m.mu.Unlock()
	return nil
}

type mockAlerter struct {
	mu    sync.Mutex
	kinds []alert.Kind
}

func (m *mockAlerter) Alert(_ context.Context, kind alert.Kind, _ string) bool {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
	return true
}

type mockSweeper struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSweeper) Sweep(context.Context) (int64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return 1, nil
}

type mockPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (m *mockPurger) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return 3, m.err
}

func newTestSupervisor(t *testing.T, l Listener, al Alerter, opts Options) (*Supervisor, *health.Service, *fakeClock) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	hs := health.New(store, clock.Now)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Backoff.Jitter = func() float64 { return 1 }

	s := New(l, hs, nil, al, opts, log)
	s.now = clock.Now
	return s, hs, clock
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	b.Jitter = func() float64 { return 1 }

	var got []time.Duration
	for attempt := range 8 {
		got = append(got, b.Delay(attempt))
	}
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}

	if d := b.Delay(1000); d != 300*time.Second {
		t.Errorf("Delay(1000) = %v, want capped at 300s", d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := DefaultBackoff()
	for range 200 {
		d := b.Delay(2)
		if d < 16*time.Second || d > 24*time.Second {
			t.Fatalf("Delay(2) = %v, want within [16s, 24s]", d)
		}
	}
}

func TestListenRetriesExhausted(t *testing.T) {
	al := &mockAlerter{}
	l := &mockListener{}
	s, hs, clock := newTestSupervisor(t, l, al, Options{Backoff: Backoff{MaxRetries: 3}})
	l.clock = clock

	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := s.listen(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("listen() = %v, want ErrRetriesExhausted", err)
	}
	if l.calls != 4 {
		t.Errorf("Listen calls = %d, want 4", l.calls)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]alert.Kind{alert.ReconnectExhausted}, al.kinds); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}
	if got := hs.Snapshot().Errors; got != 4 {
		t.Errorf("health errors = %d, want 4", got)
	}
}

func TestListenStableConnectionResetsAttempts(t *testing.T) {
	l := &mockListener{
		// two quick failures, one long session, then quick failures again
		uptimes: []time.Duration{0, 0, 2 * time.Minute},
	}
	s, _, clock := newTestSupervisor(t, l, &mockAlerter{}, Options{Backoff: Backoff{MaxRetries: 2}})
	l.clock = clock

	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	if err := s.listen(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("listen() = %v, want ErrRetriesExhausted", err)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 5 * time.Second, 10 * time.Second}
	if diff := cmp.Diff(want, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
	if l.calls != 5 {
		t.Errorf("Listen calls = %d, want 5", l.calls)
	}
}

func TestListenStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &mockListener{listen: func(ctx context.Context) error {
		cancel()
		return errors.New("closed")
	}}
	s, hs, _ := newTestSupervisor(t, l, &mockAlerter{}, Options{})

	if err := s.listen(ctx); err != nil {
		t.Fatalf("listen() = %v, want nil", err)
	}
	if got := hs.Snapshot().Errors; got != 0 {
		t.Errorf("health errors = %d, want 0 on shutdown", got)
	}
}

func TestBeat(t *testing.T) {
	probeErr := errors.New("bridge down")
	var failing bool
	al := &mockAlerter{}
	l := &mockListener{}
	tenants := 0
	s, hs, clock := newTestSupervisor(t, l, al, Options{
		ReloadEveryBeats: 2,
		CountTenants: func(context.Context) (int, error) {
			tenants++
			return tenants, nil
		},
		Probe: func(context.Context) error {
			if failing {
				return probeErr
			}
			return nil
		},
	})
	ctx := context.Background()
	if err := hs.Start(ctx); err != nil {
		t.Fatalf("start health: %v", err)
	}

	t.Run("success touches heartbeat", func(t *testing.T) {
		clock.Advance(time.Minute)
		s.beat(ctx)
		if got := hs.Snapshot().LastHeartbeat; !got.Equal(clock.Now()) {
			t.Errorf("LastHeartbeat = %v, want %v", got, clock.Now())
		}
	})

	t.Run("reload every n beats", func(t *testing.T) {
		s.beat(ctx)
		if l.reloads != 1 {
			t.Errorf("reloads = %d, want 1", l.reloads)
		}
		if got := hs.Snapshot().Tenants; got != 1 {
			t.Errorf("Tenants = %d, want 1", got)
		}
		s.beat(ctx)
		s.beat(ctx)
		if got := hs.Snapshot().Tenants; got != 2 {
			t.Errorf("Tenants after second reload = %d, want 2", got)
		}
	})

	t.Run("alert after consecutive failures", func(t *testing.T) {
		failing = true
		before := hs.Snapshot().LastHeartbeat
		clock.Advance(time.Minute)
		s.beat(ctx)
		s.beat(ctx)
		if len(al.kinds) != 0 {
			t.Fatalf("alerted after 2 failures: %v", al.kinds)
		}
		s.beat(ctx)
		if diff := cmp.Diff([]alert.Kind{alert.HeartbeatFailure}, al.kinds); diff != "" {
			t.Errorf("alerts mismatch (-want +got):\n%s", diff)
		}
		if got := hs.Snapshot().LastHeartbeat; !got.Equal(before) {
			t.Errorf("failed probe touched heartbeat: %v", got)
		}
	})

	t.Run("success resets failure streak", func(t *testing.T) {
		failing = false
		s.beat(ctx)
		if s.failures != 0 {
			t.Errorf("failures = %d, want 0", s.failures)
		}
	})
}

func TestPurgeAudit(t *testing.T) {
	p := &mockPurger{}
	s, hs, clock := newTestSupervisor(t, &mockListener{}, nil, Options{Audit: p, AuditRetention: 48 * time.Hour})

	s.purgeAudit(context.Background())
	if diff := cmp.Diff([]time.Time{clock.Now().Add(-48 * time.Hour)}, p.cutoffs); diff != "" {
		t.Errorf("cutoffs mismatch (-want +got):\n%s", diff)
	}

	p.err = errors.New("disk I/O error")
	s.purgeAudit(context.Background())
	if got := hs.Snapshot().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestDefaultAuditRetention(t *testing.T) {
	s, _, _ := newTestSupervisor(t, &mockListener{}, nil, Options{})
	if s.opts.AuditRetention != 30*24*time.Hour {
		t.Errorf("AuditRetention = %v, want 720h", s.opts.AuditRetention)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &mockListener{listen: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}
	s, hs, _ := newTestSupervisor(t, l, &mockAlerter{}, Options{})
	sw := &mockSweeper{}
	s.sweeper = sw

	taskDone := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			close(taskDone)
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !hs.Snapshot().Running {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never marked running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-taskDone
	if hs.Snapshot().Running {
		t.Error("pipeline still marked running after Run returned")
	}
}

func TestRunReturnsExhaustion(t *testing.T) {
	al := &mockAlerter{}
	l := &mockListener{}
	s, _, clock := newTestSupervisor(t, l, al, Options{Backoff: Backoff{MaxRetries: 1}})
	l.clock = clock
	s.sleep = func(context.Context, time.Duration) error { return nil }

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("Run() = %v, want ErrRetriesExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after exhaustion")
	}
}

func TestRunInvalidCron(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "daily reset", opts: Options{DailyResetSpec: "not a spec"}},
		{name: "audit purge", opts: Options{Audit: &mockPurger{}, AuditPurgeSpec: "every night"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSupervisor(t, &mockListener{}, nil, tt.opts)
			if err := s.Run(context.Background()); err == nil {
				t.Fatal("expected error for invalid cron spec")
			}
		})
	}
}
