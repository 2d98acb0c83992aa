package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"leadradar/internal/model"
)

type sentMsg struct {
	ChatID int64
	Body   string
}

type mockChannel struct {
	mu     sync.Mutex
	sent   []sentMsg
	err    error
	closed bool
	nextID int
}

func (m *mockChannel) SendMessage(_ context.Context, chatID int64, body string, _ model.Controls) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.sent = append(m.sent, sentMsg{ChatID: chatID, Body: body})
	m.nextID++
	return m.nextID, nil
}

func (m *mockChannel) EditControls(context.Context, int64, int, model.Controls) error { return nil }

func (m *mockChannel) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

type delivery struct {
	LeadID, ChatID int64
	MessageID      int
}

type mockStore struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (m *mockStore) SetLeadDelivery(_ context.Context, id, chatID int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, delivery{id, chatID, messageID})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherClientCreatedOnce(t *testing.T) {
	var created atomic.Int32
	factory := func(context.Context, model.Tenant) (Channel, error) {
		created.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &mockChannel{}, nil
	}
	d := NewDispatcher(factory, &mockStore{}, time.Second, nil, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Client(context.Background(), model.Tenant{ID: 1}); err != nil {
				t.Errorf("client: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if _, err := d.Client(context.Background(), model.Tenant{ID: 2}); err != nil {
		t.Fatalf("client: %v", err)
	}
	if d.Len() != 2 {
		t.Errorf("cached %d clients, want 2", d.Len())
	}
}

func TestDispatcherFactoryErrorRetriedLater(t *testing.T) {
	calls := 0
	factory := func(context.Context, model.Tenant) (Channel, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("unauthorized")
		}
		return &mockChannel{}, nil
	}
	d := NewDispatcher(factory, &mockStore{}, 0, nil, discardLogger())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := d.Client(context.Background(), model.Tenant{ID: 1}); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if calls != 1 {
		t.Errorf("factory called %d times within retry window, want 1", calls)
	}

	now = now.Add(DefaultRetryAfter)
	if _, err := d.Client(context.Background(), model.Tenant{ID: 1}); err != nil {
		t.Fatalf("attempt after retry window: %v", err)
	}
	if calls != 2 {
		t.Errorf("factory called %d times, want 2", calls)
	}
}

func TestDispatcherFactoryTimeout(t *testing.T) {
	factory := func(ctx context.Context, _ model.Tenant) (Channel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := NewDispatcher(factory, &mockStore{}, 20*time.Millisecond, nil, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := d.Client(context.Background(), model.Tenant{ID: 1})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client creation not bounded by the dispatcher timeout")
	}
}

func TestDeliver(t *testing.T) {
	ch := &mockChannel{}
	store := &mockStore{}
	d := NewDispatcher(func(context.Context, model.Tenant) (Channel, error) { return ch, nil }, store, time.Second, nil, discardLogger())

	tenant := model.Tenant{ID: 1, NotifyChatID: 100}
	lead := &model.Lead{ID: 7, TenantID: 1, Text: "ищу квартиру", Keywords: []string{"квартир"}}

	if err := d.Deliver(context.Background(), tenant, lead, Destination(tenant, 0)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := d.Deliver(context.Background(), tenant, lead, Destination(tenant, 555)); err != nil {
		t.Fatalf("deliver override: %v", err)
	}

	if diff := cmp.Diff([]delivery{{7, 100, 1}, {7, 555, 2}}, store.deliveries); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	if lead.NotifyChatID != 100 || lead.NotifyMessageID != 1 {
		t.Errorf("primary handle = %d/%d, want 100/1", lead.NotifyChatID, lead.NotifyMessageID)
	}
}

func TestDeliverErrors(t *testing.T) {
	store := &mockStore{}
	ch := &mockChannel{err: errors.New("bot was blocked by the user")}
	d := NewDispatcher(func(context.Context, model.Tenant) (Channel, error) { return ch, nil }, store, time.Second, nil, discardLogger())

	if err := d.Deliver(context.Background(), model.Tenant{ID: 1}, &model.Lead{ID: 1}, 0); err == nil {
		t.Error("expected error for missing chat")
	}
	if err := d.Deliver(context.Background(), model.Tenant{ID: 1}, &model.Lead{ID: 1}, 100); err == nil {
		t.Error("expected send error")
	}
	if len(store.deliveries) != 0 {
		t.Errorf("delivery recorded on failure: %+v", store.deliveries)
	}
}

func TestDispatcherClose(t *testing.T) {
	ch := &mockChannel{}
	d := NewDispatcher(func(context.Context, model.Tenant) (Channel, error) { return ch, nil }, &mockStore{}, 0, nil, discardLogger())
	d.Warm(context.Background(), []model.Tenant{{ID: 1}})
	d.Close()
	if !ch.closed {
		t.Error("client not closed")
	}
	if d.Len() != 0 {
		t.Errorf("cache not emptied: %d", d.Len())
	}
}

func TestRender(t *testing.T) {
	l := &model.Lead{
		SenderName:     "Ivan <admin>",
		SenderUsername: "ivan",
		ChannelTitle:   "Rent & Sale",
		Link:           "https://t.me/c/123/45",
		Keywords:       []string{"сниму", "квартир"},
		Text:           strings.Repeat("я", 310),
		Verdict:        "yes",
	}
	got := Render(l)

	for _, want := range []string{
		"Ivan &lt;admin&gt;",
		"@ivan",
		"Rent &amp; Sale",
		"https://t.me/c/123/45",
		"сниму, квартир",
		strings.Repeat("я", 300) + "...",
		"<b>AI check:</b> yes",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Render() missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, strings.Repeat("я", 301)) {
		t.Error("body not truncated")
	}
}

func TestRenderMinimal(t *testing.T) {
	got := Render(&model.Lead{SenderID: 42, Text: "short"})
	if !strings.Contains(got, "User 42") || strings.Contains(got, "Username") || strings.Contains(got, "AI check") {
		t.Errorf("unexpected render:\n%s", got)
	}
	if !strings.Contains(got, "unavailable") {
		t.Errorf("missing link placeholder:\n%s", got)
	}
}

func TestLink(t *testing.T) {
	tests := []struct {
		channel, msg int64
		want         string
	}{
		{-1001234567890, 42, "https://t.me/c/1234567890/42"},
		{-4567, 1, "https://t.me/c/4567/1"},
		{777, 3, "https://t.me/c/777/3"},
	}
	for _, tt := range tests {
		if got := Link(tt.channel, tt.msg); got != tt.want {
			t.Errorf("Link(%d, %d) = %q, want %q", tt.channel, tt.msg, got, tt.want)
		}
	}
}
