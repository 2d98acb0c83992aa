package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"leadradar/internal/leadstate"
	"leadradar/internal/model"
	"leadradar/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID    int64
	Text      string
	ParseMode string
	Markup    any
}

type ackMsg struct {
	Text  string
	Alert bool
}

type editMsg struct {
	ChatID    int64
	MessageID int
	Labels    []string
}

type mockAPI struct {
	mu         sync.Mutex
	sent       []sentMsg
	acks       []ackMsg
	edits      []editMsg
	requestErr error
	updates    chan tgbotapi.Update
}

func newMockAPI() *mockAPI {
	return &mockAPI{updates: make(chan tgbotapi.Update, 10)}
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text, ParseMode: msg.ParseMode, Markup: msg.ReplyMarkup})
	}
	return tgbotapi.Message{MessageID: len(m.sent)}, nil
}

func (m *mockAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := c.(type) {
	case tgbotapi.CallbackConfig:
		m.acks = append(m.acks, ackMsg{Text: v.Text, Alert: v.ShowAlert})
	case tgbotapi.EditMessageReplyMarkupConfig:
		if m.requestErr != nil {
			return nil, m.requestErr
		}
		var labels []string
		for _, row := range v.ReplyMarkup.InlineKeyboard {
			for _, b := range row {
				labels = append(labels, b.Text)
			}
		}
		m.edits = append(m.edits, editMsg{ChatID: v.ChatID, MessageID: v.MessageID, Labels: labels})
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) GetMe() (tgbotapi.User, error) {
	return tgbotapi.User{ID: 1, IsBot: true, UserName: "leadradar_bot"}, nil
}

func (m *mockAPI) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Text
}

func (m *mockAPI) allTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Text
	}
	return out
}

func (m *mockAPI) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.acks = nil
	m.edits = nil
}

type stubStatus struct {
	health  model.Health
	healthy bool
}

func (s stubStatus) Snapshot() model.Health { return s.health }
func (s stubStatus) Healthy() bool          { return s.healthy }

// --- helpers ---

const tenantChat = 100

func newTestBot(t *testing.T) (*Bot, *mockAPI, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tenant := &model.Tenant{Name: "agency", BotToken: "token", NotifyChatID: tenantChat, IsActive: true}
	if err := store.CreateTenant(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := newMockAPI()
	machine := leadstate.NewMachine(store, nil, log)
	b := New(&Client{api: api}, *tenant, store, machine, stubStatus{healthy: true, health: model.Health{Running: true, Channels: 2}}, log)
	return b, api, store
}

func seedChannel(t *testing.T, store *storage.SQLite, id int64, name string) {
	t.Helper()
	if _, err := store.UpsertChannel(context.Background(), &model.Channel{ID: id, Name: name}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func seedLead(t *testing.T, store *storage.SQLite, tenantID int64, text string) *model.Lead {
	t.Helper()
	ctx := context.Background()
	l := &model.Lead{TenantID: tenantID, ChannelID: -1001, ChannelTitle: "Rent", MessageID: 5, SenderID: 9, Text: text, Keywords: []string{"сниму"}}
	if _, err := store.UpsertLead(ctx, l); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	if err := store.SetLeadDelivery(ctx, l.ID, tenantChat, 77); err != nil {
		t.Fatalf("set delivery: %v", err)
	}
	return l
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

func makeMsg(chatID int64, cmd, args string) *tgbotapi.Message {
	text := "/" + cmd
	if args != "" {
		text += " " + args
	}
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len("/" + cmd)},
		},
	}
}

// --- handler tests ---

func TestHandleStart(t *testing.T) {
	b, api, _ := newTestBot(t)
	b.handleStart(context.Background(), tenantChat)
	requireContains(t, api.lastText(), "Welcome to LeadRadar, agency")
}

func TestHandleHelp(t *testing.T) {
	b, api, _ := newTestBot(t)
	b.handleHelp(context.Background(), tenantChat)
	requireContains(t, api.lastText(), "/channels")
	requireContains(t, api.lastText(), "/leads")
}

func TestHandleStatus(t *testing.T) {
	b, api, _ := newTestBot(t)
	b.handleStatus(context.Background(), tenantChat)
	requireContains(t, api.lastText(), "Pipeline is running")
	requireContains(t, api.lastText(), "Channels: 2")
}

func TestHandleChannels(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleChannels(ctx, tenantChat)
		requireContains(t, api.lastText(), "No channels")
	})

	t.Run("with subscriptions", func(t *testing.T) {
		b, api, store := newTestBot(t)
		seedChannel(t, store, -1001, "Rent")
		seedChannel(t, store, -1002, "Sale")
		if err := store.SetSubscription(ctx, b.tenant.ID, -1002, false); err != nil {
			t.Fatalf("set subscription: %v", err)
		}

		b.handleChannels(ctx, tenantChat)
		reply := api.lastText()
		requireContains(t, reply, "-1001 Rent [on]")
		requireContains(t, reply, "-1002 Sale [off]")
		if _, ok := api.sent[len(api.sent)-1].Markup.(tgbotapi.InlineKeyboardMarkup); !ok {
			t.Error("expected inline keyboard")
		}
	})
}

func TestHandleToggle(t *testing.T) {
	ctx := context.Background()

	t.Run("bad args", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleToggle(ctx, tenantChat, "", true)
		requireContains(t, api.lastText(), "Usage: /enable")
	})

	t.Run("not found", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleToggle(ctx, tenantChat, "-999", false)
		requireContains(t, api.lastText(), "Channel -999 not found")
	})

	t.Run("disable then enable", func(t *testing.T) {
		b, api, store := newTestBot(t)
		seedChannel(t, store, -1001, "Rent")

		b.handleToggle(ctx, tenantChat, "-1001", false)
		requireContains(t, api.lastText(), "Channel Rent disabled")
		tenants, _ := store.ListInterestedTenants(ctx, -1001)
		if diff := cmp.Diff(0, len(tenants)); diff != "" {
			t.Errorf("interested tenants after disable (-want +got):\n%s", diff)
		}

		b.handleToggle(ctx, tenantChat, "-1001", true)
		requireContains(t, api.lastText(), "Channel Rent enabled")
		tenants, _ = store.ListInterestedTenants(ctx, -1001)
		if diff := cmp.Diff(1, len(tenants)); diff != "" {
			t.Errorf("interested tenants after enable (-want +got):\n%s", diff)
		}
	})
}

func TestHandleLeads(t *testing.T) {
	ctx := context.Background()

	t.Run("bad args", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		b.handleLeads(ctx, tenantChat, "lots")
		requireContains(t, api.lastText(), "Usage: /leads")
	})

	t.Run("lists own leads only", func(t *testing.T) {
		b, api, store := newTestBot(t)
		seedLead(t, store, b.tenant.ID, "Сниму квартиру")
		seedLead(t, store, b.tenant.ID+1, "Чужой лид")

		b.handleLeads(ctx, tenantChat, "")
		requireContains(t, api.lastText(), "Сниму квартиру")
		if strings.Contains(api.lastText(), "Чужой") {
			t.Errorf("leaked another tenant's lead:\n%s", api.lastText())
		}
	})
}

func TestHandleCommand(t *testing.T) {
	ctx := context.Background()
	b, api, _ := newTestBot(t)

	cmds := []struct {
		cmd      string
		contains string
	}{
		{"start", "Welcome"},
		{"help", "/enable"},
		{"status", "Pipeline"},
		{"channels", "No channels"},
		{"leads", "No leads yet"},
		{"unknown_cmd", "Unknown command"},
	}
	for _, tc := range cmds {
		api.reset()
		b.handleCommand(ctx, makeMsg(tenantChat, tc.cmd, ""))
		requireContains(t, api.lastText(), tc.contains)
	}
}

func TestRunDeniesOtherChats(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Start(ctx)
	api.updates <- tgbotapi.Update{Message: makeMsg(999, "leads", "")}
	api.updates <- tgbotapi.Update{Message: makeMsg(tenantChat, "help", "")}

	deadline := time.Now().Add(2 * time.Second)
	for len(api.allTexts()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Close()

	texts := api.allTexts()
	if len(texts) != 2 {
		t.Fatalf("got %d replies, want 2: %v", len(texts), texts)
	}
	if texts[0] != "Access denied." {
		t.Errorf("first reply = %q", texts[0])
	}
	requireContains(t, texts[1], "/channels")
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()
	from := &tgbotapi.User{ID: 5, UserName: "manager"}

	t.Run("lead action", func(t *testing.T) {
		b, api, store := newTestBot(t)
		l := seedLead(t, store, b.tenant.ID, "Сниму квартиру")
		cb := &tgbotapi.CallbackQuery{
			ID:      "cb1",
			From:    from,
			Data:    leadstate.CallbackData(l.ID, leadstate.ActionQualified),
			Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: tenantChat}},
		}
		b.handleCallback(ctx, cb)

		if diff := cmp.Diff([]ackMsg{{Text: leadstate.AckUpdated}}, api.acks); diff != "" {
			t.Errorf("acks mismatch (-want +got):\n%s", diff)
		}
		if len(api.edits) != 1 || api.edits[0].MessageID != 77 || api.edits[0].Labels[1] != "Qualified ✅" {
			t.Errorf("unexpected edits: %+v", api.edits)
		}
		got, err := store.GetLead(ctx, l.ID)
		if err != nil {
			t.Fatalf("get lead: %v", err)
		}
		if got.Quality != model.QualityQualified {
			t.Errorf("quality = %q", got.Quality)
		}
	})

	t.Run("edit failure still acknowledged", func(t *testing.T) {
		b, api, store := newTestBot(t)
		api.requestErr = errors.New("Bad Request: message to edit not found")
		l := seedLead(t, store, b.tenant.ID, "Сниму квартиру")
		cb := &tgbotapi.CallbackQuery{ID: "cb2", From: from, Data: leadstate.CallbackData(l.ID, leadstate.ActionSale)}
		b.handleCallback(ctx, cb)
		if diff := cmp.Diff([]ackMsg{{Text: leadstate.AckUpdated}}, api.acks); diff != "" {
			t.Errorf("acks mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown lead", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		cb := &tgbotapi.CallbackQuery{ID: "cb3", From: from, Data: "lead:spam:4040"}
		b.handleCallback(ctx, cb)
		if diff := cmp.Diff([]ackMsg{{Text: leadstate.AckNotFound, Alert: true}}, api.acks); diff != "" {
			t.Errorf("acks mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid data format", func(t *testing.T) {
		b, api, _ := newTestBot(t)
		cb := &tgbotapi.CallbackQuery{
			ID:      "cb4",
			From:    from,
			Data:    "nocolon",
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: tenantChat}},
		}
		b.handleCallback(ctx, cb)
		if diff := cmp.Diff(0, len(api.allTexts())); diff != "" {
			t.Errorf("expected no text messages (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]ackMsg{{Text: leadstate.AckFormatError, Alert: true}}, api.acks); diff != "" {
			t.Errorf("acks mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("disable callback", func(t *testing.T) {
		b, api, store := newTestBot(t)
		seedChannel(t, store, -1001, "Rent")
		cb := &tgbotapi.CallbackQuery{
			ID:      "cb5",
			From:    from,
			Data:    fmt.Sprintf("%s:%d", cmdDisable, -1001),
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: tenantChat}},
		}
		b.handleCallback(ctx, cb)
		requireContains(t, api.lastText(), "Channel Rent disabled")
	})

	t.Run("toggle from foreign chat", func(t *testing.T) {
		b, api, store := newTestBot(t)
		seedChannel(t, store, -1001, "Rent")
		cb := &tgbotapi.CallbackQuery{
			ID:      "cb6",
			From:    from,
			Data:    "disable:-1001",
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 999}},
		}
		b.handleCallback(ctx, cb)
		if diff := cmp.Diff([]ackMsg{{Text: "Access denied.", Alert: true}}, api.acks); diff != "" {
			t.Errorf("acks mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestClientSendMessage(t *testing.T) {
	api := newMockAPI()
	c := &Client{api: api}
	controls := model.Controls{{{Label: "Spam", Data: "lead:spam:1"}}}

	id, err := c.SendMessage(context.Background(), tenantChat, "<b>New lead</b>", controls)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != 1 {
		t.Errorf("message id = %d, want 1", id)
	}
	got := api.sent[0]
	if got.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("parse mode = %q", got.ParseMode)
	}
	kb, ok := got.Markup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || *kb.InlineKeyboard[0][0].CallbackData != "lead:spam:1" {
		t.Errorf("unexpected markup: %+v", got.Markup)
	}
}

func TestClientEditControlsNotModified(t *testing.T) {
	api := newMockAPI()
	api.requestErr = errors.New("Bad Request: message is not modified")
	c := &Client{api: api}
	if err := c.EditControls(context.Background(), tenantChat, 1, model.Controls{}); err != nil {
		t.Errorf("EditControls() = %v, want nil", err)
	}
}

func TestClientCancelledContext(t *testing.T) {
	c := &Client{api: newMockAPI()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SendText(ctx, tenantChat, "hi"); !errors.Is(err, context.Canceled) {
		t.Errorf("SendText() = %v, want context.Canceled", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}
