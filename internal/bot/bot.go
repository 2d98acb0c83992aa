package bot

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leadradar/internal/leadstate"
	"leadradar/internal/model"
)

// Store is the persistence the tenant commands use.
type Store interface {
	ListActiveChannels(ctx context.Context) ([]model.Channel, error)
	ListSubscriptions(ctx context.Context, tenantID int64) ([]model.Subscription, error)
	SetSubscription(ctx context.Context, tenantID, channelID int64, enabled bool) error
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	ListRecentLeads(ctx context.Context, tenantID int64, limit int) ([]model.Lead, error)
}

// CallbackHandler applies lead control callbacks.
type CallbackHandler interface {
	Handle(ctx context.Context, tenantID int64, ed leadstate.Editor, data, actor string) leadstate.Ack
}

// StatusReporter exposes pipeline health.
type StatusReporter interface {
	Snapshot() model.Health
	Healthy() bool
}

// Bot is a tenant's Telegram bot: it delivers lead notifications and
// handles the tenant's commands and button presses.
type Bot struct {
	*Client
	tenant    model.Tenant
	store     Store
	callbacks CallbackHandler
	status    StatusReporter
	log       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bot for tenant.
func New(client *Client, tenant model.Tenant, store Store, callbacks CallbackHandler, status StatusReporter, log *slog.Logger) *Bot {
	return &Bot{
		Client:    client,
		tenant:    tenant,
		store:     store,
		callbacks: callbacks,
		status:    status,
		log:       log.With("tenant_id", tenant.ID),
	}
}

// Start runs the update loop in the background until Close.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.Run(ctx)
	}()
}

// Close stops the update loop started by Start.
func (b *Bot) Close() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.allowed(update.Message.Chat.ID) {
				b.reply(ctx, update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) allowed(chatID int64) bool {
	return chatID == b.tenant.NotifyChatID
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.SendText(ctx, chatID, text); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(ctx, chatID)
	case "status":
		b.handleStatus(ctx, chatID)
	case cmdChannels:
		b.handleChannels(ctx, chatID)
	case cmdEnable:
		b.handleToggle(ctx, chatID, args, true)
	case cmdDisable:
		b.handleToggle(ctx, chatID, args, false)
	case "leads":
		b.handleLeads(ctx, chatID, args)
	default:
		b.reply(ctx, chatID, "Unknown command. Use /help for a list of commands.")
	}
}
