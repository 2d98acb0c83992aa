package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leadradar/internal/storage"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, fmt.Sprintf(`Welcome to LeadRadar, %s!

New leads from the monitored channels arrive here with buttons to track them:
qualification, dialog started and sale made.

Use /help for the full command reference.`, b.tenant.Name))
}

func (b *Bot) handleHelp(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, `Commands:
/status — pipeline health
/channels — monitored channels and your subscriptions
/enable <id> — receive leads from a channel
/disable <id> — stop leads from a channel
/leads [n] — latest leads (default 10, max 50)`)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	if b.status == nil {
		b.reply(ctx, chatID, "Status is unavailable.")
		return
	}
	b.reply(ctx, chatID, FormatStatus(b.status.Snapshot(), b.status.Healthy()))
}

func (b *Bot) handleChannels(ctx context.Context, chatID int64) {
	channels, err := b.store.ListActiveChannels(ctx)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	subs, err := b.store.ListSubscriptions(ctx, b.tenant.ID)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	enabled := make(map[int64]bool, len(subs))
	for _, s := range subs {
		enabled[s.ChannelID] = s.IsEnabled
	}

	msg := tgbotapi.NewMessage(chatID, FormatChannelList(channels, enabled))
	if len(channels) > 0 {
		msg.ReplyMarkup = ChannelKeyboard(channels, enabled)
	}
	if _, err := call(ctx, func() (tgbotapi.Message, error) { return b.api.Send(msg) }); err != nil {
		b.log.Error("send channel list", "error", err)
	}
}

func (b *Bot) handleToggle(ctx context.Context, chatID int64, args string, enable bool) {
	cmd := cmdDisable
	if enable {
		cmd = cmdEnable
	}
	id, err := ParseChannelArg(args)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Usage: /%s <channel_id>", cmd))
		return
	}

	ch, err := b.store.GetChannel(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !ch.IsActive) {
		b.reply(ctx, chatID, fmt.Sprintf("Channel %d not found.", id))
		return
	}
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	if err := b.store.SetSubscription(ctx, b.tenant.ID, id, enable); err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Failed to update subscription: %v", err))
		return
	}
	b.log.Info("subscription changed", "channel_id", id, "enabled", enable)

	state := "disabled"
	if enable {
		state = "enabled"
	}
	b.reply(ctx, chatID, fmt.Sprintf("Channel %s %s.", ch.Name, state))
}

func (b *Bot) handleLeads(ctx context.Context, chatID int64, args string) {
	limit, err := ParseLimitArg(args)
	if err != nil {
		b.reply(ctx, chatID, "Usage: /leads [count]")
		return
	}
	leads, err := b.store.ListRecentLeads(ctx, b.tenant.ID, limit)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(ctx, chatID, FormatLeadList(leads))
}
