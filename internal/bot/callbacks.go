package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leadradar/internal/leadstate"
)

const (
	cmdChannels = "channels"
	cmdEnable   = "enable"
	cmdDisable  = "disable"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	actor := actorName(cb.From)

	if leadstate.IsCallback(data) {
		ack := b.callbacks.Handle(ctx, b.tenant.ID, b, data, actor)
		b.answer(ctx, cb.ID, ack.Text, !ack.OK)
		return
	}

	if cb.Message == nil || !b.allowed(cb.Message.Chat.ID) {
		b.answer(ctx, cb.ID, "Access denied.", true)
		return
	}
	chatID := cb.Message.Chat.ID

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		b.answer(ctx, cb.ID, leadstate.AckFormatError, true)
		return
	}
	action, idStr := parts[0], parts[1]
	if _, err := strconv.ParseInt(idStr, 10, 64); err != nil {
		b.answer(ctx, cb.ID, leadstate.AckFormatError, true)
		return
	}
	b.answer(ctx, cb.ID, "", false)

	b.log.Info("callback",
		"action", action,
		"id", idStr,
		"chat_id", chatID,
		"actor", actor,
	)

	switch action {
	case cmdEnable:
		b.handleToggle(ctx, chatID, idStr, true)
	case cmdDisable:
		b.handleToggle(ctx, chatID, idStr, false)
	}
}

func (b *Bot) answer(ctx context.Context, id, text string, alert bool) {
	cfg := tgbotapi.NewCallback(id, text)
	cfg.ShowAlert = alert
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return b.api.Request(cfg) }); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
}

func actorName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return fmt.Sprintf("id:%d", u.ID)
}
