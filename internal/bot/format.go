package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leadradar/internal/model"
)

const (
	statusEnabled  = "on"
	statusDisabled = "off"
	timeFormat     = "2006-01-02 15:04 UTC"
)

// FormatChannelList formats the monitored channels and the tenant's
// subscription state for each.
func FormatChannelList(channels []model.Channel, enabled map[int64]bool) string {
	if len(channels) == 0 {
		return "No channels are being monitored yet."
	}
	var b strings.Builder
	b.WriteString("Channels:\n")
	on := 0
	for _, ch := range channels {
		status := statusDisabled
		if enabled[ch.ID] {
			status = statusEnabled
			on++
		}
		fmt.Fprintf(&b, "\n%d %s [%s]", ch.ID, ch.Name, status)
	}
	fmt.Fprintf(&b, "\n\n%d of %d enabled. Use /enable <id> or /disable <id>.", on, len(channels))
	return b.String()
}

// ChannelKeyboard returns toggle buttons for each channel.
func ChannelKeyboard(channels []model.Channel, enabled map[int64]bool) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(channels))
	for _, ch := range channels {
		label, data := "Enable "+ch.Name, fmt.Sprintf("%s:%d", cmdEnable, ch.ID)
		if enabled[ch.ID] {
			label, data = "Disable "+ch.Name, fmt.Sprintf("%s:%d", cmdDisable, ch.ID)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// FormatStatus formats the pipeline health record.
func FormatStatus(h model.Health, healthy bool) string {
	var b strings.Builder
	switch {
	case healthy:
		b.WriteString("✅ Pipeline is running\n")
	case h.Running:
		b.WriteString("⚠️ Pipeline heartbeat is stale\n")
	default:
		b.WriteString("❌ Pipeline is stopped\n")
	}
	if !h.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", h.StartedAt.UTC().Format(timeFormat))
	}
	if !h.LastHeartbeat.IsZero() {
		fmt.Fprintf(&b, "Last heartbeat: %s\n", h.LastHeartbeat.UTC().Format(timeFormat))
	}
	fmt.Fprintf(&b, "Channels: %d, tenants: %d\n", h.Channels, h.Tenants)
	fmt.Fprintf(&b, "Messages today: %d, total: %d\n", h.MessagesToday, h.MessagesTotal)
	fmt.Fprintf(&b, "Errors: %d", h.Errors)
	if h.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", h.LastError)
		if h.LastErrorAt != nil {
			fmt.Fprintf(&b, " (%s)", h.LastErrorAt.UTC().Format(timeFormat))
		}
	}
	return b.String()
}

// FormatLeadList formats recent leads, newest first.
func FormatLeadList(leads []model.Lead) string {
	if len(leads) == 0 {
		return "No leads yet."
	}
	var b strings.Builder
	b.WriteString("Recent leads:\n")
	for _, l := range leads {
		fmt.Fprintf(&b, "\n#%d %s  %s\n", l.ID, l.CreatedAt.UTC().Format(timeFormat), l.ChannelTitle)
		fmt.Fprintf(&b, "   %s\n", shorten(l.Text, 80))
		fmt.Fprintf(&b, "   keywords: %s; %s\n", strings.Join(l.Keywords, ", "), leadState(l))
	}
	return b.String()
}

func leadState(l model.Lead) string {
	parts := []string{qualityLabel(l.Quality)}
	if l.DialogStarted {
		parts = append(parts, "dialog")
	}
	if l.SaleMade {
		parts = append(parts, "sale")
	}
	return strings.Join(parts, ", ")
}

func qualityLabel(q model.Quality) string {
	if q == model.QualityUnset {
		return "new"
	}
	return string(q)
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
