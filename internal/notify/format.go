package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"leadradar/internal/model"
)

const maxBodyRunes = 300

// Render formats a lead notification as Telegram HTML.
func Render(l *model.Lead) string {
	var b strings.Builder
	b.WriteString("🎯 <b>New lead</b>\n\n")

	sender := l.SenderName
	if sender == "" {
		sender = fmt.Sprintf("User %d", l.SenderID)
	}
	fmt.Fprintf(&b, "👤 <b>Sender:</b> %s\n", html.EscapeString(sender))
	if l.SenderUsername != "" {
		fmt.Fprintf(&b, "🔍 <b>Username:</b> @%s\n", html.EscapeString(l.SenderUsername))
	}
	fmt.Fprintf(&b, "📢 <b>Channel:</b> %s\n", html.EscapeString(l.ChannelTitle))
	link := l.Link
	if link == "" {
		link = "unavailable"
	}
	fmt.Fprintf(&b, "🔗 <b>Link:</b> %s\n", html.EscapeString(link))
	fmt.Fprintf(&b, "🎯 <b>Keywords:</b> %s\n\n", html.EscapeString(strings.Join(l.Keywords, ", ")))

	b.WriteString("💬 <b>Message:</b>\n")
	b.WriteString(html.EscapeString(truncate(l.Text, maxBodyRunes)))

	if l.Verdict != "" {
		fmt.Fprintf(&b, "\n\n🤖 <b>AI check:</b> %s", html.EscapeString(l.Verdict))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Link builds a deep link to a message in a private supergroup or channel.
// Channel ids of the form -100XXXX map to t.me/c/XXXX/<message>.
func Link(channelID, messageID int64) string {
	id := strconv.FormatInt(channelID, 10)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", id, messageID)
}
