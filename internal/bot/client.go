package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leadradar/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetMe() (tgbotapi.User, error)
}

// Client sends messages through one Telegram bot token.
type Client struct {
	api telegramAPI
}

// pollTimeout is the long-poll wait of getUpdates, in seconds.
const pollTimeout = 60

// NewClient creates a Client and verifies the token with the Telegram API.
// Every HTTP request is bounded by timeout on top of the long-poll wait, and
// the verification gives up when ctx is done.
func NewClient(ctx context.Context, token string, timeout time.Duration) (*Client, error) {
	return newClient(ctx, token, tgbotapi.APIEndpoint, timeout)
}

func newClient(ctx context.Context, token, endpoint string, timeout time.Duration) (*Client, error) {
	hc := &http.Client{Timeout: pollTimeout*time.Second + timeout}
	api, err := call(ctx, func() (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPIWithClient(token, endpoint, hc)
	})
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Client{api: api}, nil
}

// SendMessage posts an HTML message with inline controls and returns its id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, body string, controls model.Controls) (int, error) {
	msg := tgbotapi.NewMessage(chatID, body)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if len(controls) > 0 {
		msg.ReplyMarkup = keyboard(controls)
	}
	sent, err := call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(msg) })
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// EditControls replaces the inline keyboard of a sent message.
func (c *Client) EditControls(ctx context.Context, chatID int64, messageID int, controls model.Controls) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, keyboard(controls))
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.api.Request(edit) })
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		return fmt.Errorf("edit controls of %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(msg) }); err != nil {
		return fmt.Errorf("send text to %d: %w", chatID, err)
	}
	return nil
}

// Ping checks that the token is still accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := call(ctx, c.api.GetMe); err != nil {
		return fmt.Errorf("get me: %w", err)
	}
	return nil
}

func keyboard(controls model.Controls) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(controls))
	for _, r := range controls {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// call runs a blocking API call, returning early when ctx is done.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
