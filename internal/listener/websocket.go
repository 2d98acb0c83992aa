package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leadradar/internal/model"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxPayloadSize = 1 << 20
)

// wsFrame is the JSON frame exchanged with the chat bridge.
type wsFrame struct {
	Type           string  `json:"type"`
	Channels       []int64 `json:"channels,omitempty"`
	ChannelID      int64   `json:"channel_id,omitempty"`
	ChannelTitle   string  `json:"channel_title,omitempty"`
	MessageID      int64   `json:"message_id,omitempty"`
	SenderID       int64   `json:"sender_id,omitempty"`
	SenderName     string  `json:"sender_name,omitempty"`
	SenderUsername string  `json:"sender_username,omitempty"`
	Text           string  `json:"text,omitempty"`
	Date           int64   `json:"date,omitempty"`
	IsChannelPost  bool    `json:"is_channel_post,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// WebSocketSource reads message frames from a chat bridge over a websocket.
type WebSocketSource struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels []int64
}

// NewWebSocketSource creates a source dialing url.
func NewWebSocketSource(url string, header http.Header, log *slog.Logger) *WebSocketSource {
	return &WebSocketSource{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		log:    log,
	}
}

// SetChannels replaces the subscription and pushes it to a live connection.
func (s *WebSocketSource) SetChannels(channels []model.Channel) {
	ids := make([]int64, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = ids
	if s.conn != nil {
		if err := s.writeLocked(wsFrame{Type: "subscribe", Channels: ids}); err != nil {
			s.log.Warn("push subscription", "error", err)
		}
	}
}

// Ping reports an error when no bridge connection is open.
func (s *WebSocketSource) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("bridge %s: not connected", s.url)
	}
	return nil
}

// Listen dials the bridge, subscribes and forwards message frames until ctx
// ends or the connection breaks.
func (s *WebSocketSource) Listen(ctx context.Context, handle func(RawEvent)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	err = s.writeLocked(wsFrame{Type: "subscribe", Channels: s.channels})
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	conn.SetReadLimit(wsMaxPayloadSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("invalid frame", "error", err)
			continue
		}
		switch frame.Type {
		case "message":
			handle(frame.event())
		case "error":
			s.log.Warn("bridge error", "error", frame.Error)
		}
	}
}

// pingLoop keeps the connection alive and closes it when ctx ends so the
// blocked read returns.
func (s *WebSocketSource) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			s.mu.Unlock()
			_ = conn.Close()
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			s.mu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketSource) writeLocked(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (f wsFrame) event() RawEvent {
	ev := RawEvent{
		ChannelID:      f.ChannelID,
		ChannelTitle:   f.ChannelTitle,
		MessageID:      f.MessageID,
		SenderID:       f.SenderID,
		SenderName:     f.SenderName,
		SenderUsername: f.SenderUsername,
		Text:           f.Text,
		IsChannelPost:  f.IsChannelPost,
	}
	if f.Date > 0 {
		ev.Date = time.Unix(f.Date, 0).UTC()
	}
	return ev
}
