package listener

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"leadradar/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// statusError is returned for non-200 feed responses.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// FeedSource polls one RSS/Atom feed per channel. The feed URL is built by
// replacing {ref} in the template with the channel's join reference, or its
// ID when the reference is empty.
type FeedSource struct {
	client   HTTPClient
	template string
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	channels []model.Channel
	seen     map[int64]map[string]struct{}
}

// NewFeedSource creates a FeedSource.
func NewFeedSource(client HTTPClient, template string, interval time.Duration, log *slog.Logger) *FeedSource {
	return &FeedSource{
		client:   client,
		template: template,
		interval: interval,
		timeout:  30 * time.Second,
		log:      log,
		seen:     make(map[int64]map[string]struct{}),
	}
}

// SetChannels replaces the polled channel list.
func (f *FeedSource) SetChannels(channels []model.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append([]model.Channel(nil), channels...)
	keep := make(map[int64]struct{}, len(channels))
	for _, ch := range channels {
		keep[ch.ID] = struct{}{}
	}
	for id := range f.seen {
		if _, ok := keep[id]; !ok {
			delete(f.seen, id)
		}
	}
}

// Listen polls every channel on each tick. A poll in which every feed fails
// with a transport error counts as a lost connection.
func (f *FeedSource) Listen(ctx context.Context, handle func(RawEvent)) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.pollAll(ctx, handle); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Probe fetches the channel feed once. Missing or forbidden feeds are
// reported as ErrAccessRevoked.
func (f *FeedSource) Probe(ctx context.Context, ch model.Channel) error {
	_, err := f.fetch(ctx, f.feedURL(ch))
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %v", ErrAccessRevoked, err)
		}
	}
	return err
}

func (f *FeedSource) pollAll(ctx context.Context, handle func(RawEvent)) error {
	f.mu.Lock()
	channels := append([]model.Channel(nil), f.channels...)
	f.mu.Unlock()

	failed := 0
	var lastErr error
	for _, ch := range channels {
		if ctx.Err() != nil {
			return nil
		}
		feed, err := f.fetch(ctx, f.feedURL(ch))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("fetch feed", "channel_id", ch.ID, "error", err)
			var se *statusError
			if !errors.As(err, &se) {
				failed++
				lastErr = err
			}
			continue
		}
		for _, ev := range f.fresh(ch, feed) {
			handle(ev)
		}
	}
	if len(channels) > 0 && failed == len(channels) {
		return fmt.Errorf("all feeds unreachable: %w", lastErr)
	}
	return nil
}

// fresh returns items not seen in the previous poll of the channel. The
// first poll of a channel only records what is already there.
func (f *FeedSource) fresh(ch model.Channel, feed *gofeed.Feed) []RawEvent {
	current := make(map[string]struct{}, len(feed.Items))
	for _, item := range feed.Items {
		current[ItemGUID(item)] = struct{}{}
	}

	f.mu.Lock()
	prev, primed := f.seen[ch.ID]
	f.seen[ch.ID] = current
	f.mu.Unlock()
	if !primed {
		return nil
	}

	title := ch.Name
	if title == "" {
		title = feed.Title
	}

	var events []RawEvent
	// Feeds list newest first; emit oldest first.
	for i := len(feed.Items) - 1; i >= 0; i-- {
		item := feed.Items[i]
		if _, ok := prev[ItemGUID(item)]; ok {
			continue
		}
		ev := RawEvent{
			ChannelID:     ch.ID,
			ChannelTitle:  title,
			MessageID:     ItemMessageID(item),
			Text:          itemText(item),
			IsChannelPost: true,
		}
		if item.PublishedParsed != nil {
			ev.Date = item.PublishedParsed.UTC()
		}
		if item.Author != nil {
			ev.SenderName = item.Author.Name
		}
		events = append(events, ev)
	}
	return events
}

func (f *FeedSource) feedURL(ch model.Channel) string {
	ref := ch.JoinRef
	if ref == "" {
		ref = strconv.FormatInt(ch.ID, 10)
	}
	return strings.ReplaceAll(f.template, "{ref}", url.PathEscape(strings.TrimPrefix(ref, "@")))
}

func (f *FeedSource) fetch(ctx context.Context, rawURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "LeadRadar/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// ItemMessageID extracts the numeric post ID from links such as
// https://t.me/channel/123. Items without one get a stable ID derived from
// their GUID.
func ItemMessageID(item *gofeed.Item) int64 {
	if u, err := url.Parse(item.Link); err == nil && u.Path != "" {
		if id, err := strconv.ParseInt(path.Base(u.Path), 10, 64); err == nil && id > 0 {
			return id
		}
	}
	h := sha256.Sum256([]byte(ItemGUID(item)))
	return int64(binary.BigEndian.Uint64(h[:8]) >> 11)
}

// itemText flattens the item's HTML body into plain text.
func itemText(item *gofeed.Item) string {
	raw := item.Content
	if raw == "" {
		raw = item.Description
	}
	if raw == "" {
		return item.Title
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	doc.Find("br").ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: "\n"})
	return strings.TrimSpace(doc.Text())
}
