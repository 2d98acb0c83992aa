// Package pipeline turns envelopes into tenant leads: fan-out, keyword
// matching, classifier gate, dedup, persistence and notification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"leadradar/internal/classifier"
	"leadradar/internal/dedup"
	"leadradar/internal/filter"
	"leadradar/internal/health"
	"leadradar/internal/metrics"
	"leadradar/internal/model"
	"leadradar/internal/notify"
	"leadradar/internal/sink"
	"leadradar/internal/subscription"
)

// Index resolves the tenants interested in a channel.
type Index interface {
	FindInterestedTenants(ctx context.Context, channelID int64, channelTitle string) ([]subscription.Interest, error)
}

// Store is the persistence used by the processor.
type Store interface {
	ListRuleGroups(ctx context.Context, tenantID int64, activeOnly bool) ([]model.RuleGroup, error)
	IsSpamSender(ctx context.Context, tenantID, senderID int64) (bool, error)
	RecordRejection(ctx context.Context, r *model.Rejection) error
	UpsertLead(ctx context.Context, l *model.Lead) (bool, error)
}

// Gate is the classifier gate.
type Gate interface {
	Check(ctx context.Context, group model.RuleGroup, text string) classifier.Result
}

// Limiter is the dedup and rate limiter.
type Limiter interface {
	Check(ctx context.Context, c dedup.Candidate) (dedup.Decision, error)
}

// Notifier delivers lead notifications.
type Notifier interface {
	Deliver(ctx context.Context, t model.Tenant, l *model.Lead, chatID int64) error
}

// Exporter receives rows for new leads.
type Exporter interface {
	Add(r sink.Row)
}

// Processor implements listener.Handler.
type Processor struct {
	index    Index
	store    Store
	gate     Gate
	limiter  Limiter
	notifier Notifier
	exporter Exporter
	health   *health.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Deps are the collaborators of a Processor. Exporter and Health may be nil.
type Deps struct {
	Index    Index
	Store    Store
	Gate     Gate
	Limiter  Limiter
	Notifier Notifier
	Exporter Exporter
	Health   *health.Service
	Metrics  *metrics.Metrics
}

// New creates a Processor.
func New(d Deps, log *slog.Logger) *Processor {
	return &Processor{
		index:    d.Index,
		store:    d.Store,
		gate:     d.Gate,
		limiter:  d.Limiter,
		notifier: d.Notifier,
		exporter: d.Exporter,
		health:   d.Health,
		metrics:  d.Metrics,
		log:      log,
		now:      time.Now,
	}
}

// Handle processes one envelope for every interested tenant concurrently.
// A failure for one tenant never affects the others.
func (p *Processor) Handle(ctx context.Context, env model.Envelope) {
	if p.health != nil {
		p.health.RecordMessage()
	}

	interests, err := p.index.FindInterestedTenants(ctx, env.ChannelID, env.ChannelTitle)
	if err != nil {
		p.fail(err, "find interested tenants", "channel_id", env.ChannelID)
		return
	}
	if len(interests) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, in := range interests {
		wg.Add(1)
		go func(in subscription.Interest) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.fail(fmt.Errorf("panic: %v", r), "process tenant", "tenant_id", in.Tenant.ID, "message_id", env.MessageID)
				}
			}()
			if _, err := p.processTenant(ctx, in.Tenant, env); err != nil {
				p.fail(err, "process tenant", "tenant_id", in.Tenant.ID, "channel_id", env.ChannelID, "message_id", env.MessageID)
			}
		}(in)
	}
	wg.Wait()
}

// Outcome is the result of processing an envelope for one tenant.
type Outcome int

// Outcomes.
const (
	NoMatch Outcome = iota
	SpamSender
	Rejected
	Suppressed
	Merged
	Created
)

func (p *Processor) processTenant(ctx context.Context, t model.Tenant, env model.Envelope) (Outcome, error) {
	groups, err := p.store.ListRuleGroups(ctx, t.ID, true)
	if err != nil {
		return NoMatch, fmt.Errorf("list rule groups: %w", err)
	}
	matches := filter.MatchGroups(env.Text, groups)
	if len(matches) == 0 {
		return NoMatch, nil
	}
	p.metrics.Match()

	if env.SenderID != 0 {
		spam, err := p.store.IsSpamSender(ctx, t.ID, env.SenderID)
		if err != nil {
			return NoMatch, fmt.Errorf("check spam sender: %w", err)
		}
		if spam {
			p.log.Debug("spam sender skipped", "tenant_id", t.ID, "sender_id", env.SenderID)
			return SpamSender, nil
		}
	}

	var (
		first    *filter.GroupMatch
		verdict  string
		gated    bool
		keywords []string
		chats    []int64
	)
	for i := range matches {
		m := &matches[i]
		res := p.gate.Check(ctx, m.Group, env.Text)
		if !res.Passed {
			p.reject(ctx, t, env, m, res.Verdict)
			continue
		}
		if first == nil {
			first = m
			verdict = res.Verdict
			gated = m.Group.UseClassifier && res.Verdict != ""
		}
		keywords = appendUnique(keywords, m.Keywords...)
		chats = appendUnique(chats, notify.Destination(t, m.Group.NotifyChatID))
	}
	if first == nil {
		return Rejected, nil
	}

	decision, err := p.limiter.Check(ctx, dedup.Candidate{
		TenantID:  t.ID,
		SenderID:  env.SenderID,
		ChannelID: env.ChannelID,
		MessageID: env.MessageID,
		Text:      env.Text,
	})
	if err != nil {
		return NoMatch, fmt.Errorf("dedup check: %w", err)
	}
	if !decision.Proceed() {
		p.log.Debug("lead suppressed", "tenant_id", t.ID, "message_id", env.MessageID, "decision", decision)
		return Suppressed, nil
	}

	lead := &model.Lead{
		TenantID:         t.ID,
		RuleGroupID:      first.Group.ID,
		ChannelID:        env.ChannelID,
		ChannelTitle:     env.ChannelTitle,
		MessageID:        env.MessageID,
		SenderID:         env.SenderID,
		SenderName:       env.SenderName,
		SenderUsername:   env.SenderUsername,
		Text:             env.Text,
		Link:             notify.Link(env.ChannelID, env.MessageID),
		Keywords:         keywords,
		Verdict:          verdict,
		ClassifierPassed: gated,
	}
	created, err := p.store.UpsertLead(ctx, lead)
	if err != nil {
		return NoMatch, fmt.Errorf("upsert lead: %w", err)
	}
	if !created {
		p.log.Debug("lead merged", "tenant_id", t.ID, "lead_id", lead.ID, "keywords", lead.Keywords)
		return Merged, nil
	}

	p.metrics.LeadCreated()
	p.log.Info("lead created",
		"tenant_id", t.ID,
		"lead_id", lead.ID,
		"channel_id", env.ChannelID,
		"message_id", env.MessageID,
		"keywords", lead.Keywords,
	)
	if p.exporter != nil {
		p.exporter.Add(sink.LeadRow(sink.EventCreated, lead, "", p.now()))
	}

	// One notification per distinct destination of the passing groups.
	for _, chatID := range chats {
		if err := p.notifier.Deliver(ctx, t, lead, chatID); err != nil {
			p.log.Error("deliver lead", "tenant_id", t.ID, "lead_id", lead.ID, "chat_id", chatID, "error", err)
		}
	}
	return Created, nil
}

func (p *Processor) reject(ctx context.Context, t model.Tenant, env model.Envelope, m *filter.GroupMatch, verdict string) {
	err := p.store.RecordRejection(ctx, &model.Rejection{
		TenantID:    t.ID,
		RuleGroupID: m.Group.ID,
		ChannelID:   env.ChannelID,
		MessageID:   env.MessageID,
		SenderID:    env.SenderID,
		Text:        env.Text,
		Keywords:    m.Keywords,
		Verdict:     verdict,
	})
	if err != nil {
		p.log.Error("record rejection", "tenant_id", t.ID, "rule_group_id", m.Group.ID, "error", err)
	}
}

func (p *Processor) fail(err error, msg string, args ...any) {
	p.log.Error(msg, append(args, "error", err)...)
	if p.health != nil {
		p.health.RecordError(err)
	}
}

func appendUnique[T comparable](dst []T, items ...T) []T {
	for _, it := range items {
		if !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}
