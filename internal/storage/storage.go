// Package storage defines the persistence interface and its SQLite implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"leadradar/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertChannel(ctx context.Context, ch *model.Channel) (bool, error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	ListActiveChannels(ctx context.Context) ([]model.Channel, error)
	DeactivateChannels(ctx context.Context, ids []int64, reason string) (int64, error)

	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*model.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]model.Tenant, error)

	SetSubscription(ctx context.Context, tenantID, channelID int64, enabled bool) error
	ListSubscriptions(ctx context.Context, tenantID int64) ([]model.Subscription, error)
	ListInterestedTenants(ctx context.Context, channelID int64) ([]model.Tenant, error)

	UpsertRuleGroup(ctx context.Context, g *model.RuleGroup) error
	ListRuleGroups(ctx context.Context, tenantID int64, activeOnly bool) ([]model.RuleGroup, error)

	UpsertLead(ctx context.Context, l *model.Lead) (bool, error)
	GetLead(ctx context.Context, id int64) (*model.Lead, error)
	UpdateLeadState(ctx context.Context, l *model.Lead) error
	SetLeadDelivery(ctx context.Context, id, chatID int64, messageID int) error
	ListLeadDeliveries(ctx context.Context, id int64) ([]model.Delivery, error)
	ListRecentLeads(ctx context.Context, tenantID int64, limit int) ([]model.Lead, error)

	RecordRejection(ctx context.Context, r *model.Rejection) error
	SetSpamSender(ctx context.Context, tenantID, senderID int64, spam bool) error
	IsSpamSender(ctx context.Context, tenantID, senderID int64) (bool, error)
	SaveRawMessage(ctx context.Context, env model.Envelope) error
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)

	GetFingerprint(ctx context.Context, key string) (*model.Fingerprint, error)
	CountSenderFingerprints(ctx context.Context, tenantID int64, senderKey string, since time.Time) (int, error)
	TouchFingerprint(ctx context.Context, fp model.Fingerprint) error
	PurgeFingerprints(ctx context.Context, before time.Time) (int64, error)

	SaveHealth(ctx context.Context, h model.Health) error
	LoadHealth(ctx context.Context) (*model.Health, error)

	Close() error
}
