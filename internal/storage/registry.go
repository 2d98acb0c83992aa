package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"leadradar/internal/model"
)

const channelColumns = `id, name, is_active, join_ref, deactivate_reason, deactivated_at, created_at`

// UpsertChannel inserts a channel or refreshes its name and join reference.
// A newly created channel is enabled for every active tenant. It reports
// whether the channel was created.
func (s *SQLite) UpsertChannel(ctx context.Context, ch *model.Channel) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO channels (id, name, is_active, join_ref, created_at) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ch.ID, ch.Name, ch.JoinRef, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	created := n == 1

	if created {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO subscriptions (tenant_id, channel_id, is_enabled, enabled_at)
			 SELECT id, ?, 1, ? FROM tenants WHERE is_active = 1`,
			ch.ID, now,
		); err != nil {
			return false, fmt.Errorf("fan out subscriptions: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET name = ?, join_ref = ? WHERE id = ?`,
			ch.Name, ch.JoinRef, ch.ID,
		); err != nil {
			return false, fmt.Errorf("update channel: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// GetChannel returns a single channel by its external ID.
func (s *SQLite) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// ListActiveChannels returns all active channels ordered by ID.
func (s *SQLite) ListActiveChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// DeactivateChannels marks the given active channels inactive in one statement.
func (s *SQLite) DeactivateChannels(ctx context.Context, ids []int64, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, reason, formatTime(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET is_active = 0, deactivate_reason = ?, deactivated_at = ?
		 WHERE is_active = 1 AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate channels: %w", err)
	}
	return res.RowsAffected()
}

// CreateTenant inserts a tenant and enables every active channel for it.
func (s *SQLite) CreateTenant(ctx context.Context, t *model.Tenant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tenants (name, bot_token, notify_chat_id, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.BotToken, t.NotifyChatID, boolToInt(t.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (tenant_id, channel_id, is_enabled, enabled_at)
		 SELECT ?, id, 1, ? FROM channels WHERE is_active = 1`,
		id, now,
	); err != nil {
		return fmt.Errorf("enable channels: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.ID = id
	t.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const tenantColumns = `id, name, bot_token, notify_chat_id, is_active, created_at`

// GetTenant returns a single tenant by ID.
func (s *SQLite) GetTenant(ctx context.Context, id int64) (*model.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantByName returns a single tenant by its unique name.
func (s *SQLite) GetTenantByName(ctx context.Context, name string) (*model.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE name = ?`, name)
	return scanTenant(row)
}

// ListActiveTenants returns all active tenants ordered by ID.
func (s *SQLite) ListActiveTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTenants(rows)
}

// SetSubscription enables or disables a channel for a tenant, creating the
// subscription if needed.
func (s *SQLite) SetSubscription(ctx context.Context, tenantID, channelID int64, enabled bool) error {
	now := formatTime(time.Now())
	var disabledAt *string
	if !enabled {
		disabledAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (tenant_id, channel_id, is_enabled, enabled_at, disabled_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, channel_id) DO UPDATE SET
		   is_enabled = excluded.is_enabled,
		   enabled_at = CASE WHEN excluded.is_enabled = 1 AND subscriptions.is_enabled = 0
		                     THEN excluded.enabled_at ELSE subscriptions.enabled_at END,
		   disabled_at = CASE WHEN excluded.is_enabled = 1 THEN NULL
		                      WHEN subscriptions.is_enabled = 1 THEN excluded.disabled_at
		                      ELSE subscriptions.disabled_at END`,
		tenantID, channelID, boolToInt(enabled), now, disabledAt,
	)
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all subscriptions of a tenant ordered by channel.
func (s *SQLite) ListSubscriptions(ctx context.Context, tenantID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, channel_id, is_enabled, enabled_at, disabled_at
		 FROM subscriptions WHERE tenant_id = ? ORDER BY channel_id`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var enabled int
		var enabledAt, disabledAt sql.NullString
		if err := rows.Scan(&sub.TenantID, &sub.ChannelID, &enabled, &enabledAt, &disabledAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.IsEnabled = enabled == 1
		sub.EnabledAt = parseTime(enabledAt)
		sub.DisabledAt = parseTimePtr(disabledAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListInterestedTenants returns active tenants with an enabled subscription
// to the given active channel.
func (s *SQLite) ListInterestedTenants(ctx context.Context, channelID int64) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.bot_token, t.notify_chat_id, t.is_active, t.created_at
		 FROM subscriptions s
		 JOIN tenants t ON t.id = s.tenant_id
		 JOIN channels c ON c.id = s.channel_id
		 WHERE s.channel_id = ? AND s.is_enabled = 1 AND t.is_active = 1 AND c.is_active = 1
		 ORDER BY t.id`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query interested tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTenants(rows)
}

// UpsertRuleGroup inserts a rule group or replaces the one with the same
// (tenant, name).
func (s *SQLite) UpsertRuleGroup(ctx context.Context, g *model.RuleGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("rule group name is required")
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_groups (tenant_id, name, keywords, stop_words, is_active, use_classifier,
		                          classifier_prompt, notify_chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, name) DO UPDATE SET
		   keywords = excluded.keywords,
		   stop_words = excluded.stop_words,
		   is_active = excluded.is_active,
		   use_classifier = excluded.use_classifier,
		   classifier_prompt = excluded.classifier_prompt,
		   notify_chat_id = excluded.notify_chat_id`,
		g.TenantID, g.Name, encodeList(g.Keywords), encodeList(g.StopWords), boolToInt(g.IsActive),
		boolToInt(g.UseClassifier), g.ClassifierPrompt, g.NotifyChatID, now,
	)
	if err != nil {
		return fmt.Errorf("upsert rule group: %w", err)
	}

	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM rule_groups WHERE tenant_id = ? AND name = ?`, g.TenantID, g.Name,
	).Scan(&g.ID, &created)
	if err != nil {
		return fmt.Errorf("read rule group id: %w", err)
	}
	g.CreatedAt, _ = time.Parse(timeLayout, created)
	return nil
}

// ListRuleGroups returns the rule groups of a tenant ordered by ID.
func (s *SQLite) ListRuleGroups(ctx context.Context, tenantID int64, activeOnly bool) ([]model.RuleGroup, error) {
	query := `SELECT id, tenant_id, name, keywords, stop_words, is_active, use_classifier,
	                 classifier_prompt, notify_chat_id, created_at
	          FROM rule_groups WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query rule groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.RuleGroup
	for rows.Next() {
		var g model.RuleGroup
		var keywords, stopWords, created string
		var active, useClassifier int
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &keywords, &stopWords, &active, &useClassifier,
			&g.ClassifierPrompt, &g.NotifyChatID, &created); err != nil {
			return nil, fmt.Errorf("scan rule group: %w", err)
		}
		g.Keywords = decodeList(keywords)
		g.StopWords = decodeList(stopWords)
		g.IsActive = active == 1
		g.UseClassifier = useClassifier == 1
		g.CreatedAt, _ = time.Parse(timeLayout, created)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanChannel(row scannable) (*model.Channel, error) {
	var ch model.Channel
	var active int
	var deactivatedAt, created sql.NullString
	err := row.Scan(&ch.ID, &ch.Name, &active, &ch.JoinRef, &ch.DeactivateReason, &deactivatedAt, &created)
	if err != nil {
		return nil, notFound(err, "channel")
	}
	ch.IsActive = active == 1
	ch.DeactivatedAt = parseTimePtr(deactivatedAt)
	ch.CreatedAt = parseTime(created)
	return &ch, nil
}

func scanTenant(row scannable) (*model.Tenant, error) {
	var t model.Tenant
	var active int
	var created sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.BotToken, &t.NotifyChatID, &active, &created)
	if err != nil {
		return nil, notFound(err, "tenant")
	}
	t.IsActive = active == 1
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func scanTenants(rows *sql.Rows) ([]model.Tenant, error) {
	var tenants []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}
