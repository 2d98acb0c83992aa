package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"leadradar/internal/model"
)

const leadColumns = `id, tenant_id, rule_group_id, channel_id, channel_title, message_id, sender_id,
	sender_name, sender_username, message_text, message_link, keywords, verdict, classifier_passed,
	quality, dialog_started, sale_made, notify_chat_id, notify_message_id, notes, created_at, updated_at`

// UpsertLead stores a lead keyed by (tenant, message, channel). When the key
// already exists only the keyword list is extended with new entries; l is
// reloaded with the stored row either way. It reports whether a new lead was
// created.
func (s *SQLite) UpsertLead(ctx context.Context, l *model.Lead) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO leads (tenant_id, rule_group_id, channel_id, channel_title, message_id, sender_id,
		                    sender_name, sender_username, message_text, message_link, keywords, verdict,
		                    classifier_passed, quality, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		 ON CONFLICT(tenant_id, message_id, channel_id) DO NOTHING`,
		l.TenantID, l.RuleGroupID, l.ChannelID, l.ChannelTitle, l.MessageID, l.SenderID,
		l.SenderName, l.SenderUsername, l.Text, l.Link, encodeList(l.Keywords), l.Verdict,
		boolToInt(l.ClassifierPassed), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert lead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	created := n == 1

	if !created {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT keywords FROM leads WHERE tenant_id = ? AND message_id = ? AND channel_id = ?`,
			l.TenantID, l.MessageID, l.ChannelID,
		).Scan(&raw)
		if err != nil {
			return false, fmt.Errorf("read lead keywords: %w", err)
		}
		existing := decodeList(raw)
		merged := unionKeywords(existing, l.Keywords)
		if len(merged) != len(existing) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE leads SET keywords = ?, updated_at = ?
				 WHERE tenant_id = ? AND message_id = ? AND channel_id = ?`,
				encodeList(merged), now, l.TenantID, l.MessageID, l.ChannelID,
			); err != nil {
				return false, fmt.Errorf("merge lead keywords: %w", err)
			}
		}
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE tenant_id = ? AND message_id = ? AND channel_id = ?`,
		l.TenantID, l.MessageID, l.ChannelID,
	)
	stored, err := scanLead(row)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	*l = *stored
	return created, nil
}

// GetLead returns a single lead by ID.
func (s *SQLite) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	return scanLead(row)
}

// UpdateLeadState persists the lifecycle fields of a lead.
func (s *SQLite) UpdateLeadState(ctx context.Context, l *model.Lead) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET quality = ?, dialog_started = ?, sale_made = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		string(l.Quality), boolToInt(l.DialogStarted), boolToInt(l.SaleMade), l.Notes, formatTime(now), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update lead state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lead %d: %w", l.ID, ErrNotFound)
	}
	l.UpdatedAt = now.UTC().Truncate(time.Second)
	return nil
}

// SetLeadDelivery records a notification posted for the lead. The first
// delivery becomes the lead's primary handle.
func (s *SQLite) SetLeadDelivery(ctx context.Context, id, chatID int64, messageID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lead_deliveries (lead_id, chat_id, message_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(lead_id, chat_id) DO UPDATE SET message_id = excluded.message_id`,
		id, chatID, messageID, now,
	); err != nil {
		return fmt.Errorf("insert lead delivery: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leads SET notify_chat_id = ?, notify_message_id = ?, updated_at = ?
		 WHERE id = ? AND (notify_message_id = 0 OR notify_chat_id = ?)`,
		chatID, messageID, now, id, chatID,
	); err != nil {
		return fmt.Errorf("set lead delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListLeadDeliveries returns every notification posted for a lead, oldest first.
func (s *SQLite) ListLeadDeliveries(ctx context.Context, id int64) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id FROM lead_deliveries WHERE lead_id = ? ORDER BY rowid`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query lead deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Delivery
	for rows.Next() {
		var d model.Delivery
		if err := rows.Scan(&d.ChatID, &d.MessageID); err != nil {
			return nil, fmt.Errorf("scan lead delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListRecentLeads returns the newest leads of a tenant, newest first.
func (s *SQLite) ListRecentLeads(ctx context.Context, tenantID int64, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

// RecordRejection stores a classifier rejection for later review.
func (s *SQLite) RecordRejection(ctx context.Context, r *model.Rejection) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rejections (tenant_id, rule_group_id, channel_id, message_id, sender_id,
		                         message_text, keywords, verdict, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID, r.RuleGroupID, r.ChannelID, r.MessageID, r.SenderID,
		r.Text, encodeList(r.Keywords), r.Verdict, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now.UTC().Truncate(time.Second)
	return nil
}

// SetSpamSender adds or removes a sender from the tenant's spam list.
func (s *SQLite) SetSpamSender(ctx context.Context, tenantID, senderID int64, spam bool) error {
	if senderID == 0 {
		return nil
	}
	var err error
	if spam {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO spam_senders (tenant_id, sender_id, created_at) VALUES (?, ?, ?)`,
			tenantID, senderID, formatTime(time.Now()),
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM spam_senders WHERE tenant_id = ? AND sender_id = ?`, tenantID, senderID,
		)
	}
	if err != nil {
		return fmt.Errorf("set spam sender: %w", err)
	}
	return nil
}

// IsSpamSender reports whether the tenant marked the sender as spam.
func (s *SQLite) IsSpamSender(ctx context.Context, tenantID, senderID int64) (bool, error) {
	if senderID == 0 {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spam_senders WHERE tenant_id = ? AND sender_id = ?`, tenantID, senderID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query spam sender: %w", err)
	}
	return n > 0, nil
}

// SaveRawMessage appends an inbound message to the audit table.
func (s *SQLite) SaveRawMessage(ctx context.Context, env model.Envelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_messages (channel_id, channel_title, message_id, sender_id, sender_name,
		                           sender_username, message_text, message_date, is_channel_post, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ChannelID, env.ChannelTitle, env.MessageID, env.SenderID, env.SenderName,
		env.SenderUsername, env.Text, formatTime(env.Date), boolToInt(env.IsChannelPost), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert raw message: %w", err)
	}
	return nil
}

// PurgeAudit deletes raw messages and rejections recorded before the cutoff.
func (s *SQLite) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	var total int64
	for _, q := range []string{
		`DELETE FROM raw_messages WHERE received_at < ?`,
		`DELETE FROM rejections WHERE created_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge audit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var keywords, quality string
	var passed, dialog, sale int
	var created, updated sql.NullString
	err := row.Scan(&l.ID, &l.TenantID, &l.RuleGroupID, &l.ChannelID, &l.ChannelTitle, &l.MessageID,
		&l.SenderID, &l.SenderName, &l.SenderUsername, &l.Text, &l.Link, &keywords, &l.Verdict, &passed,
		&quality, &dialog, &sale, &l.NotifyChatID, &l.NotifyMessageID, &l.Notes, &created, &updated)
	if err != nil {
		return nil, notFound(err, "lead")
	}
	l.Keywords = decodeList(keywords)
	l.ClassifierPassed = passed == 1
	l.Quality = model.Quality(quality)
	l.DialogStarted = dialog == 1
	l.SaleMade = sale == 1
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(updated)
	return &l, nil
}

// unionKeywords appends entries of add not already in base, keeping order.
func unionKeywords(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, k := range base {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range add {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
