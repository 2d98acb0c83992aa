package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"leadradar/internal/model"
)

// GetFingerprint returns the fingerprint stored under key.
func (s *SQLite) GetFingerprint(ctx context.Context, key string) (*model.Fingerprint, error) {
	var fp model.Fingerprint
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, tenant_id, sender_key, channel_id, message_id, first_seen, last_seen, count
		 FROM fingerprints WHERE key = ?`, key,
	).Scan(&fp.Key, &fp.TenantID, &fp.SenderKey, &fp.ChannelID, &fp.MessageID, &first, &last, &fp.Count)
	if err != nil {
		return nil, notFound(err, "fingerprint")
	}
	fp.FirstSeen = parseTime(first)
	fp.LastSeen = parseTime(last)
	return &fp, nil
}

// CountSenderFingerprints counts distinct fingerprints of a sender seen at or
// after since.
func (s *SQLite) CountSenderFingerprints(ctx context.Context, tenantID int64, senderKey string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprints WHERE tenant_id = ? AND sender_key = ? AND last_seen >= ?`,
		tenantID, senderKey, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sender fingerprints: %w", err)
	}
	return n, nil
}

// TouchFingerprint inserts a fingerprint or bumps its counter and last_seen.
func (s *SQLite) TouchFingerprint(ctx context.Context, fp model.Fingerprint) error {
	seen := formatTime(fp.LastSeen)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (key, tenant_id, sender_key, channel_id, message_id, first_seen, last_seen, count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(key) DO UPDATE SET
		   last_seen = excluded.last_seen,
		   channel_id = excluded.channel_id,
		   message_id = excluded.message_id,
		   count = fingerprints.count + 1`,
		fp.Key, fp.TenantID, fp.SenderKey, fp.ChannelID, fp.MessageID, seen, seen,
	)
	if err != nil {
		return fmt.Errorf("touch fingerprint: %w", err)
	}
	return nil
}

// PurgeFingerprints deletes fingerprints last seen before the cutoff.
func (s *SQLite) PurgeFingerprints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE last_seen < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge fingerprints: %w", err)
	}
	return res.RowsAffected()
}

// SaveHealth writes the singleton health record.
func (s *SQLite) SaveHealth(ctx context.Context, h model.Health) error {
	var started, beat *string
	if !h.StartedAt.IsZero() {
		v := formatTime(h.StartedAt)
		started = &v
	}
	if !h.LastHeartbeat.IsZero() {
		v := formatTime(h.LastHeartbeat)
		beat = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_health (id, running, started_at, last_heartbeat, channels, tenants,
		                              messages_today, messages_total, errors, last_error, last_error_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   running = excluded.running,
		   started_at = excluded.started_at,
		   last_heartbeat = excluded.last_heartbeat,
		   channels = excluded.channels,
		   tenants = excluded.tenants,
		   messages_today = excluded.messages_today,
		   messages_total = excluded.messages_total,
		   errors = excluded.errors,
		   last_error = excluded.last_error,
		   last_error_at = excluded.last_error_at`,
		boolToInt(h.Running), started, beat, h.Channels, h.Tenants,
		h.MessagesToday, h.MessagesTotal, h.Errors, h.LastError, formatTimePtr(h.LastErrorAt),
	)
	if err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	return nil
}

// LoadHealth reads the singleton health record.
func (s *SQLite) LoadHealth(ctx context.Context) (*model.Health, error) {
	var h model.Health
	var running int
	var started, beat, errAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT running, started_at, last_heartbeat, channels, tenants, messages_today, messages_total,
		        errors, last_error, last_error_at
		 FROM pipeline_health WHERE id = 1`,
	).Scan(&running, &started, &beat, &h.Channels, &h.Tenants, &h.MessagesToday, &h.MessagesTotal,
		&h.Errors, &h.LastError, &errAt)
	if err != nil {
		return nil, notFound(err, "health")
	}
	h.Running = running == 1
	h.StartedAt = parseTime(started)
	h.LastHeartbeat = parseTime(beat)
	h.LastErrorAt = parseTimePtr(errAt)
	return &h, nil
}
