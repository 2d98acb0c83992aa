package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"leadradar/internal/model"
	"leadradar/internal/storage"
)

// FingerprintStorage is the subset of storage.Storage holding fingerprints.
type FingerprintStorage interface {
	GetFingerprint(ctx context.Context, key string) (*model.Fingerprint, error)
	CountSenderFingerprints(ctx context.Context, tenantID int64, senderKey string, since time.Time) (int, error)
	TouchFingerprint(ctx context.Context, fp model.Fingerprint) error
	PurgeFingerprints(ctx context.Context, before time.Time) (int64, error)
}

// SQLStore keeps fingerprints in the main database.
type SQLStore struct {
	db FingerprintStorage
}

// NewSQLStore wraps the storage layer.
func NewSQLStore(db FingerprintStorage) *SQLStore {
	return &SQLStore{db: db}
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) (*model.Fingerprint, error) {
	fp, err := s.db.GetFingerprint(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return fp, err
}

// CountSender implements Store.
func (s *SQLStore) CountSender(ctx context.Context, tenantID int64, senderKey string, since time.Time) (int, error) {
	return s.db.CountSenderFingerprints(ctx, tenantID, senderKey, since)
}

// Touch implements Store.
func (s *SQLStore) Touch(ctx context.Context, fp model.Fingerprint) error {
	return s.db.TouchFingerprint(ctx, fp)
}

// Purge implements Store.
func (s *SQLStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.db.PurgeFingerprints(ctx, before)
}

const redisPrefix = "leadradar:"

// RedisStore keeps fingerprints in Redis so several instances share them.
// Each fingerprint is a hash expiring after ttl; each sender has a sorted
// set of fingerprint keys scored by last-seen time.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore creates a RedisStore. ttl should be twice the dedup window.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func fpKey(key string) string { return redisPrefix + "fp:" + key }

func senderSetKey(tenantID int64, senderKey string) string {
	return redisPrefix + "sender:" + strconv.FormatInt(tenantID, 10) + ":" + senderKey
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*model.Fingerprint, error) {
	vals, err := s.rdb.HGetAll(ctx, fpKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	fp := &model.Fingerprint{Key: key, SenderKey: vals["sender"]}
	fp.TenantID, _ = strconv.ParseInt(vals["tenant"], 10, 64)
	fp.ChannelID, _ = strconv.ParseInt(vals["channel"], 10, 64)
	fp.MessageID, _ = strconv.ParseInt(vals["message"], 10, 64)
	fp.Count, _ = strconv.Atoi(vals["count"])
	if v, err := strconv.ParseInt(vals["first"], 10, 64); err == nil {
		fp.FirstSeen = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(vals["last"], 10, 64); err == nil {
		fp.LastSeen = time.Unix(v, 0).UTC()
	}
	return fp, nil
}

// CountSender implements Store.
func (s *RedisStore) CountSender(ctx context.Context, tenantID int64, senderKey string, since time.Time) (int, error) {
	n, err := s.rdb.ZCount(ctx, senderSetKey(tenantID, senderKey), strconv.FormatInt(since.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("zcount: %w", err)
	}
	return int(n), nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, fp model.Fingerprint) error {
	key := fpKey(fp.Key)
	set := senderSetKey(fp.TenantID, fp.SenderKey)
	seen := fp.LastSeen.Unix()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "first", seen)
		pipe.HSet(ctx, key,
			"tenant", fp.TenantID,
			"sender", fp.SenderKey,
			"channel", fp.ChannelID,
			"message", fp.MessageID,
			"last", seen,
		)
		pipe.HIncrBy(ctx, key, "count", 1)
		pipe.Expire(ctx, key, s.ttl)
		pipe.ZAdd(ctx, set, redis.Z{Score: float64(seen), Member: fp.Key})
		pipe.ZRemRangeByScore(ctx, set, "-inf", "("+strconv.FormatInt(seen-int64(s.ttl.Seconds()), 10))
		pipe.Expire(ctx, set, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch fingerprint: %w", err)
	}
	return nil
}

// Purge trims sender sets of entries older than before. Fingerprint hashes
// expire on their own.
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	max := "(" + strconv.FormatInt(before.Unix(), 10)
	iter := s.rdb.Scan(ctx, 0, redisPrefix+"sender:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
		if err != nil {
			return removed, fmt.Errorf("trim %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan sender sets: %w", err)
	}
	return removed, nil
}
