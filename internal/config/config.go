// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source kinds accepted in SOURCE.
const (
	SourceWebSocket = "websocket"
	SourceFeed      = "feed"
)

// Dedup backends accepted in DEDUP_BACKEND.
const (
	DedupSQLite = "sqlite"
	DedupRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string

	Source           string
	SourceURL        string
	FeedURLTemplate  string
	FeedPollInterval time.Duration
	ProbeOnStart     bool
	AuditRawMessages bool
	AuditRetention   time.Duration

	Workers   int
	QueueSize int

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	ClassifierTimeout time.Duration
	NotifyTimeout     time.Duration

	DedupBackend    string
	RedisAddr       string
	DedupWindow     time.Duration
	SenderHourlyCap int

	HeartbeatInterval time.Duration
	ReloadEveryBeats  int

	OperatorBotToken string
	OperatorChatID   int64
	AlertInterval    time.Duration

	ExportBucket   string
	ExportPrefix   string
	BackupDir      string
	FlushInterval  time.Duration
	FlushThreshold int

	StatusAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	c := &Config{
		DatabasePath:     envOr("DATABASE_PATH", "./data/leadradar.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		Source:           strings.ToLower(envOr("SOURCE", SourceWebSocket)),
		SourceURL:        os.Getenv("SOURCE_URL"),
		FeedURLTemplate:  os.Getenv("FEED_URL_TEMPLATE"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:      envOr("OPENAI_MODEL", "gpt-4o-mini"),
		DedupBackend:     strings.ToLower(envOr("DEDUP_BACKEND", DedupSQLite)),
		RedisAddr:        envOr("REDIS_ADDR", "localhost:6379"),
		OperatorBotToken: os.Getenv("OPERATOR_BOT_TOKEN"),
		ExportBucket:     os.Getenv("EXPORT_BUCKET"),
		ExportPrefix:     envOr("EXPORT_PREFIX", "leads"),
		BackupDir:        envOr("BACKUP_DIR", "./data/backup"),
		StatusAddr:       envOr("STATUS_ADDR", ":8080"),
	}

	var err error
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"WORKERS", 8, &c.Workers},
		{"QUEUE_SIZE", 1000, &c.QueueSize},
		{"SENDER_HOURLY_CAP", 3, &c.SenderHourlyCap},
		{"RELOAD_EVERY_BEATS", 5, &c.ReloadEveryBeats},
		{"FLUSH_THRESHOLD", 100, &c.FlushThreshold},
	}
	for _, v := range ints {
		if *v.dest, err = envInt(v.key, v.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"FEED_POLL_INTERVAL", time.Minute, &c.FeedPollInterval},
		{"CLASSIFIER_TIMEOUT", 20 * time.Second, &c.ClassifierTimeout},
		{"NOTIFY_TIMEOUT", 15 * time.Second, &c.NotifyTimeout},
		{"DEDUP_WINDOW", 24 * time.Hour, &c.DedupWindow},
		{"HEARTBEAT_INTERVAL", time.Minute, &c.HeartbeatInterval},
		{"ALERT_INTERVAL", 15 * time.Minute, &c.AlertInterval},
		{"FLUSH_INTERVAL", 30 * time.Second, &c.FlushInterval},
		{"AUDIT_RETENTION", 30 * 24 * time.Hour, &c.AuditRetention},
	}
	for _, v := range durations {
		if *v.dest, err = envDuration(v.key, v.def); err != nil {
			return nil, err
		}
	}

	if c.AuditRawMessages, err = envBool("AUDIT_RAW_MESSAGES", false); err != nil {
		return nil, err
	}
	if c.ProbeOnStart, err = envBool("PROBE_ON_START", true); err != nil {
		return nil, err
	}

	if raw := os.Getenv("OPERATOR_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OPERATOR_CHAT_ID %q: %w", raw, err)
		}
		c.OperatorChatID = id
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Source {
	case SourceWebSocket:
		if c.SourceURL == "" {
			return fmt.Errorf("SOURCE_URL is required for the websocket source")
		}
	case SourceFeed:
		if !strings.Contains(c.FeedURLTemplate, "{ref}") {
			return fmt.Errorf("FEED_URL_TEMPLATE must contain {ref} for the feed source")
		}
	default:
		return fmt.Errorf("unknown SOURCE %q", c.Source)
	}

	switch c.DedupBackend {
	case DedupSQLite, DedupRedis:
	default:
		return fmt.Errorf("unknown DEDUP_BACKEND %q", c.DedupBackend)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}
	if c.SenderHourlyCap < 1 {
		return fmt.Errorf("SENDER_HOURLY_CAP must be positive, got %d", c.SenderHourlyCap)
	}
	if c.ReloadEveryBeats < 1 {
		return fmt.Errorf("RELOAD_EVERY_BEATS must be positive, got %d", c.ReloadEveryBeats)
	}
	if c.FlushThreshold < 1 {
		return fmt.Errorf("FLUSH_THRESHOLD must be positive, got %d", c.FlushThreshold)
	}
	return nil
}

// ClassifierEnabled reports whether an API key was configured for the classifier.
func (c *Config) ClassifierEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// AlertsEnabled reports whether operator alerts can be delivered over Telegram.
func (c *Config) AlertsEnabled() bool {
	return c.OperatorBotToken != "" && c.OperatorChatID != 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
