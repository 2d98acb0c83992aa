package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"leadradar/internal/alert"
	"leadradar/internal/bot"
	"leadradar/internal/classifier"
	"leadradar/internal/config"
	"leadradar/internal/dedup"
	"leadradar/internal/health"
	"leadradar/internal/leadstate"
	"leadradar/internal/listener"
	"leadradar/internal/metrics"
	"leadradar/internal/model"
	"leadradar/internal/notify"
	"leadradar/internal/pipeline"
	"leadradar/internal/registry"
	"leadradar/internal/sink"
	"leadradar/internal/status"
	"leadradar/internal/storage"
	"leadradar/internal/subscription"
	"leadradar/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("pipeline stopped", "error", err)
		if errors.Is(err, supervisor.ErrRetriesExhausted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	log.Info("pipeline stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.BackupDir} {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	hs := health.New(store, nil)

	alerter := newAlerter(ctx, cfg, m, log)

	// Export sink. Without a bucket, exports are skipped.
	var exporter *sink.Buffer
	if cfg.ExportBucket != "" {
		w, err := sink.NewS3Writer(ctx, cfg.ExportBucket, cfg.ExportPrefix)
		if err != nil {
			return fmt.Errorf("create export writer: %w", err)
		}
		exporter = sink.New(w, sink.Options{
			FlushInterval: cfg.FlushInterval,
			Threshold:     cfg.FlushThreshold,
			BackupDir:     cfg.BackupDir,
		}, alerter, m, log.With("component", "sink"))
	}

	// Lead state machine and tenant bots.
	machine := leadstate.NewMachine(store, exportTarget(exporter), log.With("component", "leadstate"))
	dispatcher := notify.NewDispatcher(func(ctx context.Context, t model.Tenant) (notify.Channel, error) {
		client, err := bot.NewClient(ctx, t.BotToken, cfg.NotifyTimeout)
		if err != nil {
			return nil, err
		}
		b := bot.New(client, t, store, machine, hs, log.With("component", "bot"))
		b.Start(context.WithoutCancel(ctx))
		return b, nil
	}, store, cfg.NotifyTimeout, m, log.With("component", "notify"))
	defer dispatcher.Close()

	tenants, err := store.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	dispatcher.Warm(ctx, tenants)

	// Dedup and rate limiting.
	limiter, closeDedup, err := newLimiter(cfg, store, m)
	if err != nil {
		return err
	}
	defer closeDedup()

	// Classifier gate.
	var clf classifier.Classifier
	if cfg.ClassifierEnabled() {
		clf = classifier.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	}
	gate := classifier.NewGate(clf, cfg.ClassifierTimeout, m, log.With("component", "classifier"))

	proc := pipeline.New(pipeline.Deps{
		Index:    subscription.New(store),
		Store:    store,
		Gate:     gate,
		Limiter:  limiter,
		Notifier: dispatcher,
		Exporter: pipelineExport(exporter),
		Health:   hs,
		Metrics:  m,
	}, log.With("component", "pipeline"))

	// Event source and listener.
	src, probe := newSource(cfg, log.With("component", "source"))
	registryLog := log.With("component", "registry")
	channels := registry.New(store, registryLog)
	if prober, ok := src.(listener.Prober); ok && cfg.ProbeOnStart {
		if err := prune(ctx, channels, prober, alerter); err != nil {
			return err
		}
	}

	opts := listener.Options{Workers: cfg.Workers, QueueSize: cfg.QueueSize}
	if cfg.AuditRawMessages {
		opts.Audit = store
	}
	lst := listener.New(src, channels, proc, hs, m, log.With("component", "listener"), opts)
	if err := lst.Reload(ctx); err != nil {
		return fmt.Errorf("load working set: %w", err)
	}
	hs.SetCounts(len(lst.WorkingSet()), len(tenants))
	countTenants := func(ctx context.Context) (int, error) {
		ts, err := store.ListActiveTenants(ctx)
		if err != nil {
			return 0, fmt.Errorf("list tenants: %w", err)
		}
		return len(ts), nil
	}
	lst.Start(ctx)

	// Sink runs until the listener queue is drained so late leads are exported.
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		if exporter == nil {
			return
		}
		if err := exporter.Run(sinkCtx); err != nil {
			log.Error("export sink stopped", "error", err)
		}
	}()

	statusSrv := status.New(hs, store, reg, log.With("component", "status"))
	sup := supervisor.New(lst, hs, limiter, alerter, supervisor.Options{
		Backoff:           supervisor.DefaultBackoff(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReloadEveryBeats:  cfg.ReloadEveryBeats,
		Probe:             probe,
		CountTenants:      countTenants,
		Audit:             store,
		AuditRetention:    cfg.AuditRetention,
	}, log.With("component", "supervisor"))

	log.Info("starting pipeline",
		"source", cfg.Source, "channels", len(lst.WorkingSet()), "tenants", len(tenants),
		"classifier", cfg.ClassifierEnabled(), "dedup", cfg.DedupBackend, "export", exporter != nil)

	runErr := sup.Run(ctx, func(ctx context.Context) error {
		return statusSrv.Run(ctx, cfg.StatusAddr)
	})

	lst.Close()
	stopSink()
	<-sinkDone
	return runErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newAlerter(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) *alert.Alerter {
	log = log.With("component", "alert")
	if !cfg.AlertsEnabled() {
		return alert.New(nil, 0, cfg.AlertInterval, m, log)
	}
	client, err := bot.NewClient(ctx, cfg.OperatorBotToken, cfg.NotifyTimeout)
	if err != nil {
		log.Error("create operator bot, alerts will only be logged", "error", err)
		return alert.New(nil, 0, cfg.AlertInterval, m, log)
	}
	return alert.New(client, cfg.OperatorChatID, cfg.AlertInterval, m, log)
}

func newLimiter(cfg *config.Config, store *storage.SQLite, m *metrics.Metrics) (*dedup.Limiter, func(), error) {
	opts := dedup.Options{Window: cfg.DedupWindow, HourlyCap: cfg.SenderHourlyCap}
	if cfg.DedupBackend != config.DedupRedis {
		return dedup.NewLimiter(dedup.NewSQLStore(store), opts, m), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	fps := dedup.NewRedisStore(rdb, 2*cfg.DedupWindow)
	return dedup.NewLimiter(fps, opts, m), func() { _ = rdb.Close() }, nil
}

// newSource builds the configured event source and its liveness probe.
func newSource(cfg *config.Config, log *slog.Logger) (listener.Source, func(context.Context) error) {
	if cfg.Source == config.SourceFeed {
		return listener.NewFeedSource(http.DefaultClient, cfg.FeedURLTemplate, cfg.FeedPollInterval, log), nil
	}
	ws := listener.NewWebSocketSource(cfg.SourceURL, nil, log)
	return ws, ws.Ping
}

// prune deactivates channels the source cannot read before listening starts.
func prune(ctx context.Context, r *registry.Registry, prober listener.Prober, alerter *alert.Alerter) error {
	before, err := r.ListActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("list active channels: %w", err)
	}
	reachable, err := r.Prune(ctx, prober)
	if err != nil {
		return fmt.Errorf("probe channels: %w", err)
	}
	if lost := len(before) - len(reachable); lost > 0 {
		alerter.Alert(ctx, alert.ChannelsRevoked,
			fmt.Sprintf("%d of %d channels were unreachable and have been deactivated.", lost, len(before)))
	}
	return nil
}

// exportTarget and pipelineExport keep a nil buffer from becoming a non-nil
// interface value.
func exportTarget(b *sink.Buffer) leadstate.Exporter {
	if b == nil {
		return nil
	}
	return b
}

func pipelineExport(b *sink.Buffer) pipeline.Exporter {
	if b == nil {
		return nil
	}
	return b
}
