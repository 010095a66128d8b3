package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"attendsync/internal/config"
	"attendsync/internal/db"
	"attendsync/internal/feed"
	"attendsync/internal/hub"
	"attendsync/internal/metrics"
	"attendsync/internal/staging"
)

func main() {
	cfg, err := config.Load(os.Getenv("ATTENDSYNC_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	database, err := db.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer database.Close()

	if cfg.Redis.URL == "" {
		logger.Fatal().Msg("set redis.url in config")
	}
	stage, err := staging.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis error")
	}
	defer stage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initial load + hot reload of the employee directory
	watcher := config.NewDirectoryWatcher(cfg.Directory.Path, cfg.DirectoryReloadInterval(), &logger)
	if err := watcher.Start(ctx, func(updated *config.DirectoryConfig) {
		if err := database.SyncEmployees(ctx, updated.Employees); err != nil {
			logger.Error().Err(err).Msg("failed to apply employee directory")
		}
	}); err != nil {
		logger.Error().Err(err).Msg("employee directory watch failed")
	}

	ready := map[string]hub.Pinger{
		"db":    database,
		"redis": hub.PingFunc(stage.Ping),
	}
	if cfg.MetricsFeed.Enabled && cfg.MetricsFeed.BaseURL != "" {
		client := feed.NewClient(cfg.MetricsFeed.BaseURL, cfg.MetricsFeed.APIKey)
		if ttl := cfg.FeedCacheTTL(); ttl > 0 {
			client.UseRedisCache(stage.Client(), ttl)
		}
		ready["metrics_feed"] = hub.PingFunc(client.HealthCheck)
		go feed.NewRefresher(client, database, cfg.FeedRefreshInterval(), &logger).Start(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	if cfg.Backup.Enabled {
		go startBackupLoop(ctx, database, cfg, &logger)
	}

	rate, burst := cfg.MessageRate()
	h := hub.New(database, stage, hub.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MessagesPerSecond: rate,
		Burst:             burst,
	}, &logger)

	router := h.Router(ready)
	srv := &http.Server{Addr: cfg.Server.Address, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		h.Close()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Str("addr", cfg.Server.Address).Msg("attendance hub started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("hub server error")
	}
	logger.Info().Msg("attendance hub stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Log.Format == "json" {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func startBackupLoop(ctx context.Context, database *db.DB, cfg *config.Config, logger *zerolog.Logger) {
	if cfg.Backup.Path == "" {
		cfg.Backup.Path = "backups"
	}
	if cfg.Backup.IntervalHours <= 0 {
		cfg.Backup.IntervalHours = 24
	}
	if cfg.Backup.RetentionDays <= 0 {
		cfg.Backup.RetentionDays = 14
	}

	if err := os.MkdirAll(cfg.Backup.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create backup directory")
		return
	}

	interval := time.Duration(cfg.Backup.IntervalHours) * time.Hour
	retention := time.Duration(cfg.Backup.RetentionDays) * 24 * time.Hour

	// Run first backup after a short delay
	select {
	case <-time.After(1 * time.Minute):
		runBackupTask(database, cfg, retention, logger)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runBackupTask(database, cfg, retention, logger)
		case <-ctx.Done():
			return
		}
	}
}

func runBackupTask(database *db.DB, cfg *config.Config, retention time.Duration, logger *zerolog.Logger) {
	timestamp := time.Now().Format("20060102_150405")
	dest := filepath.Join(cfg.Backup.Path, fmt.Sprintf("attendsync_%s.db", timestamp))

	logger.Info().Str("path", dest).Msg("starting database backup")
	if err := database.Backup(dest); err != nil {
		logger.Error().Err(err).Msg("backup failed")
	} else {
		logger.Info().Msg("backup completed successfully")
	}

	deleted, err := database.CleanupBackups(cfg.Backup.Path, retention)
	if err != nil {
		logger.Error().Err(err).Msg("backup cleanup failed")
	} else if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("cleaned up old backups")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
