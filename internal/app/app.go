// Package app wires configuration into a runnable archival worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lecturevault/internal/config"
	"lecturevault/internal/ratelimit"
	"lecturevault/internal/util"
	"lecturevault/pkg/ledger"
	"lecturevault/pkg/pipeline"
	"lecturevault/pkg/queue"
	"lecturevault/pkg/storage"
	"lecturevault/pkg/telegram"
)

// App holds the assembled components for one worker process.
type App struct {
	Logger   *slog.Logger
	Store    ledger.Store
	Queue    *queue.LectureQueue
	Pipe     *pipeline.Pipeline
	ServerID string

	cfg config.FileConfig
}

// New builds the worker from file configuration. The ledger is the GORM
// store when a database URL is configured, otherwise the JSON file cache;
// Redis dispatch and the MinIO backup are attached only when configured.
func New(cfg config.FileConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serverID := cfg.ServerID
	if serverID == "" {
		serverID = util.WorkerID()
	}

	var (
		store ledger.Store
		idem  ledger.IdempotencyStore
	)
	if cfg.DatabaseURL != "" {
		gormStore, err := ledger.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		store = gormStore
		idem = gormStore
	} else {
		cache, err := ledger.OpenFileCache(cfg.FallbackCachePath)
		if err != nil {
			return nil, fmt.Errorf("init fallback cache: %w", err)
		}
		idem = cache
		logger.Warn("no database configured, using file cache; leases are disabled",
			"path", cfg.FallbackCachePath)
	}

	var clientOpts []telegram.Option
	if cfg.TelegramBaseURL != "" {
		clientOpts = append(clientOpts, telegram.WithBaseURL(cfg.TelegramBaseURL))
	}
	clientOpts = append(clientOpts, telegram.WithLogger(logger))
	client, err := telegram.NewClient(cfg.TelegramToken, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init telegram client: %w", err)
	}
	uploader := &telegram.Uploader{
		Client:  client,
		ChatID:  cfg.TelegramChatID,
		AsVideo: cfg.TelegramAsVideo,
	}
	if cfg.SendsPerMinute > 0 {
		pacer, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "lecturevault:send", cfg.SendsPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init send pacer: %w", err)
		}
		uploader.Pacer = pacer
	}

	downloader := &pipeline.ExecDownloader{
		Command: cfg.DownloadCommand,
		Args:    cfg.DownloadArgs,
		Logger:  logger,
	}

	var archiver pipeline.Archiver
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(
			cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init backup store: %w", err)
		}
		archiver = &storage.Archiver{Store: minioStore, Bucket: cfg.MinioBucket, Prefix: cfg.MinioPrefix}
	}

	retry := pipeline.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	if cfg.RetryBaseDelaySeconds > 0 {
		retry.BaseDelay = time.Duration(cfg.RetryBaseDelaySeconds) * time.Second
	}

	pipe, err := pipeline.New(pipeline.Options{
		Store:             store,
		Idempotency:       idem,
		Downloader:        downloader,
		Uploader:          uploader,
		Archiver:          archiver,
		Logger:            logger,
		ServerID:          serverID,
		DownloadDir:       cfg.DownloadDir,
		QueueSize:         cfg.QueueSize,
		DownloadWorkers:   cfg.DownloadWorkers,
		UploadWorkers:     cfg.UploadWorkers,
		LeaseTTL:          time.Duration(cfg.LeaseTTLMinutes) * time.Minute,
		OperationTimeout:  time.Duration(cfg.OperationTimeoutSeconds) * time.Second,
		DeleteAfterUpload: cfg.DeleteAfterUpload,
		ForceReupload:     cfg.ForceReupload,
		DownloadRetry:     retry,
		UploadRetry:       retry,
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	var lectureQueue *queue.LectureQueue
	if cfg.RedisAddr != "" && cfg.QueueStream != "" {
		lectureQueue, err = queue.NewLectureQueue(queue.Config{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			Consumer:   serverID,
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init lecture queue: %w", err)
		}
	}

	return &App{
		Logger:   logger,
		Store:    store,
		Queue:    lectureQueue,
		Pipe:     pipe,
		ServerID: serverID,
		cfg:      cfg,
	}, nil
}

// RunManifest archives one pre-enumerated course from a manifest file.
func (a *App) RunManifest(ctx context.Context, path string) (pipeline.Stats, error) {
	manifest, err := pipeline.LoadManifest(path)
	if err != nil {
		return pipeline.Stats{}, err
	}
	a.Logger.Info("archiving course",
		"batch", manifest.Course.BatchID, "course", manifest.Course.Name, "server", a.ServerID)
	stats, err := a.Pipe.RunCourse(ctx, &pipeline.ManifestSource{Manifest: manifest}, manifest.Course)
	a.reportFailures(ctx, manifest.Course.BatchID)
	return stats, err
}

// RunConsumer processes lectures delivered over the Redis stream until
// ctx is canceled.
func (a *App) RunConsumer(ctx context.Context) error {
	if a.Queue == nil {
		return errors.New("consumer mode requires redisAddr and queueStream")
	}
	workers := a.cfg.DownloadWorkers
	if workers <= 0 {
		workers = 1
	}
	a.Logger.Info("consuming lecture stream", "server", a.ServerID, "workers", workers)
	a.Queue.Start(ctx, workers, a.Pipe.ProcessOne)
	<-ctx.Done()
	stats := a.Pipe.Snapshot()
	a.Logger.Info("consumer stopped",
		"seen", stats.Seen, "uploaded", stats.Uploaded, "skipped", stats.Skipped, "failed", stats.Failed)
	return nil
}

// reportFailures logs the post-run failed summary from the ledger.
func (a *App) reportFailures(ctx context.Context, batchID string) {
	if a.Store == nil {
		return
	}
	failed, err := a.Store.ListFailed(ctx, batchID, 50)
	if err != nil {
		a.Logger.Warn("failed summary unavailable", "err", err)
		return
	}
	for _, job := range failed {
		a.Logger.Warn("lecture failed this run",
			"batch", job.BatchID, "lecture", job.LectureID, "name", job.LectureName, "reason", job.ErrorText)
	}
}

// statusLabel pretty-prints stats for process exit logging.
func statusLabel(stats pipeline.Stats) string {
	return fmt.Sprintf("seen=%d uploaded=%d skipped=%d failed=%d",
		stats.Seen, stats.Uploaded, stats.Skipped, stats.Failed)
}

// Summary logs the run outcome.
func (a *App) Summary(stats pipeline.Stats) {
	a.Logger.Info("run complete", "server", a.ServerID, "stats", statusLabel(stats))
}
