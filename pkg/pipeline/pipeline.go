package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"lecturevault/pkg/domain"
	"lecturevault/pkg/ledger"
)

// Downloader fetches one lecture's video into destDir and returns the
// local path and size.
type Downloader interface {
	Download(ctx context.Context, d domain.LectureDescriptor, destDir string) (string, int64, error)
}

// Uploader ships a local file to the primary archive destination.
// progress may be nil; when set it receives cumulative bytes sent.
type Uploader interface {
	Upload(ctx context.Context, d domain.LectureDescriptor, filePath string, progress func(sent, total int64)) (*domain.UploadResult, error)
}

// Archiver copies an uploaded artifact to a secondary backup destination.
type Archiver interface {
	Archive(ctx context.Context, d domain.LectureDescriptor, filePath string) (identifier string, metadata map[string]any, err error)
}

// Options wires one pipeline run. Store is nil when running without a
// database; Idempotency is always required and is the Store itself in
// database mode or a file cache otherwise.
type Options struct {
	Store       ledger.Store
	Idempotency ledger.IdempotencyStore
	Downloader  Downloader
	Uploader    Uploader
	Archiver    Archiver
	Logger      *slog.Logger

	ServerID    string
	DownloadDir string

	QueueSize       int
	DownloadWorkers int
	UploadWorkers   int

	LeaseTTL          time.Duration
	OperationTimeout  time.Duration
	DeleteAfterUpload bool
	ForceReupload     bool

	DownloadRetry RetryPolicy
	UploadRetry   RetryPolicy
}

// Stats counts per-run outcomes. Failed lectures are recorded in the
// ledger and reported here; they do not abort the run.
type Stats struct {
	Seen       int64
	Skipped    int64
	Downloaded int64
	Uploaded   int64
	Failed     int64
}

// Pipeline moves lectures through bounded download and upload stages.
// Queue capacities bound disk usage: at most QueueSize+workers lectures
// are on local disk at any moment.
type Pipeline struct {
	opts Options

	seen       atomic.Int64
	skipped    atomic.Int64
	downloaded atomic.Int64
	uploaded   atomic.Int64
	failed     atomic.Int64
}

type downloadJob struct {
	desc domain.LectureDescriptor
	// recordedPath is a path a previous run already downloaded to; when
	// the file is still on disk the download stage passes it through.
	recordedPath string
}

type uploadJob struct {
	desc domain.LectureDescriptor
	path string
	size int64
}

func New(opts Options) (*Pipeline, error) {
	if opts.Idempotency == nil {
		return nil, errors.New("pipeline: idempotency store is required")
	}
	if opts.Downloader == nil {
		return nil, errors.New("pipeline: downloader is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("pipeline: uploader is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = 1
	}
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Hour
	}
	if opts.DownloadRetry.MaxAttempts == 0 {
		opts.DownloadRetry = DefaultRetryPolicy()
	}
	if opts.UploadRetry.MaxAttempts == 0 {
		opts.UploadRetry = DefaultRetryPolicy()
	}
	return &Pipeline{opts: opts}, nil
}

// Run drains lectures until the channel closes or ctx is canceled.
// Per-lecture failures are counted and recorded; only infrastructure
// breakage (canceled context) fails the run itself.
func (p *Pipeline) Run(ctx context.Context, lectures <-chan domain.LectureDescriptor) (Stats, error) {
	downloadQueue := make(chan downloadJob, p.opts.QueueSize)
	uploadQueue := make(chan uploadJob, p.opts.QueueSize)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(downloadQueue)
		return p.produce(ctx, lectures, downloadQueue)
	})

	var downloadWG sync.WaitGroup
	for i := 0; i < p.opts.DownloadWorkers; i++ {
		downloadWG.Add(1)
		g.Go(func() error {
			defer downloadWG.Done()
			return p.downloadLoop(ctx, downloadQueue, uploadQueue)
		})
	}
	g.Go(func() error {
		downloadWG.Wait()
		close(uploadQueue)
		return nil
	})

	for i := 0; i < p.opts.UploadWorkers; i++ {
		g.Go(func() error {
			return p.uploadLoop(ctx, uploadQueue)
		})
	}

	err := g.Wait()
	return p.stats(), err
}

// ProcessOne runs the whole lifecycle for a single delivered lecture.
// Stream consumers call this from their handler; parallelism comes from
// the consumer pool, not from internal queues. A skip (already done or
// leased elsewhere) is success from the stream's point of view.
func (p *Pipeline) ProcessOne(ctx context.Context, d domain.LectureDescriptor) error {
	p.seen.Add(1)
	log := p.opts.Logger.With("batch", d.BatchID, "lecture", d.LectureID, "name", d.LectureName)

	if !p.opts.ForceReupload {
		done, err := p.opts.Idempotency.IsUploadDone(ctx, d.BatchID, d.LectureID)
		if err != nil {
			return fmt.Errorf("completion check: %w", err)
		}
		if done {
			log.Debug("already uploaded, skipping")
			p.skipped.Add(1)
			return nil
		}
	}

	var recordedPath string
	if p.opts.Store != nil {
		granted, err := p.opts.Store.Reserve(ctx, d, p.opts.ServerID, p.opts.LeaseTTL, p.opts.ForceReupload)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		if !granted {
			log.Debug("lease held elsewhere, skipping")
			p.skipped.Add(1)
			return nil
		}
		recordedPath, err = p.opts.Store.GetRecordedFilePath(ctx, d.BatchID, d.LectureID)
		if err != nil {
			log.Warn("recorded path lookup failed", "err", err)
			recordedPath = ""
		}
	}

	path, size, err := p.download(ctx, downloadJob{desc: d, recordedPath: recordedPath})
	if err != nil {
		p.recordFailure(ctx, d, "download", err)
		return err
	}
	p.markStatus(ctx, d, domain.StatusUploading, ledger.StatusFields{FilePath: path, FileSize: size})

	if err := p.upload(ctx, uploadJob{desc: d, path: path, size: size}); err != nil {
		p.recordFailure(ctx, d, "upload", err)
		return err
	}
	return nil
}

// Snapshot returns the counters accumulated so far; consumers that use
// ProcessOne read their totals here at shutdown.
func (p *Pipeline) Snapshot() Stats { return p.stats() }

func (p *Pipeline) stats() Stats {
	return Stats{
		Seen:       p.seen.Load(),
		Skipped:    p.skipped.Load(),
		Downloaded: p.downloaded.Load(),
		Uploaded:   p.uploaded.Load(),
		Failed:     p.failed.Load(),
	}
}

// produce applies the skip checks and the lease protocol, then feeds the
// bounded download queue. Blocking on the full queue is what holds back
// discovery when downloads are slow.
func (p *Pipeline) produce(ctx context.Context, lectures <-chan domain.LectureDescriptor, out chan<- downloadJob) error {
	for {
		var (
			d  domain.LectureDescriptor
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok = <-lectures:
			if !ok {
				return nil
			}
		}
		p.seen.Add(1)
		log := p.opts.Logger.With("batch", d.BatchID, "lecture", d.LectureID, "name", d.LectureName)

		if !p.opts.ForceReupload {
			done, err := p.opts.Idempotency.IsUploadDone(ctx, d.BatchID, d.LectureID)
			if err != nil {
				log.Error("completion check failed", "err", err)
				p.failed.Add(1)
				continue
			}
			if done {
				log.Debug("already uploaded, skipping")
				p.skipped.Add(1)
				continue
			}
		}

		var recordedPath string
		if p.opts.Store != nil {
			granted, err := p.opts.Store.Reserve(ctx, d, p.opts.ServerID, p.opts.LeaseTTL, p.opts.ForceReupload)
			if err != nil {
				log.Error("reserve failed", "err", err)
				p.failed.Add(1)
				continue
			}
			if !granted {
				log.Debug("lease held elsewhere, skipping")
				p.skipped.Add(1)
				continue
			}
			recordedPath, err = p.opts.Store.GetRecordedFilePath(ctx, d.BatchID, d.LectureID)
			if err != nil {
				log.Warn("recorded path lookup failed", "err", err)
				recordedPath = ""
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- downloadJob{desc: d, recordedPath: recordedPath}:
		}
	}
}

func (p *Pipeline) downloadLoop(ctx context.Context, in <-chan downloadJob, out chan<- uploadJob) error {
	for {
		var (
			job downloadJob
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok = <-in:
			if !ok {
				return nil
			}
		}

		path, size, err := p.download(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.recordFailure(ctx, job.desc, "download", err)
			continue
		}
		p.markStatus(ctx, job.desc, domain.StatusUploading, ledger.StatusFields{FilePath: path, FileSize: size})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- uploadJob{desc: job.desc, path: path, size: size}:
		}
	}
}

// download reuses a still-present artifact from a previous run, otherwise
// fetches under the retry policy.
func (p *Pipeline) download(ctx context.Context, job downloadJob) (string, int64, error) {
	if job.recordedPath != "" {
		if info, err := os.Stat(job.recordedPath); err == nil && !info.IsDir() {
			p.opts.Logger.Info("reusing downloaded file",
				"batch", job.desc.BatchID, "lecture", job.desc.LectureID, "path", job.recordedPath)
			return job.recordedPath, info.Size(), nil
		}
	}

	var (
		path string
		size int64
	)
	err := p.opts.DownloadRetry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()
		var err error
		path, size, err = p.opts.Downloader.Download(opCtx, job.desc, p.opts.DownloadDir)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	p.downloaded.Add(1)
	return path, size, nil
}

func (p *Pipeline) uploadLoop(ctx context.Context, in <-chan uploadJob) error {
	for {
		var (
			job uploadJob
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok = <-in:
			if !ok {
				return nil
			}
		}
		if err := p.upload(ctx, job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.recordFailure(ctx, job.desc, "upload", err)
		}
	}
}

func (p *Pipeline) upload(ctx context.Context, job uploadJob) error {
	log := p.opts.Logger.With("batch", job.desc.BatchID, "lecture", job.desc.LectureID, "name", job.desc.LectureName)

	progress := p.progressReporter(ctx, job)
	var result *domain.UploadResult
	err := p.opts.UploadRetry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()
		var err error
		result, err = p.opts.Uploader.Upload(opCtx, job.desc, job.path, progress)
		return err
	})
	if err != nil {
		return err
	}

	rec := domain.CompletionRecord{
		BatchID:     job.desc.BatchID,
		LectureID:   job.desc.LectureID,
		LectureName: job.desc.LectureName,
		FilePath:    job.path,
		FileSize:    job.size,
		DoneAt:      time.Now().UTC(),
	}
	if result != nil {
		rec.ChatID = result.ChatID
		rec.MessageID = result.MessageID
		rec.FileID = result.FileID
	}
	if err := p.opts.Idempotency.MarkDone(ctx, rec); err != nil {
		// The upload happened but is not recorded; keep the file so a
		// rerun can reconcile instead of re-uploading blindly.
		return fmt.Errorf("record completion: %w", err)
	}
	p.uploaded.Add(1)
	log.Info("lecture archived", "message_id", rec.MessageID, "size", job.size)

	p.archive(ctx, job)

	if p.opts.DeleteAfterUpload {
		if err := os.Remove(job.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("delete after upload failed", "path", job.path, "err", err)
		} else if p.opts.Store != nil {
			if err := p.opts.Store.ClearLocalFile(ctx, job.desc.BatchID, job.desc.LectureID); err != nil {
				log.Warn("clear local file failed", "err", err)
			}
		}
	}
	return nil
}

// progressReporter throttles ledger progress writes to five-percent steps.
func (p *Pipeline) progressReporter(ctx context.Context, job uploadJob) func(sent, total int64) {
	if p.opts.Store == nil {
		return nil
	}
	var lastStep int64 = -1
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		percent := float64(sent) / float64(total) * 100
		step := int64(percent / 5)
		if step == lastStep {
			return
		}
		lastStep = step
		err := p.opts.Store.MarkProgress(ctx, job.desc.BatchID, job.desc.LectureID, sent, total, percent, p.opts.ServerID)
		if err != nil {
			p.opts.Logger.Debug("progress write failed", "lecture", job.desc.LectureID, "err", err)
		}
	}
}

// archive pushes a best-effort copy to the secondary destination and
// records the outcome; backup failures never fail the lecture.
func (p *Pipeline) archive(ctx context.Context, job uploadJob) {
	if p.opts.Archiver == nil {
		return
	}
	log := p.opts.Logger.With("batch", job.desc.BatchID, "lecture", job.desc.LectureID)

	identifier, metadata, err := p.opts.Archiver.Archive(ctx, job.desc, job.path)
	if p.opts.Store == nil {
		if err != nil {
			log.Warn("backup failed", "err", err)
		}
		return
	}
	rec := ledger.BackupRecord{
		BatchID:    job.desc.BatchID,
		LectureID:  job.desc.LectureID,
		Kind:       "object_store",
		Identifier: identifier,
		FilePath:   job.path,
		FileSize:   job.size,
		Status:     domain.StatusDone,
		Metadata:   metadata,
	}
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.Error = err.Error()
		log.Warn("backup failed", "err", err)
	}
	if saveErr := p.opts.Store.SaveBackup(ctx, rec); saveErr != nil {
		log.Warn("backup record write failed", "err", saveErr)
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, d domain.LectureDescriptor, stage string, cause error) {
	p.failed.Add(1)
	p.opts.Logger.Error("lecture failed",
		"stage", stage, "batch", d.BatchID, "lecture", d.LectureID, "name", d.LectureName, "err", cause)
	p.markStatus(ctx, d, domain.StatusFailed, ledger.StatusFields{Error: cause.Error()})
}

func (p *Pipeline) markStatus(ctx context.Context, d domain.LectureDescriptor, status domain.JobStatus, fields ledger.StatusFields) {
	if p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.MarkStatus(ctx, d.BatchID, d.LectureID, status, fields); err != nil {
		p.opts.Logger.Warn("status write failed",
			"lecture", d.LectureID, "status", string(status), "err", err)
	}
}

func (p *Pipeline) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.OperationTimeout)
}
