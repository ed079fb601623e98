package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lecturevault/pkg/domain"
	"lecturevault/pkg/ledger"
)

type fakeStore struct {
	mu        sync.Mutex
	done      map[string]bool
	leased    map[string]bool
	statuses  map[string][]domain.JobStatus
	recorded  map[string]string
	cleared   map[string]bool
	backups   []ledger.BackupRecord
	progress  int
	denyLease map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		done:      make(map[string]bool),
		leased:    make(map[string]bool),
		statuses:  make(map[string][]domain.JobStatus),
		recorded:  make(map[string]string),
		cleared:   make(map[string]bool),
		denyLease: make(map[string]bool),
	}
}

func key(batchID, lectureID string) string { return batchID + ":" + lectureID }

func (s *fakeStore) IsUploadDone(_ context.Context, batchID, lectureID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[key(batchID, lectureID)], nil
}

func (s *fakeStore) MarkDone(_ context.Context, rec domain.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.BatchID, rec.LectureID)
	s.done[k] = true
	s.statuses[k] = append(s.statuses[k], domain.StatusDone)
	return nil
}

func (s *fakeStore) UpsertCourse(context.Context, domain.Course) (int64, error) { return 1, nil }
func (s *fakeStore) UpsertSubject(context.Context, int64, domain.Subject) (int64, error) {
	return 1, nil
}
func (s *fakeStore) UpsertChapter(context.Context, int64, string) (int64, error) { return 1, nil }
func (s *fakeStore) UpsertLecture(context.Context, int64, domain.LectureDescriptor) (int64, error) {
	return 1, nil
}
func (s *fakeStore) UpsertTeacher(context.Context, domain.TeacherRef) (int64, error) { return 1, nil }
func (s *fakeStore) LinkLectureTeacher(context.Context, string, string, int64) error { return nil }

func (s *fakeStore) Reserve(_ context.Context, d domain.LectureDescriptor, _ string, _ time.Duration, _ bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := d.Key()
	if s.denyLease[k] || s.leased[k] {
		return false, nil
	}
	s.leased[k] = true
	s.statuses[k] = append(s.statuses[k], domain.StatusDownloading)
	return true, nil
}

func (s *fakeStore) MarkStatus(_ context.Context, batchID, lectureID string, status domain.JobStatus, _ ledger.StatusFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key(batchID, lectureID)] = append(s.statuses[key(batchID, lectureID)], status)
	return nil
}

func (s *fakeStore) MarkProgress(context.Context, string, string, int64, int64, float64, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress++
	return nil
}

func (s *fakeStore) GetRecordedFilePath(_ context.Context, batchID, lectureID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded[key(batchID, lectureID)], nil
}

func (s *fakeStore) ClearLocalFile(_ context.Context, batchID, lectureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared[key(batchID, lectureID)] = true
	return nil
}

func (s *fakeStore) SaveBackup(_ context.Context, rec ledger.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups = append(s.backups, rec)
	return nil
}

func (s *fakeStore) ListFailed(context.Context, string, int) ([]ledger.FailedJob, error) {
	return nil, nil
}

func (s *fakeStore) lastStatus(k string) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.statuses[k]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}

type fakeDownloader struct {
	dir     string
	started atomic.Int64
	fail    map[string]error
	mu      sync.Mutex
}

func (f *fakeDownloader) Download(_ context.Context, d domain.LectureDescriptor, destDir string) (string, int64, error) {
	f.started.Add(1)
	f.mu.Lock()
	err := f.fail[d.LectureID]
	f.mu.Unlock()
	if err != nil {
		return "", 0, err
	}
	dir := destDir
	if dir == "" {
		dir = f.dir
	}
	path := filepath.Join(dir, d.LectureID+".mp4")
	content := []byte("video " + d.LectureID)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", 0, err
	}
	return path, int64(len(content)), nil
}

type fakeUploader struct {
	gate     chan struct{}
	uploaded atomic.Int64
	fail     map[string]error
	mu       sync.Mutex
}

func (f *fakeUploader) Upload(ctx context.Context, d domain.LectureDescriptor, path string, progress func(sent, total int64)) (*domain.UploadResult, error) {
	if f.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.gate:
		}
	}
	f.mu.Lock()
	err := f.fail[d.LectureID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return nil, fmt.Errorf("uploading missing file: %w", statErr)
	}
	if progress != nil {
		progress(info.Size(), info.Size())
	}
	n := f.uploaded.Add(1)
	return &domain.UploadResult{ChatID: "-100", MessageID: fmt.Sprint(n), FileID: "file-" + d.LectureID}, nil
}

func descriptors(n int) []domain.LectureDescriptor {
	out := make([]domain.LectureDescriptor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.LectureDescriptor{
			BatchID:     "batch-1",
			LectureID:   fmt.Sprintf("lec-%d", i+1),
			LectureName: fmt.Sprintf("Lecture %d", i+1),
			SubjectSlug: "physics",
			ChapterName: "Waves",
		})
	}
	return out
}

func feed(lectures []domain.LectureDescriptor) <-chan domain.LectureDescriptor {
	ch := make(chan domain.LectureDescriptor, len(lectures))
	for _, d := range lectures {
		ch <- d
	}
	close(ch)
	return ch
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = t.TempDir()
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestPipelineEndToEnd(t *testing.T) {
	store := newFakeStore()
	dl := &fakeDownloader{fail: map[string]error{"lec-2": Permanent(errors.New("stream missing"))}}
	up := &fakeUploader{}

	p := newTestPipeline(t, Options{
		Store:           store,
		Idempotency:     store,
		Downloader:      dl,
		Uploader:        up,
		ServerID:        "srv-a",
		QueueSize:       2,
		DownloadWorkers: 2,
		UploadWorkers:   2,
	})

	stats, err := p.Run(context.Background(), feed(descriptors(3)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Seen != 3 || stats.Uploaded != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := store.lastStatus("batch-1:lec-1"); got != domain.StatusDone {
		t.Fatalf("lec-1 status = %s", got)
	}
	if got := store.lastStatus("batch-1:lec-2"); got != domain.StatusFailed {
		t.Fatalf("lec-2 status = %s", got)
	}
	if got := store.lastStatus("batch-1:lec-3"); got != domain.StatusDone {
		t.Fatalf("lec-3 status = %s", got)
	}
	if store.progress == 0 {
		t.Fatal("no progress writes recorded")
	}
}

func TestPipelineSkipsCompletedAndLeased(t *testing.T) {
	store := newFakeStore()
	store.done["batch-1:lec-1"] = true
	store.denyLease["batch-1:lec-2"] = true
	dl := &fakeDownloader{}
	up := &fakeUploader{}

	p := newTestPipeline(t, Options{
		Store:       store,
		Idempotency: store,
		Downloader:  dl,
		Uploader:    up,
	})

	stats, err := p.Run(context.Background(), feed(descriptors(3)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", stats.Skipped)
	}
	if stats.Uploaded != 1 {
		t.Fatalf("uploaded = %d, want 1", stats.Uploaded)
	}
	if dl.started.Load() != 1 {
		t.Fatalf("downloads started = %d, want 1", dl.started.Load())
	}
}

func TestPipelineBoundsInFlightDownloads(t *testing.T) {
	store := newFakeStore()
	dl := &fakeDownloader{}
	up := &fakeUploader{gate: make(chan struct{})}

	p := newTestPipeline(t, Options{
		Store:           store,
		Idempotency:     store,
		Downloader:      dl,
		Uploader:        up,
		QueueSize:       1,
		DownloadWorkers: 1,
		UploadWorkers:   1,
	})

	const total = 10
	done := make(chan Stats, 1)
	go func() {
		stats, err := p.Run(context.Background(), feed(descriptors(total)))
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- stats
	}()

	// With the uploader blocked, the bounded queues must hold discovery
	// back well short of the full batch.
	time.Sleep(200 * time.Millisecond)
	started := dl.started.Load()
	if started > 4 {
		t.Fatalf("downloads started while uploads stalled = %d, want <= 4", started)
	}

	close(up.gate)
	stats := <-done
	if stats.Uploaded != total {
		t.Fatalf("uploaded = %d, want %d", stats.Uploaded, total)
	}
}

func TestPipelineReusesRecordedPath(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()
	existing := filepath.Join(dir, "lec-1.mp4")
	if err := os.WriteFile(existing, []byte("cached video"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	store.recorded["batch-1:lec-1"] = existing

	dl := &fakeDownloader{}
	up := &fakeUploader{}
	p := newTestPipeline(t, Options{
		Store:       store,
		Idempotency: store,
		Downloader:  dl,
		Uploader:    up,
		DownloadDir: dir,
	})

	stats, err := p.Run(context.Background(), feed(descriptors(1)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Uploaded != 1 {
		t.Fatalf("uploaded = %d, want 1", stats.Uploaded)
	}
	if dl.started.Load() != 0 {
		t.Fatalf("downloader called %d times for a cached file", dl.started.Load())
	}
}

func TestPipelineDeleteAfterUpload(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()
	dl := &fakeDownloader{}
	up := &fakeUploader{}

	p := newTestPipeline(t, Options{
		Store:             store,
		Idempotency:       store,
		Downloader:        dl,
		Uploader:          up,
		DownloadDir:       dir,
		DeleteAfterUpload: true,
	})

	stats, err := p.Run(context.Background(), feed(descriptors(1)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Uploaded != 1 {
		t.Fatalf("uploaded = %d, want 1", stats.Uploaded)
	}
	if _, err := os.Stat(filepath.Join(dir, "lec-1.mp4")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file still present after upload: %v", err)
	}
	if !store.cleared["batch-1:lec-1"] {
		t.Fatal("recorded path not cleared after delete")
	}
}

func TestPipelineUploadFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	dl := &fakeDownloader{}
	up := &fakeUploader{fail: map[string]error{"lec-1": Permanent(errors.New("payload rejected"))}}

	dir := t.TempDir()
	p := newTestPipeline(t, Options{
		Store:             store,
		Idempotency:       store,
		Downloader:        dl,
		Uploader:          up,
		DownloadDir:       dir,
		DeleteAfterUpload: true,
	})

	stats, err := p.Run(context.Background(), feed(descriptors(1)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Failed != 1 || stats.Uploaded != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := store.lastStatus("batch-1:lec-1"); got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	// The file stays so the next reservation can skip the re-download.
	if _, err := os.Stat(filepath.Join(dir, "lec-1.mp4")); err != nil {
		t.Fatalf("local file not retained: %v", err)
	}
}

func TestPipelineFileCacheOnlyMode(t *testing.T) {
	cache, err := ledger.OpenFileCache(filepath.Join(t.TempDir(), "uploads.json"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	dl := &fakeDownloader{}
	up := &fakeUploader{}

	p := newTestPipeline(t, Options{
		Idempotency: cache,
		Downloader:  dl,
		Uploader:    up,
	})

	stats, err := p.Run(context.Background(), feed(descriptors(2)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Uploaded != 2 {
		t.Fatalf("uploaded = %d, want 2", stats.Uploaded)
	}

	// A second run skips everything via the cache.
	stats, err = p.Run(context.Background(), feed(descriptors(2)))
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if stats.Skipped != 2 || stats.Uploaded != 2 {
		t.Fatalf("rerun stats = %+v", stats)
	}
}
