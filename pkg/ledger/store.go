package ledger

import (
	"context"
	"time"

	"lecturevault/pkg/domain"
)

// StatusFields carries the optional columns written alongside a status
// transition. Zero values other than Remote/Error are still written, so a
// transition always leaves the row describing exactly one attempt.
type StatusFields struct {
	FilePath string
	FileSize int64
	Error    string
	Remote   *domain.UploadResult
}

// BackupRecord describes one secondary archival destination for a lecture.
type BackupRecord struct {
	BatchID         string
	LectureID       string
	Kind            string
	Identifier      string
	FilePath        string
	FileSize        int64
	RemoteChatID    string
	RemoteMessageID string
	Status          domain.JobStatus
	Error           string
	Metadata        map[string]any
}

// FailedJob summarizes one failed lecture for post-run reporting.
type FailedJob struct {
	BatchID     string
	LectureID   string
	LectureName string
	ChapterName string
	ServerID    string
	ErrorText   string
	UpdatedAt   time.Time
}

// IdempotencyStore answers "has this lecture already been fully processed"
// and records completions. The relational ledger and the JSON file cache
// both implement it; a run uses exactly one.
type IdempotencyStore interface {
	IsUploadDone(ctx context.Context, batchID, lectureID string) (bool, error)
	MarkDone(ctx context.Context, rec domain.CompletionRecord) error
}

// Store is the full relational ledger: catalog upserts, the lease
// protocol, and job status tracking shared by every worker host.
type Store interface {
	IdempotencyStore

	UpsertCourse(ctx context.Context, c domain.Course) (int64, error)
	UpsertSubject(ctx context.Context, courseID int64, s domain.Subject) (int64, error)
	UpsertChapter(ctx context.Context, subjectID int64, name string) (int64, error)
	UpsertLecture(ctx context.Context, courseID int64, d domain.LectureDescriptor) (int64, error)
	UpsertTeacher(ctx context.Context, t domain.TeacherRef) (int64, error)
	LinkLectureTeacher(ctx context.Context, batchID, lectureID string, teacherRowID int64) error

	// Reserve grants the lease for one lecture: it succeeds only when the
	// job row is pending, failed, or in flight but stale (updated_at older
	// than ttl). Implementations must make this a single conditional
	// update so concurrent workers cannot both win.
	Reserve(ctx context.Context, d domain.LectureDescriptor, serverID string, ttl time.Duration, force bool) (bool, error)

	MarkStatus(ctx context.Context, batchID, lectureID string, status domain.JobStatus, fields StatusFields) error
	// MarkProgress is a cheap best-effort write; callers log failures
	// instead of failing the upload.
	MarkProgress(ctx context.Context, batchID, lectureID string, bytesSent, bytesTotal int64, percent float64, serverID string) error

	GetRecordedFilePath(ctx context.Context, batchID, lectureID string) (string, error)
	// ClearLocalFile nulls out the recorded artifact path after the local
	// file has been deleted post-upload.
	ClearLocalFile(ctx context.Context, batchID, lectureID string) error
	SaveBackup(ctx context.Context, rec BackupRecord) error
	ListFailed(ctx context.Context, batchID string, limit int) ([]FailedJob, error)
}
