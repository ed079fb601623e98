package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"lecturevault/pkg/domain"
)

const migrateLockName = "lecturevault_migrate"

var inFlightStatuses = []string{string(domain.StatusDownloading), string(domain.StatusUploading)}

// GormStore implements Store on top of GORM + MySQL.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the MySQL database and runs auto-migrations under a
// named lock so concurrent worker hosts do not race on DDL.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return migrate(tx)
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// OpenGormStore builds a store from an already-configured dialector.
// Tests use it with an in-memory sqlite database.
func OpenGormStore(dialector gorm.Dialector, cfg *gorm.Config) (*GormStore, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for inspection CLIs.
func (s *GormStore) DB() *gorm.DB { return s.db }

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&CourseModel{},
		&SubjectModel{},
		&ChapterModel{},
		&LectureModel{},
		&TeacherModel{},
		&LectureTeacherModel{},
		&LectureJobModel{},
		&LectureUploadModel{},
		&LectureBackupModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var acquired int
	if err := db.WithContext(ctx).Raw("SELECT GET_LOCK(?, 30)", migrateLockName).Scan(&acquired).Error; err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	if acquired != 1 {
		return errors.New("migrate lock timeout")
	}
	defer func() {
		_ = db.Exec("SELECT RELEASE_LOCK(?)", migrateLockName).Error
	}()
	return fn(db)
}

// UpsertCourse inserts or refreshes a course by batch ID and returns the
// surrogate row id.
func (s *GormStore) UpsertCourse(ctx context.Context, c domain.Course) (int64, error) {
	model := CourseModel{BatchID: c.BatchID, BatchSlug: c.BatchSlug, Name: c.Name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"batch_slug", "name", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return 0, fmt.Errorf("upsert course: %w", err)
	}
	var row CourseModel
	if err := s.db.WithContext(ctx).Where("batch_id = ?", c.BatchID).First(&row).Error; err != nil {
		return 0, fmt.Errorf("load course: %w", err)
	}
	return row.ID, nil
}

// UpsertSubject inserts or refreshes a subject unique per (course, slug).
func (s *GormStore) UpsertSubject(ctx context.Context, courseID int64, sub domain.Subject) (int64, error) {
	model := SubjectModel{CourseID: courseID, Slug: sub.Slug, Name: sub.Name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return 0, fmt.Errorf("upsert subject: %w", err)
	}
	var row SubjectModel
	if err := s.db.WithContext(ctx).Where("course_id = ? AND slug = ?", courseID, sub.Slug).First(&row).Error; err != nil {
		return 0, fmt.Errorf("load subject: %w", err)
	}
	return row.ID, nil
}

// UpsertChapter inserts or refreshes a chapter unique per (subject, name).
func (s *GormStore) UpsertChapter(ctx context.Context, subjectID int64, name string) (int64, error) {
	model := ChapterModel{SubjectID: subjectID, Name: name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return 0, fmt.Errorf("upsert chapter: %w", err)
	}
	var row ChapterModel
	if err := s.db.WithContext(ctx).Where("subject_id = ? AND name = ?", subjectID, name).First(&row).Error; err != nil {
		return 0, fmt.Errorf("load chapter: %w", err)
	}
	return row.ID, nil
}

// UpsertLecture inserts or refreshes a lecture by its composite key.
// Metadata is last-write-wins; upstream is the source of truth.
func (s *GormStore) UpsertLecture(ctx context.Context, courseID int64, d domain.LectureDescriptor) (int64, error) {
	model := LectureModel{
		BatchID:      d.BatchID,
		LectureID:    d.LectureID,
		CourseID:     courseID,
		SubjectSlug:  d.SubjectSlug,
		SubjectName:  d.SubjectName,
		ChapterName:  d.ChapterName,
		LectureName:  d.LectureName,
		StartTime:    d.StartTime,
		DisplayOrder: d.DisplayOrder,
		ChapterTotal: d.ChapterTotal,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "batch_id"}, {Name: "lecture_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"course_id", "subject_slug", "subject_name", "chapter_name",
			"lecture_name", "start_time", "display_order", "chapter_total", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return 0, fmt.Errorf("upsert lecture: %w", err)
	}
	var row LectureModel
	if err := s.db.WithContext(ctx).Where("batch_id = ? AND lecture_id = ?", d.BatchID, d.LectureID).First(&row).Error; err != nil {
		return 0, fmt.Errorf("load lecture: %w", err)
	}
	return row.ID, nil
}

// UpsertTeacher deduplicates teachers by key (upstream id preferred over
// name) across inconsistent API payload shapes.
func (s *GormStore) UpsertTeacher(ctx context.Context, t domain.TeacherRef) (int64, error) {
	if t.IsZero() {
		return 0, errors.New("upsert teacher: empty identity")
	}
	model := TeacherModel{TeacherKey: t.Key(), TeacherID: t.ID, Name: t.Name}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "teacher_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"teacher_id", "name", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return 0, fmt.Errorf("upsert teacher: %w", err)
	}
	var row TeacherModel
	if err := s.db.WithContext(ctx).Where("teacher_key = ?", t.Key()).First(&row).Error; err != nil {
		return 0, fmt.Errorf("load teacher: %w", err)
	}
	return row.ID, nil
}

// LinkLectureTeacher records the many-to-many join, ignoring duplicates.
func (s *GormStore) LinkLectureTeacher(ctx context.Context, batchID, lectureID string, teacherRowID int64) error {
	if teacherRowID == 0 {
		return nil
	}
	model := LectureTeacherModel{BatchID: batchID, LectureID: lectureID, TeacherID: teacherRowID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("link lecture teacher: %w", err)
	}
	return nil
}

// Reserve seeds the job row, then attempts the lease grant as one
// conditional update. The whole distributed at-most-one-worker guarantee
// rests on that update being atomic at the storage layer.
func (s *GormStore) Reserve(ctx context.Context, d domain.LectureDescriptor, serverID string, ttl time.Duration, force bool) (bool, error) {
	if err := s.seedJob(ctx, d, serverID); err != nil {
		return false, err
	}
	reservable := []string{string(domain.StatusPending), string(domain.StatusFailed)}
	if force {
		reservable = append(reservable, string(domain.StatusDone))
	}
	cutoff := time.Now().UTC().Add(-ttl)
	res := s.db.WithContext(ctx).Model(&LectureJobModel{}).
		Where("batch_id = ? AND lecture_id = ?", d.BatchID, d.LectureID).
		Where("status IN ? OR (status IN ? AND updated_at < ?)", reservable, inFlightStatuses, cutoff).
		Updates(map[string]any{
			"status":     string(domain.StatusDownloading),
			"server_id":  serverID,
			"error_text": "",
		})
	if res.Error != nil {
		return false, fmt.Errorf("reserve lecture: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// seedJob creates the job row as pending on first sight and refreshes the
// descriptor metadata on rediscovery without touching status or the lease.
func (s *GormStore) seedJob(ctx context.Context, d domain.LectureDescriptor, serverID string) error {
	ids, names := joinTeacherRefs(d.Teachers)
	model := LectureJobModel{
		BatchID:      d.BatchID,
		LectureID:    d.LectureID,
		BatchSlug:    d.BatchSlug,
		CourseName:   d.CourseName,
		SubjectSlug:  d.SubjectSlug,
		SubjectName:  d.SubjectName,
		ChapterName:  d.ChapterName,
		LectureName:  d.LectureName,
		StartTime:    d.StartTime,
		TeacherIDs:   ids,
		TeacherNames: names,
		Status:       string(domain.StatusPending),
		ServerID:     serverID,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "batch_id"}, {Name: "lecture_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"batch_slug", "course_name", "subject_slug", "subject_name",
			"chapter_name", "lecture_name", "start_time", "teacher_ids", "teacher_names",
		}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("seed job: %w", err)
	}
	return nil
}

// MarkStatus transitions both the job row and the upload mirror inside one
// transaction so the two tables never disagree about done-ness for longer
// than a transaction. Remote references are cleared on failure so a stale
// message id can never make a failed lecture look done.
func (s *GormStore) MarkStatus(ctx context.Context, batchID, lectureID string, status domain.JobStatus, fields StatusFields) error {
	updates := map[string]any{
		"status":     string(status),
		"error_text": fields.Error,
	}
	if fields.FilePath != "" {
		updates["file_path"] = fields.FilePath
		updates["file_size"] = fields.FileSize
	}
	switch status {
	case domain.StatusDone:
		if fields.Remote != nil {
			updates["remote_chat_id"] = fields.Remote.ChatID
			updates["remote_message_id"] = fields.Remote.MessageID
			updates["remote_file_id"] = fields.Remote.FileID
		}
	case domain.StatusFailed:
		updates["remote_chat_id"] = ""
		updates["remote_message_id"] = ""
		updates["remote_file_id"] = ""
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUploadRow(tx, batchID, lectureID, status, ""); err != nil {
			return err
		}
		if err := tx.Model(&LectureJobModel{}).
			Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&LectureUploadModel{}).
			Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).
			Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("mark status %s: %w", status, err)
	}
	return nil
}

// MarkProgress records upload progress on both tables. Frequent and
// best-effort: callers log failures rather than failing the upload.
func (s *GormStore) MarkProgress(ctx context.Context, batchID, lectureID string, bytesSent, bytesTotal int64, percent float64, serverID string) error {
	updates := map[string]any{
		"status":         string(domain.StatusUploading),
		"upload_bytes":   bytesSent,
		"upload_total":   bytesTotal,
		"upload_percent": percent,
		"error_text":     "",
	}
	if serverID != "" {
		updates["server_id"] = serverID
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUploadRow(tx, batchID, lectureID, domain.StatusUploading, serverID); err != nil {
			return err
		}
		if err := tx.Model(&LectureJobModel{}).
			Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&LectureUploadModel{}).
			Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).
			Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("mark progress: %w", err)
	}
	return nil
}

func ensureUploadRow(tx *gorm.DB, batchID, lectureID string, status domain.JobStatus, serverID string) error {
	model := LectureUploadModel{
		BatchID:   batchID,
		LectureID: lectureID,
		Status:    string(status),
		ServerID:  serverID,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}, {Name: "lecture_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// IsUploadDone reports completion when either the upload mirror or the job
// row shows done or carries a remote message reference. Legacy rows may
// have only one of the two populated, so either is authoritative.
func (s *GormStore) IsUploadDone(ctx context.Context, batchID, lectureID string) (bool, error) {
	var upload LectureUploadModel
	err := s.db.WithContext(ctx).Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).First(&upload).Error
	if err == nil {
		if upload.Status == string(domain.StatusDone) || upload.RemoteMessageID != "" {
			return true, nil
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("check upload: %w", err)
	}
	var job LectureJobModel
	err = s.db.WithContext(ctx).Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check job: %w", err)
	}
	return job.Status == string(domain.StatusDone) || job.RemoteMessageID != "", nil
}

// MarkDone satisfies IdempotencyStore by recording a full completion.
func (s *GormStore) MarkDone(ctx context.Context, rec domain.CompletionRecord) error {
	return s.MarkStatus(ctx, rec.BatchID, rec.LectureID, domain.StatusDone, StatusFields{
		FilePath: rec.FilePath,
		FileSize: rec.FileSize,
		Remote: &domain.UploadResult{
			ChatID:    rec.ChatID,
			MessageID: rec.MessageID,
			FileID:    rec.FileID,
		},
	})
}

// GetRecordedFilePath returns a previously recorded local artifact path so
// callers can skip re-downloading, preferring the upload mirror.
func (s *GormStore) GetRecordedFilePath(ctx context.Context, batchID, lectureID string) (string, error) {
	var upload LectureUploadModel
	err := s.db.WithContext(ctx).Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).First(&upload).Error
	if err == nil && upload.FilePath != "" {
		return upload.FilePath, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("recorded path: %w", err)
	}
	var job LectureJobModel
	err = s.db.WithContext(ctx).Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("recorded path: %w", err)
	}
	return job.FilePath, nil
}

// ClearLocalFile nulls out the recorded artifact path after the local file
// has been deleted post-upload.
func (s *GormStore) ClearLocalFile(ctx context.Context, batchID, lectureID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&LectureJobModel{}).
			Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).
			Updates(map[string]any{"file_path": "", "file_size": 0}).Error; err != nil {
			return err
		}
		return tx.Model(&LectureUploadModel{}).
			Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).
			Updates(map[string]any{"file_path": "", "file_size": 0}).Error
	})
	if err != nil {
		return fmt.Errorf("clear local file: %w", err)
	}
	return nil
}

// SaveBackup upserts one secondary archival destination row.
func (s *GormStore) SaveBackup(ctx context.Context, rec BackupRecord) error {
	var meta []byte
	if rec.Metadata != nil {
		encoded, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode backup metadata: %w", err)
		}
		meta = encoded
	}
	model := LectureBackupModel{
		BatchID:         rec.BatchID,
		LectureID:       rec.LectureID,
		Kind:            rec.Kind,
		Identifier:      rec.Identifier,
		FilePath:        rec.FilePath,
		FileSize:        rec.FileSize,
		RemoteChatID:    rec.RemoteChatID,
		RemoteMessageID: rec.RemoteMessageID,
		Status:          string(rec.Status),
		ErrorText:       rec.Error,
		Metadata:        meta,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "batch_id"}, {Name: "lecture_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"identifier", "file_path", "file_size", "remote_chat_id",
			"remote_message_id", "status", "error_text", "metadata", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	return nil
}

// ListFailed returns failed jobs for post-run reporting, newest first.
func (s *GormStore) ListFailed(ctx context.Context, batchID string, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&LectureJobModel{}).
		Where("status = ?", string(domain.StatusFailed)).
		Order("updated_at DESC").
		Limit(limit)
	if batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}
	var models []LectureJobModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	out := make([]FailedJob, 0, len(models))
	for _, m := range models {
		out = append(out, FailedJob{
			BatchID:     m.BatchID,
			LectureID:   m.LectureID,
			LectureName: m.LectureName,
			ChapterName: m.ChapterName,
			ServerID:    m.ServerID,
			ErrorText:   m.ErrorText,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	return out, nil
}

func joinTeacherRefs(refs []domain.TeacherRef) (ids string, names string) {
	var idList, nameList []string
	for _, ref := range refs {
		if ref.ID != "" {
			idList = append(idList, ref.ID)
		}
		if ref.Name != "" {
			nameList = append(nameList, ref.Name)
		}
	}
	return strings.Join(idList, ","), strings.Join(nameList, ",")
}
