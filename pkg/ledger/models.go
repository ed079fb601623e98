package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. lecture_jobs carries the lease;
// lecture_uploads mirrors completion facts and survives job-table schema
// churn; lecture_backups tracks secondary archival destinations.

type CourseModel struct {
	ID        int64  `gorm:"primaryKey"`
	BatchID   string `gorm:"size:128;uniqueIndex;not null"`
	BatchSlug string `gorm:"size:128"`
	Name      string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SubjectModel struct {
	ID        int64  `gorm:"primaryKey"`
	CourseID  int64  `gorm:"not null;uniqueIndex:uniq_subject_course_slug"`
	Slug      string `gorm:"size:128;not null;uniqueIndex:uniq_subject_course_slug"`
	Name      string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChapterModel struct {
	ID        int64  `gorm:"primaryKey"`
	SubjectID int64  `gorm:"not null;uniqueIndex:uniq_chapter_subject_name"`
	Name      string `gorm:"size:255;not null;uniqueIndex:uniq_chapter_subject_name"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type LectureModel struct {
	ID           int64  `gorm:"primaryKey"`
	BatchID      string `gorm:"size:128;not null;uniqueIndex:uniq_lecture_batch"`
	LectureID    string `gorm:"size:128;not null;uniqueIndex:uniq_lecture_batch"`
	CourseID     int64  `gorm:"index"`
	SubjectSlug  string `gorm:"size:128"`
	SubjectName  string `gorm:"size:255"`
	ChapterName  string `gorm:"size:255"`
	LectureName  string `gorm:"size:255"`
	StartTime    string `gorm:"size:64"`
	DisplayOrder int
	ChapterTotal int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type TeacherModel struct {
	ID         int64  `gorm:"primaryKey"`
	TeacherKey string `gorm:"size:255;uniqueIndex;not null"`
	TeacherID  string `gorm:"size:128"`
	Name       string `gorm:"size:255"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type LectureTeacherModel struct {
	ID        int64  `gorm:"primaryKey"`
	BatchID   string `gorm:"size:128;not null;uniqueIndex:uniq_lecture_teacher"`
	LectureID string `gorm:"size:128;not null;uniqueIndex:uniq_lecture_teacher"`
	TeacherID int64  `gorm:"not null;uniqueIndex:uniq_lecture_teacher"`
	CreatedAt time.Time
}

// LectureJobModel is the lease-bearing row: at most one worker owns a
// (batch_id, lecture_id) while its updated_at is fresh.
type LectureJobModel struct {
	ID              int64  `gorm:"primaryKey"`
	BatchID         string `gorm:"size:128;not null;uniqueIndex:uniq_job_batch_lecture"`
	LectureID       string `gorm:"size:128;not null;uniqueIndex:uniq_job_batch_lecture"`
	BatchSlug       string `gorm:"size:128"`
	CourseName      string `gorm:"size:255"`
	SubjectSlug     string `gorm:"size:128"`
	SubjectName     string `gorm:"size:255"`
	ChapterName     string `gorm:"size:255"`
	LectureName     string `gorm:"size:255"`
	StartTime       string `gorm:"size:64"`
	TeacherIDs      string `gorm:"type:text"`
	TeacherNames    string `gorm:"type:text"`
	Status          string `gorm:"size:32;not null;default:pending;index"`
	ServerID        string `gorm:"size:128"`
	FilePath        string `gorm:"type:text"`
	FileSize        int64
	UploadBytes     int64
	UploadTotal     int64
	UploadPercent   float64
	RemoteChatID    string `gorm:"size:128"`
	RemoteMessageID string `gorm:"size:128"`
	RemoteFileID    string `gorm:"size:255"`
	ErrorText       string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LectureUploadModel mirrors completion facts independently of job-lease
// bookkeeping; legacy rows may exist in only one of the two tables, so
// done-ness checks consult both.
type LectureUploadModel struct {
	ID              int64  `gorm:"primaryKey"`
	BatchID         string `gorm:"size:128;not null;uniqueIndex:uniq_upload_batch_lecture"`
	LectureID       string `gorm:"size:128;not null;uniqueIndex:uniq_upload_batch_lecture"`
	Status          string `gorm:"size:32;not null;default:pending"`
	ServerID        string `gorm:"size:128"`
	FilePath        string `gorm:"type:text"`
	FileSize        int64
	UploadBytes     int64
	UploadTotal     int64
	UploadPercent   float64
	RemoteChatID    string `gorm:"size:128"`
	RemoteMessageID string `gorm:"size:128"`
	RemoteFileID    string `gorm:"size:255"`
	ErrorText       string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type LectureBackupModel struct {
	ID              int64  `gorm:"primaryKey"`
	BatchID         string `gorm:"size:128;not null;uniqueIndex:uniq_backup_batch_lecture_kind"`
	LectureID       string `gorm:"size:128;not null;uniqueIndex:uniq_backup_batch_lecture_kind"`
	Kind            string `gorm:"size:32;not null;uniqueIndex:uniq_backup_batch_lecture_kind"`
	Identifier      string `gorm:"size:255"`
	FilePath        string `gorm:"type:text"`
	FileSize        int64
	RemoteChatID    string         `gorm:"size:128"`
	RemoteMessageID string         `gorm:"size:128"`
	Status          string         `gorm:"size:32;not null;default:pending"`
	ErrorText       string         `gorm:"type:text"`
	Metadata        datatypes.JSON `gorm:"type:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (CourseModel) TableName() string         { return "courses" }
func (SubjectModel) TableName() string        { return "subjects" }
func (ChapterModel) TableName() string        { return "chapters" }
func (LectureModel) TableName() string        { return "lectures" }
func (TeacherModel) TableName() string        { return "teachers" }
func (LectureTeacherModel) TableName() string { return "lecture_teachers" }
func (LectureJobModel) TableName() string     { return "lecture_jobs" }
func (LectureUploadModel) TableName() string  { return "lecture_uploads" }
func (LectureBackupModel) TableName() string  { return "lecture_backups" }
