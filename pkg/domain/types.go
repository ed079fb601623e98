package domain

import "time"

// JobStatus represents the lifecycle of a lecture job in the ledger.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusUploading   JobStatus = "uploading"
	StatusDone        JobStatus = "done"
	StatusFailed      JobStatus = "failed"
)

// Course is one purchased content bundle, keyed by its upstream batch ID.
type Course struct {
	BatchID   string `json:"batchId"`
	BatchSlug string `json:"batchSlug"`
	Name      string `json:"name"`
}

// Subject belongs to exactly one course.
type Subject struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Chapter belongs to exactly one subject. VideoCount lets callers skip
// chapters that carry no lecture videos.
type Chapter struct {
	Name       string `json:"name"`
	VideoCount int    `json:"videoCount"`
}

// LectureDescriptor identifies one video lecture prior to any download.
// Subject and chapter names are carried along so captions survive upstream
// metadata reshuffles.
type LectureDescriptor struct {
	BatchID      string       `json:"batchId"`
	BatchSlug    string       `json:"batchSlug"`
	CourseName   string       `json:"courseName"`
	LectureID    string       `json:"lectureId"`
	LectureName  string       `json:"lectureName"`
	SubjectSlug  string       `json:"subjectSlug"`
	SubjectName  string       `json:"subjectName"`
	ChapterName  string       `json:"chapterName"`
	StartTime    string       `json:"startTime,omitempty"`
	DisplayOrder int          `json:"displayOrder,omitempty"`
	ChapterTotal int          `json:"chapterTotal,omitempty"`
	Teachers     []TeacherRef `json:"teachers,omitempty"`
}

// Key returns the globally unique composite key for this lecture.
func (d LectureDescriptor) Key() string {
	return d.BatchID + ":" + d.LectureID
}

// UploadResult identifies an uploaded artifact.
type UploadResult struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	FileID    string `json:"fileId,omitempty"`
}

// CompletionRecord is what the idempotency stores persist for a finished
// lecture.
type CompletionRecord struct {
	BatchID     string `json:"batchId"`
	LectureID   string `json:"lectureId"`
	LectureName string `json:"lectureName,omitempty"`

	FilePath  string    `json:"filePath,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	FileID    string    `json:"fileId,omitempty"`
	DoneAt    time.Time `json:"doneAt"`
}
