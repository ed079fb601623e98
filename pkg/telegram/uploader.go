package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lecturevault/pkg/domain"
)

// Pacer gates sends to one chat so bursts of finished downloads do not
// trip the flood limiter server-side.
type Pacer interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Uploader adapts the Bot API client to the pipeline's upload stage.
type Uploader struct {
	Client  *Client
	ChatID  string
	AsVideo bool
	Pacer   Pacer
}

func (u *Uploader) Upload(ctx context.Context, d domain.LectureDescriptor, filePath string, progress func(sent, total int64)) (*domain.UploadResult, error) {
	if u.Pacer != nil {
		if err := u.pace(ctx); err != nil {
			return nil, err
		}
	}
	return u.Client.SendFile(ctx, u.ChatID, filePath, Caption(d), u.AsVideo, progress)
}

func (u *Uploader) pace(ctx context.Context) error {
	for {
		ok, err := u.Pacer.Allow(ctx, u.ChatID)
		if err != nil {
			// Pacing is advisory; a broken limiter must not stop uploads.
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Caption renders the message text attached to an uploaded lecture.
func Caption(d domain.LectureDescriptor) string {
	var b strings.Builder
	b.WriteString(d.LectureName)
	if d.ChapterName != "" {
		b.WriteString("\nChapter: " + d.ChapterName)
		if d.DisplayOrder > 0 && d.ChapterTotal > 0 {
			fmt.Fprintf(&b, " (%d/%d)", d.DisplayOrder, d.ChapterTotal)
		}
	}
	if d.SubjectName != "" {
		b.WriteString("\nSubject: " + d.SubjectName)
	}
	if names := teacherNames(d.Teachers); names != "" {
		b.WriteString("\nTeacher: " + names)
	}
	if d.StartTime != "" {
		b.WriteString("\nDate: " + d.StartTime)
	}
	if d.CourseName != "" {
		b.WriteString("\nBatch: " + d.CourseName)
	}
	return b.String()
}

func teacherNames(refs []domain.TeacherRef) string {
	var names []string
	for _, ref := range refs {
		if ref.Name != "" {
			names = append(names, ref.Name)
		}
	}
	return strings.Join(names, ", ")
}
