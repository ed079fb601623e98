package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"lecturevault/pkg/domain"
)

// Manifest is a pre-enumerated course listing, the file-based stand-in
// for the provider API. Lecture entries keep their raw payload shape so
// teacher identities can be normalized from whatever fields upstream
// happened to use.
type Manifest struct {
	Course   domain.Course     `json:"course"`
	Subjects []ManifestSubject `json:"subjects"`
}

type ManifestSubject struct {
	domain.Subject
	Chapters []ManifestChapter `json:"chapters"`
}

type ManifestChapter struct {
	domain.Chapter
	Lectures []json.RawMessage `json:"lectures"`
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Course.BatchID == "" {
		return nil, fmt.Errorf("manifest %s: course.batchId is required", path)
	}
	return &m, nil
}

// ManifestSource serves a loaded manifest through the Source interface.
type ManifestSource struct {
	Manifest *Manifest
}

func (s *ManifestSource) ListSubjects(_ context.Context, course domain.Course) ([]domain.Subject, error) {
	if course.BatchID != s.Manifest.Course.BatchID {
		return nil, nil
	}
	subjects := make([]domain.Subject, 0, len(s.Manifest.Subjects))
	for _, subject := range s.Manifest.Subjects {
		subjects = append(subjects, subject.Subject)
	}
	return subjects, nil
}

func (s *ManifestSource) ListChapters(_ context.Context, _ domain.Course, subject domain.Subject) ([]domain.Chapter, error) {
	for _, sub := range s.Manifest.Subjects {
		if sub.Slug != subject.Slug {
			continue
		}
		chapters := make([]domain.Chapter, 0, len(sub.Chapters))
		for _, chapter := range sub.Chapters {
			c := chapter.Chapter
			if c.VideoCount == 0 {
				c.VideoCount = len(chapter.Lectures)
			}
			chapters = append(chapters, c)
		}
		return chapters, nil
	}
	return nil, nil
}

func (s *ManifestSource) ListLectures(_ context.Context, course domain.Course, subject domain.Subject, chapter domain.Chapter) ([]domain.LectureDescriptor, error) {
	for _, sub := range s.Manifest.Subjects {
		if sub.Slug != subject.Slug {
			continue
		}
		for _, ch := range sub.Chapters {
			if ch.Name != chapter.Name {
				continue
			}
			lectures := make([]domain.LectureDescriptor, 0, len(ch.Lectures))
			for i, raw := range ch.Lectures {
				d, err := parseLecture(raw, course, sub.Subject, ch.Chapter, i+1, len(ch.Lectures))
				if err != nil {
					return nil, err
				}
				lectures = append(lectures, d)
			}
			return lectures, nil
		}
	}
	return nil, nil
}

// parseLecture maps one raw lecture payload onto a descriptor. Teacher
// identity fields vary wildly between payload generations, so they go
// through the normalization boundary instead of struct tags.
func parseLecture(raw json.RawMessage, course domain.Course, subject domain.Subject, chapter domain.Chapter, order, total int) (domain.LectureDescriptor, error) {
	var fields struct {
		ID        string `json:"_id"`
		AltID     string `json:"id"`
		Name      string `json:"name"`
		Title     string `json:"title"`
		StartTime string `json:"startTime"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.LectureDescriptor{}, fmt.Errorf("parse lecture: %w", err)
	}
	id := fields.ID
	if id == "" {
		id = fields.AltID
	}
	if id == "" {
		return domain.LectureDescriptor{}, fmt.Errorf("lecture in chapter %q has no id", chapter.Name)
	}
	name := fields.Name
	if name == "" {
		name = fields.Title
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.LectureDescriptor{}, fmt.Errorf("parse lecture payload: %w", err)
	}

	return domain.LectureDescriptor{
		BatchID:      course.BatchID,
		BatchSlug:    course.BatchSlug,
		CourseName:   course.Name,
		LectureID:    id,
		LectureName:  name,
		SubjectSlug:  subject.Slug,
		SubjectName:  subject.Name,
		ChapterName:  chapter.Name,
		StartTime:    fields.StartTime,
		DisplayOrder: order,
		ChapterTotal: total,
		Teachers:     domain.NormalizeTeachers(payload),
	}, nil
}
