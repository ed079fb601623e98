package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"lecturevault/pkg/domain"
)

const manifestJSON = `{
  "course": {"batchId": "batch-1", "batchSlug": "jee-2026", "name": "JEE 2026"},
  "subjects": [
    {
      "slug": "physics",
      "name": "Physics",
      "chapters": [
        {
          "name": "Waves",
          "lectures": [
            {
              "_id": "L1",
              "name": "Wave Motion",
              "startTime": "2026-01-10T09:00:00Z",
              "teachers": [{"teacherId": "t-1", "name": "A. Verma"}]
            },
            {
              "id": "L2",
              "title": "Doppler Effect",
              "videoDetails": {"faculty": {"facultyId": "t-2", "facultyName": "R. Shah"}}
            }
          ]
        }
      ]
    }
  ]
}`

func loadTestManifest(t *testing.T) *Manifest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return m
}

func TestManifestSourceListsLectures(t *testing.T) {
	m := loadTestManifest(t)
	src := &ManifestSource{Manifest: m}
	ctx := context.Background()

	subjects, err := src.ListSubjects(ctx, m.Course)
	if err != nil || len(subjects) != 1 {
		t.Fatalf("subjects = %+v, %v", subjects, err)
	}
	chapters, err := src.ListChapters(ctx, m.Course, subjects[0])
	if err != nil || len(chapters) != 1 {
		t.Fatalf("chapters = %+v, %v", chapters, err)
	}
	if chapters[0].VideoCount != 2 {
		t.Fatalf("video count = %d, want 2", chapters[0].VideoCount)
	}

	lectures, err := src.ListLectures(ctx, m.Course, subjects[0], chapters[0])
	if err != nil {
		t.Fatalf("lectures: %v", err)
	}
	if len(lectures) != 2 {
		t.Fatalf("lectures = %d, want 2", len(lectures))
	}

	l1 := lectures[0]
	if l1.LectureID != "L1" || l1.LectureName != "Wave Motion" {
		t.Fatalf("l1 = %+v", l1)
	}
	if l1.BatchID != "batch-1" || l1.SubjectSlug != "physics" || l1.ChapterName != "Waves" {
		t.Fatalf("l1 context = %+v", l1)
	}
	if l1.DisplayOrder != 1 || l1.ChapterTotal != 2 {
		t.Fatalf("l1 ordering = %d/%d", l1.DisplayOrder, l1.ChapterTotal)
	}
	if len(l1.Teachers) != 1 || l1.Teachers[0].ID != "t-1" {
		t.Fatalf("l1 teachers = %+v", l1.Teachers)
	}

	// Alternate payload generation: id/title and a nested faculty object.
	l2 := lectures[1]
	if l2.LectureID != "L2" || l2.LectureName != "Doppler Effect" {
		t.Fatalf("l2 = %+v", l2)
	}
	if len(l2.Teachers) != 1 || l2.Teachers[0] != (domain.TeacherRef{ID: "t-2", Name: "R. Shah"}) {
		t.Fatalf("l2 teachers = %+v", l2.Teachers)
	}
}

func TestLoadManifestRequiresBatchID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(`{"course": {"name": "nameless"}}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for manifest without batch id")
	}
}
