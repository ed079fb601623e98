package domain

import "testing"

func TestNormalizeTeacherFlatFields(t *testing.T) {
	ref := NormalizeTeacher(map[string]any{
		"teacherId": "t-101",
		"name":      "A. Sharma",
	})
	if ref.ID != "t-101" {
		t.Fatalf("id = %q, want t-101", ref.ID)
	}
	if ref.Name != "A. Sharma" {
		t.Fatalf("name = %q, want A. Sharma", ref.Name)
	}
	if ref.Key() != "t-101" {
		t.Fatalf("key = %q, want id preferred", ref.Key())
	}
}

func TestNormalizeTeacherUnderscoreIDAndSplitName(t *testing.T) {
	ref := NormalizeTeacher(map[string]any{
		"_id":       "64fa3",
		"firstName": "Rahul",
		"lastName":  "Verma",
	})
	if ref.ID != "64fa3" {
		t.Fatalf("id = %q, want 64fa3", ref.ID)
	}
	if ref.Name != "Rahul Verma" {
		t.Fatalf("name = %q, want joined first/last", ref.Name)
	}
}

func TestNormalizeTeacherNestedProfile(t *testing.T) {
	ref := NormalizeTeacher(map[string]any{
		"instructor": map[string]any{
			"profile": map[string]any{
				"facultyName": "Dr. Singh",
			},
		},
	})
	if ref.Name != "Dr. Singh" {
		t.Fatalf("name = %q, want Dr. Singh", ref.Name)
	}
	if ref.ID != "" {
		t.Fatalf("id = %q, want empty", ref.ID)
	}
}

func TestNormalizeTeacherNameOnlyKey(t *testing.T) {
	ref := NormalizeTeacher(map[string]any{"teacherName": "MS Sir"})
	if ref.Key() != "MS Sir" {
		t.Fatalf("key = %q, want name fallback", ref.Key())
	}
}

func TestNormalizeTeacherUnrecognizedShape(t *testing.T) {
	ref := NormalizeTeacher(map[string]any{"duration": 3600, "tags": []any{"physics"}})
	if !ref.IsZero() {
		t.Fatalf("expected zero ref, got %+v", ref)
	}
}

func TestNormalizeTeachersDeduplicatesAcrossShapes(t *testing.T) {
	refs := NormalizeTeachers(map[string]any{
		"teachers": []any{
			map[string]any{"_id": "t-1", "name": "A"},
			map[string]any{"teacher_id": "t-1", "fullName": "A (dup)"},
			map[string]any{"name": "B"},
		},
		"teacherIds": []any{"t-2"},
		"instructor": map[string]any{"id": "t-2", "name": "C"},
	})
	if len(refs) != 3 {
		t.Fatalf("got %d refs, want 3: %+v", len(refs), refs)
	}
	keys := map[string]bool{}
	for _, ref := range refs {
		keys[ref.Key()] = true
	}
	for _, want := range []string{"t-1", "B", "t-2"} {
		if !keys[want] {
			t.Fatalf("missing key %q in %+v", want, refs)
		}
	}
}

func TestNormalizeTeachersIgnoresLectureOwnFields(t *testing.T) {
	refs := NormalizeTeachers(map[string]any{
		"_id":  "lecture-9",
		"name": "Thermodynamics L5",
	})
	if len(refs) != 0 {
		t.Fatalf("lecture-level fields must not become teachers: %+v", refs)
	}
}
