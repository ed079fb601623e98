package domain

import "strings"

// TeacherRef is the normalized identity of a lecture's teacher. Upstream
// payloads expose teachers under a dozen different field names and nesting
// shapes; NormalizeTeacher is the single place that untangles them.
type TeacherRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Key returns the deduplication key, preferring the stable upstream ID
// over the display name.
func (t TeacherRef) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Name
}

// IsZero reports whether the payload yielded neither an ID nor a name.
func (t TeacherRef) IsZero() bool {
	return t.ID == "" && t.Name == ""
}

var (
	teacherIDFields   = []string{"teacherId", "teacher_id", "_id", "id", "facultyId", "faculty_id"}
	teacherNameFields = []string{"name", "teacherName", "teacher_name", "fullName", "full_name", "facultyName", "displayName"}
	teacherNestKeys   = []string{"teacher", "instructor", "faculty", "profile", "user", "videoDetails"}
)

// NormalizeTeacher extracts a TeacherRef from a raw upstream payload.
// It tries flat ID/name fields first, then first/last name pairs, then
// recurses one level into known nested objects. Unrecognized shapes yield
// a zero TeacherRef rather than an error.
func NormalizeTeacher(raw map[string]any) TeacherRef {
	return normalizeTeacher(raw, 2)
}

// NormalizeTeachers handles list-shaped payloads ("teachers", "faculties",
// "teacherIds") and deduplicates by key.
func NormalizeTeachers(raw map[string]any) []TeacherRef {
	if raw == nil {
		return nil
	}
	var out []TeacherRef
	seen := map[string]bool{}
	add := func(ref TeacherRef) {
		if ref.IsZero() || seen[ref.Key()] {
			return
		}
		seen[ref.Key()] = true
		out = append(out, ref)
	}
	for _, listKey := range []string{"teachers", "faculties", "instructors", "teacherIds"} {
		items, ok := raw[listKey].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			switch v := item.(type) {
			case map[string]any:
				add(normalizeTeacher(v, 2))
			case string:
				add(TeacherRef{ID: strings.TrimSpace(v)})
			}
		}
	}
	// Single nested teacher objects; the outer payload's own id/name fields
	// belong to the lecture, not a teacher, so flat fields are not consulted
	// at this level.
	for _, key := range teacherNestKeys {
		if nested, ok := raw[key].(map[string]any); ok {
			add(normalizeTeacher(nested, 1))
		}
	}
	return out
}

func normalizeTeacher(raw map[string]any, depth int) TeacherRef {
	if raw == nil || depth < 0 {
		return TeacherRef{}
	}
	ref := TeacherRef{}
	for _, field := range teacherIDFields {
		if v := stringField(raw, field); v != "" {
			ref.ID = v
			break
		}
	}
	for _, field := range teacherNameFields {
		if v := stringField(raw, field); v != "" {
			ref.Name = v
			break
		}
	}
	if ref.Name == "" {
		first := stringField(raw, "firstName")
		last := stringField(raw, "lastName")
		ref.Name = strings.TrimSpace(first + " " + last)
	}
	if !ref.IsZero() {
		return ref
	}
	for _, key := range teacherNestKeys {
		nested, ok := raw[key].(map[string]any)
		if !ok {
			continue
		}
		if found := normalizeTeacher(nested, depth-1); !found.IsZero() {
			return found
		}
	}
	return TeacherRef{}
}

func stringField(raw map[string]any, field string) string {
	v, ok := raw[field]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
