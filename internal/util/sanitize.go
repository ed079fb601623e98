package util

import (
	"strings"
	"unicode"
)

const maxSafeNameLen = 200

// SafeFileName derives a deterministic filesystem-safe name from lecture
// metadata. Joins the given parts with underscores, strips anything outside
// [A-Za-z0-9._-], collapses runs of underscores, and truncates so the full
// path stays within filesystem limits. Workers on different hosts derive
// the same name for the same lecture, which is what makes recorded file
// paths reusable across runs.
func SafeFileName(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			kept = append(kept, part)
		}
	}
	raw := strings.Join(kept, "_")
	var b strings.Builder
	lastUnderscore := false
	for _, r := range raw {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "lecture"
	}
	if len(name) > maxSafeNameLen {
		name = name[:maxSafeNameLen]
	}
	return name
}
