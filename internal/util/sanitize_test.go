package util

import (
	"strings"
	"testing"
)

func TestSafeFileNameJoinsAndStrips(t *testing.T) {
	got := SafeFileName("physics", "Ch 3: Laws of Motion", "L05 — Friction")
	want := "physics_Ch_3_Laws_of_Motion_L05_Friction"
	if got != want {
		t.Fatalf("SafeFileName = %q, want %q", got, want)
	}
}

func TestSafeFileNameSkipsEmptyParts(t *testing.T) {
	got := SafeFileName("", "maths", "  ", "limits")
	if got != "maths_limits" {
		t.Fatalf("SafeFileName = %q, want maths_limits", got)
	}
}

func TestSafeFileNameDeterministic(t *testing.T) {
	a := SafeFileName("chem", "mole concept", "L1")
	b := SafeFileName("chem", "mole concept", "L1")
	if a != b {
		t.Fatalf("not deterministic: %q vs %q", a, b)
	}
}

func TestSafeFileNameTruncatesAndNeverEmpty(t *testing.T) {
	long := SafeFileName(strings.Repeat("x", 500))
	if len(long) != maxSafeNameLen {
		t.Fatalf("len = %d, want %d", len(long), maxSafeNameLen)
	}
	if got := SafeFileName("???", "///"); got != "lecture" {
		t.Fatalf("SafeFileName = %q, want fallback", got)
	}
}
