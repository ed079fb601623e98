package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lecturevault/pkg/domain"
	"lecturevault/pkg/pipeline"
)

func writeTempVideo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lecture.mp4")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp video: %v", err)
	}
	return path
}

func TestSendFileVideo(t *testing.T) {
	var gotPath, gotChatID, gotCaption string
	var gotFileBytes int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotChatID = r.FormValue("chat_id")
		gotCaption = r.FormValue("caption")
		file, _, err := r.FormFile("video")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			gotFileBytes = len(data)
			file.Close()
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"chat":{"id":-100123},"video":{"file_id":"vid-1"}}}`)
	}))
	defer server.Close()

	client, err := NewClient("test-token", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var progressCalls int
	res, err := client.SendFile(context.Background(), "-100123", writeTempVideo(t, "0123456789"), "Wave Motion", true, func(sent, total int64) {
		progressCalls++
		if total != 10 {
			t.Errorf("total = %d, want 10", total)
		}
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if gotPath != "/bottest-token/sendVideo" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotChatID != "-100123" || gotCaption != "Wave Motion" {
		t.Fatalf("chat %q caption %q", gotChatID, gotCaption)
	}
	if gotFileBytes != 10 {
		t.Fatalf("file bytes = %d", gotFileBytes)
	}
	if res.MessageID != "42" || res.ChatID != "-100123" || res.FileID != "vid-1" {
		t.Fatalf("result = %+v", res)
	}
	if progressCalls == 0 {
		t.Fatal("progress never reported")
	}
}

func TestSendFileDocumentMethod(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendDocument") {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":-1},"document":{"file_id":"doc-1"}}}`)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := client.SendFile(context.Background(), "-1", writeTempVideo(t, "x"), "", false, nil)
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if res.FileID != "doc-1" {
		t.Fatalf("file id = %q", res.FileID)
	}
}

func TestSendFileFloodWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 23","parameters":{"retry_after":23}}`)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.SendFile(context.Background(), "-1", writeTempVideo(t, "x"), "", true, nil)

	var rateLimited *pipeline.RateLimitedError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rateLimited.RetryAfter != 23*time.Second {
		t.Fatalf("retry after = %v, want 23s", rateLimited.RetryAfter)
	}
}

func TestSendFileBadRequestIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.SendFile(context.Background(), "-1", writeTempVideo(t, "x"), "", true, nil)

	var permanent *pipeline.PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("err = %v, want APIError 400", err)
	}
}

func TestSendFileServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	}))
	defer server.Close()

	client, err := NewClient("tok", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.SendFile(context.Background(), "-1", writeTempVideo(t, "x"), "", true, nil)

	var permanent *pipeline.PermanentError
	if errors.As(err, &permanent) {
		t.Fatalf("5xx classified permanent: %v", err)
	}
	var rateLimited *pipeline.RateLimitedError
	if errors.As(err, &rateLimited) {
		t.Fatalf("5xx classified rate limited: %v", err)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCaption(t *testing.T) {
	d := domain.LectureDescriptor{
		BatchID:      "batch-1",
		CourseName:   "JEE 2026",
		LectureID:    "L1",
		LectureName:  "Wave Motion",
		SubjectName:  "Physics",
		ChapterName:  "Waves",
		StartTime:    "2026-01-10",
		DisplayOrder: 2,
		ChapterTotal: 8,
		Teachers:     []domain.TeacherRef{{Name: "A. Verma"}, {ID: "t-2"}},
	}
	got := Caption(d)
	want := "Wave Motion\nChapter: Waves (2/8)\nSubject: Physics\nTeacher: A. Verma\nDate: 2026-01-10\nBatch: JEE 2026"
	if got != want {
		t.Fatalf("caption = %q, want %q", got, want)
	}
}
