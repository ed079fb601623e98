package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lecturevault/pkg/domain"
)

// FileCache is the JSON file fallback for runs without a reachable
// database. It only answers the idempotency question; there is no lease,
// so it must not be shared between hosts.
type FileCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]fileCacheEntry
}

type fileCacheEntry struct {
	BatchID     string    `json:"batch_id"`
	LectureID   string    `json:"lecture_id"`
	LectureName string    `json:"lecture_name,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	ChatID      string    `json:"chat_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	FileID      string    `json:"file_id,omitempty"`
	DoneAt      time.Time `json:"done_at"`
}

var _ IdempotencyStore = (*FileCache)(nil)

// OpenFileCache loads the cache file, creating parent directories as
// needed. A missing file is an empty cache; a corrupt file is an error so
// completions are never silently forgotten.
func OpenFileCache(path string) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	cache := &FileCache{path: path, entries: make(map[string]fileCacheEntry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cache, nil
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if len(data) == 0 {
		return cache, nil
	}
	if err := json.Unmarshal(data, &cache.entries); err != nil {
		return nil, fmt.Errorf("parse cache %s: %w", path, err)
	}
	return cache, nil
}

func (c *FileCache) IsUploadDone(_ context.Context, batchID, lectureID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[cacheKey(batchID, lectureID)]
	return ok, nil
}

// MarkDone records the completion and flushes the whole cache to disk
// before returning, so a crash after upload cannot lose the fact.
func (c *FileCache) MarkDone(_ context.Context, rec domain.CompletionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(rec.BatchID, rec.LectureID)] = fileCacheEntry{
		BatchID:     rec.BatchID,
		LectureID:   rec.LectureID,
		LectureName: rec.LectureName,
		FilePath:    rec.FilePath,
		FileSize:    rec.FileSize,
		ChatID:      rec.ChatID,
		MessageID:   rec.MessageID,
		FileID:      rec.FileID,
		DoneAt:      time.Now().UTC(),
	}
	return c.flushLocked()
}

// Len reports how many completions the cache holds.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// flushLocked writes to a temp file in the same directory and renames it
// over the cache so readers never observe a torn file.
func (c *FileCache) flushLocked() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*.json")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

func cacheKey(batchID, lectureID string) string {
	return batchID + ":" + lectureID
}
