package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"lecturevault/internal/util"
	"lecturevault/pkg/domain"
)

// Archiver copies uploaded lecture files into the object store under a
// deterministic-prefix, uuid-suffixed identifier. Identifiers get a random
// suffix because archival item names must stay unique even when the same
// lecture is re-archived after a force reupload.
type Archiver struct {
	Store  ObjectStore
	Bucket string
	Prefix string
}

// Archive puts the local file and returns the identifier plus metadata
// for the backup ledger row.
func (a *Archiver) Archive(ctx context.Context, d domain.LectureDescriptor, filePath string) (string, map[string]any, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("open backup file: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", nil, fmt.Errorf("stat backup file: %w", err)
	}

	identifier := a.identifier(d)
	key := a.objectKey(d.BatchID, identifier)
	if err := a.Store.Put(ctx, key, file, info.Size(), "video/mp4"); err != nil {
		return identifier, nil, fmt.Errorf("archive %s: %w", d.LectureID, err)
	}

	metadata := map[string]any{
		"bucket":       a.Bucket,
		"key":          key,
		"size":         info.Size(),
		"content_type": "video/mp4",
	}
	return identifier, metadata, nil
}

// Link presigns a time-limited download URL for an archived item.
func (a *Archiver) Link(ctx context.Context, batchID, identifier string, expiry time.Duration) (string, error) {
	return a.Store.PresignGet(ctx, a.objectKey(batchID, identifier), expiry)
}

func (a *Archiver) objectKey(batchID, identifier string) string {
	return path.Join(a.Prefix, batchID, identifier+".mp4")
}

func (a *Archiver) identifier(d domain.LectureDescriptor) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	base := util.SafeFileName(d.BatchSlug, d.SubjectSlug, d.LectureName)
	return base + "-" + suffix
}
