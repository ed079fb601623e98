package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lecturevault/internal/util"
	"lecturevault/pkg/domain"
)

// ExecDownloader shells out to the external fetch/decrypt tool. The
// argument template expands {lecture_id}, {batch_id}, {name} and {dest}
// per lecture; the tool must leave the finished file at {dest}.
type ExecDownloader struct {
	Command string
	Args    []string
	Logger  *slog.Logger
}

func (e *ExecDownloader) Download(ctx context.Context, d domain.LectureDescriptor, destDir string) (string, int64, error) {
	if e.Command == "" {
		return "", 0, Permanent(fmt.Errorf("no download command configured"))
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}

	name := util.SafeFileName(d.SubjectSlug, d.ChapterName, d.LectureName) + ".mp4"
	dest := filepath.Join(destDir, name)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		log.Info("file already downloaded", "lecture", d.LectureID, "path", dest)
		return dest, info.Size(), nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create download dir: %w", err)
	}

	args := make([]string, 0, len(e.Args))
	replacer := strings.NewReplacer(
		"{lecture_id}", d.LectureID,
		"{batch_id}", d.BatchID,
		"{name}", name,
		"{dest}", dest,
	)
	for _, arg := range e.Args {
		args = append(args, replacer.Replace(arg))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Stderr = &stderr
	log.Debug("running downloader", "lecture", d.LectureID, "cmd", e.Command)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("download command: %w (%s)", err, stderrTail(stderr.String()))
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, fmt.Errorf("download produced no file at %s: %w", dest, err)
	}
	if info.Size() == 0 {
		return "", 0, fmt.Errorf("download produced empty file at %s", dest)
	}
	return dest, info.Size(), nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no stderr"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
