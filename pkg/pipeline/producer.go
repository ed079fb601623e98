package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"lecturevault/pkg/domain"
	"lecturevault/pkg/ledger"
)

// Source lists course content from the upstream provider. Enumeration is
// re-runnable; content is stable between passes even if ordering is not.
type Source interface {
	ListSubjects(ctx context.Context, course domain.Course) ([]domain.Subject, error)
	ListChapters(ctx context.Context, course domain.Course, subject domain.Subject) ([]domain.Chapter, error)
	ListLectures(ctx context.Context, course domain.Course, subject domain.Subject, chapter domain.Chapter) ([]domain.LectureDescriptor, error)
}

// Enumerate walks course -> subjects -> chapters -> lectures, refreshes
// the catalog tables along the way, and sends each lecture descriptor to
// out. Chapters without videos are skipped. store may be nil; the caller
// owns out. The dispatcher uses this directly to feed the Redis stream.
func Enumerate(ctx context.Context, src Source, store ledger.Store, logger *slog.Logger, course domain.Course, out chan<- domain.LectureDescriptor) error {
	if logger == nil {
		logger = slog.Default()
	}
	var courseID int64
	if store != nil {
		var err error
		courseID, err = store.UpsertCourse(ctx, course)
		if err != nil {
			return fmt.Errorf("upsert course %s: %w", course.BatchID, err)
		}
	}

	subjects, err := src.ListSubjects(ctx, course)
	if err != nil {
		return fmt.Errorf("list subjects: %w", err)
	}
	for _, subject := range subjects {
		var subjectID int64
		if store != nil {
			subjectID, err = store.UpsertSubject(ctx, courseID, subject)
			if err != nil {
				return fmt.Errorf("upsert subject %s: %w", subject.Slug, err)
			}
		}

		chapters, err := src.ListChapters(ctx, course, subject)
		if err != nil {
			return fmt.Errorf("list chapters for %s: %w", subject.Slug, err)
		}
		for _, chapter := range chapters {
			if chapter.VideoCount == 0 {
				continue
			}
			if store != nil {
				if _, err := store.UpsertChapter(ctx, subjectID, chapter.Name); err != nil {
					return fmt.Errorf("upsert chapter %q: %w", chapter.Name, err)
				}
			}

			lectures, err := src.ListLectures(ctx, course, subject, chapter)
			if err != nil {
				return fmt.Errorf("list lectures for %q: %w", chapter.Name, err)
			}
			for _, d := range lectures {
				refreshLecture(ctx, store, logger, courseID, d)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- d:
				}
			}
		}
	}
	return nil
}

// Enumerate runs the package-level enumeration with this pipeline's store
// and logger.
func (p *Pipeline) Enumerate(ctx context.Context, src Source, course domain.Course, out chan<- domain.LectureDescriptor) error {
	return Enumerate(ctx, src, p.opts.Store, p.opts.Logger, course, out)
}

// refreshLecture keeps the catalog tables current; catalog write failures
// are logged and do not stop enumeration since the job ledger carries its
// own copy of the metadata.
func refreshLecture(ctx context.Context, store ledger.Store, logger *slog.Logger, courseID int64, d domain.LectureDescriptor) {
	if store == nil {
		return
	}
	log := logger.With("batch", d.BatchID, "lecture", d.LectureID)
	if _, err := store.UpsertLecture(ctx, courseID, d); err != nil {
		log.Warn("lecture upsert failed", "err", err)
	}
	for _, teacher := range d.Teachers {
		if teacher.IsZero() {
			continue
		}
		teacherID, err := store.UpsertTeacher(ctx, teacher)
		if err != nil {
			log.Warn("teacher upsert failed", "teacher", teacher.Key(), "err", err)
			continue
		}
		if err := store.LinkLectureTeacher(ctx, d.BatchID, d.LectureID, teacherID); err != nil {
			log.Warn("teacher link failed", "teacher", teacher.Key(), "err", err)
		}
	}
}

// RunCourse enumerates one course and drains it through the pipeline.
func (p *Pipeline) RunCourse(ctx context.Context, src Source, course domain.Course) (Stats, error) {
	lectures := make(chan domain.LectureDescriptor)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lectures)
		return p.Enumerate(ctx, src, course, lectures)
	})

	var stats Stats
	g.Go(func() error {
		var err error
		stats, err = p.Run(ctx, lectures)
		return err
	})

	err := g.Wait()
	return stats, err
}
