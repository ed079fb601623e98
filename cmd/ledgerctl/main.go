// ledgerctl inspects the shared ledger: batches, per-batch job status,
// single-lecture detail and failed-run summaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"lecturevault/internal/config"
	"lecturevault/pkg/ledger"
	"lecturevault/pkg/storage"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	batchID := flag.String("batch", "", "batch id filter")
	lectureID := flag.String("lecture", "", "lecture id (for info)")
	limit := flag.Int("limit", 50, "max rows")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fatalf("ledgerctl requires databaseURL")
	}
	store, err := ledger.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		fatalf("failed to open ledger: %v", err)
	}

	command := flag.Arg(0)
	switch command {
	case "batches":
		err = printBatches(store)
	case "jobs":
		if *batchID == "" {
			fatalf("jobs requires -batch")
		}
		err = printJobs(store, *batchID, *limit)
	case "info":
		if *batchID == "" || *lectureID == "" {
			fatalf("info requires -batch and -lecture")
		}
		err = printInfo(store, backupArchiver(cfg), *batchID, *lectureID)
	case "failed":
		err = printFailed(store, *batchID, *limit)
	default:
		fatalf("usage: ledgerctl [flags] batches|jobs|info|failed")
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ledgerctl: "+format+"\n", args...)
	os.Exit(1)
}

type batchRow struct {
	BatchID string
	Name    string
	Total   int64
	Done    int64
	Failed  int64
}

func printBatches(store *ledger.GormStore) error {
	var rows []batchRow
	err := store.DB().Raw(`
		SELECT j.batch_id AS batch_id,
		       MAX(j.course_name) AS name,
		       COUNT(*) AS total,
		       SUM(CASE WHEN j.status = 'done' THEN 1 ELSE 0 END) AS done,
		       SUM(CASE WHEN j.status = 'failed' THEN 1 ELSE 0 END) AS failed
		FROM lecture_jobs j
		GROUP BY j.batch_id
		ORDER BY j.batch_id`).Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("query batches: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tNAME\tTOTAL\tDONE\tFAILED")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", row.BatchID, row.Name, row.Total, row.Done, row.Failed)
	}
	return w.Flush()
}

func printJobs(store *ledger.GormStore, batchID string, limit int) error {
	var jobs []ledger.LectureJobModel
	err := store.DB().
		Where("batch_id = ?", batchID).
		Order("subject_slug, chapter_name, lecture_name").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LECTURE\tSUBJECT\tCHAPTER\tNAME\tSTATUS\tSERVER\tMSG")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.LectureID, job.SubjectSlug, job.ChapterName, job.LectureName,
			job.Status, job.ServerID, job.RemoteMessageID)
	}
	return w.Flush()
}

// backupArchiver returns the archival backend when one is configured,
// so info can emit presigned links for backup rows.
func backupArchiver(cfg config.FileConfig) *storage.Archiver {
	if cfg.MinioEndpoint == "" {
		return nil
	}
	store, err := storage.NewMinioStore(
		cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: backup store unavailable: %v\n", err)
		return nil
	}
	return &storage.Archiver{Store: store, Bucket: cfg.MinioBucket, Prefix: cfg.MinioPrefix}
}

func printInfo(store *ledger.GormStore, archiver *storage.Archiver, batchID, lectureID string) error {
	var job ledger.LectureJobModel
	if err := store.DB().Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).First(&job).Error; err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	fmt.Printf("batch:        %s\n", job.BatchID)
	fmt.Printf("lecture:      %s\n", job.LectureID)
	fmt.Printf("name:         %s\n", job.LectureName)
	fmt.Printf("subject:      %s (%s)\n", job.SubjectName, job.SubjectSlug)
	fmt.Printf("chapter:      %s\n", job.ChapterName)
	fmt.Printf("teachers:     %s\n", job.TeacherNames)
	fmt.Printf("status:       %s\n", job.Status)
	fmt.Printf("server:       %s\n", job.ServerID)
	fmt.Printf("file:         %s (%d bytes)\n", job.FilePath, job.FileSize)
	fmt.Printf("progress:     %.1f%% (%d/%d)\n", job.UploadPercent, job.UploadBytes, job.UploadTotal)
	fmt.Printf("remote:       chat=%s message=%s file=%s\n", job.RemoteChatID, job.RemoteMessageID, job.RemoteFileID)
	fmt.Printf("error:        %s\n", job.ErrorText)
	fmt.Printf("updated:      %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))

	var backups []ledger.LectureBackupModel
	if err := store.DB().Where("batch_id = ? AND lecture_id = ?", batchID, lectureID).Find(&backups).Error; err == nil {
		for _, backup := range backups {
			fmt.Printf("backup[%s]:   %s (%s)\n", backup.Kind, backup.Identifier, backup.Status)
			if archiver != nil && backup.Kind == "object_store" {
				link, err := archiver.Link(context.Background(), backup.BatchID, backup.Identifier, time.Hour)
				if err != nil {
					fmt.Printf("  link:       unavailable (%v)\n", err)
					continue
				}
				fmt.Printf("  link:       %s\n", link)
			}
		}
	}
	return nil
}

func printFailed(store *ledger.GormStore, batchID string, limit int) error {
	failed, err := store.ListFailed(context.Background(), batchID, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tLECTURE\tNAME\tSERVER\tERROR")
	for _, job := range failed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			job.BatchID, job.LectureID, job.LectureName, job.ServerID, job.ErrorText)
	}
	return w.Flush()
}
