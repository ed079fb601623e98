// The dispatcher enumerates a course once and fans the lecture
// descriptors out to worker hosts over the Redis stream. Workers still
// take the ledger lease per lecture, so double-dispatch is harmless.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"lecturevault/internal/config"
	"lecturevault/internal/util"
	"lecturevault/pkg/domain"
	"lecturevault/pkg/ledger"
	"lecturevault/pkg/pipeline"
	"lecturevault/pkg/queue"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	manifestPath := flag.String("manifest", "", "course manifest to dispatch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	if *manifestPath == "" {
		util.Fatal("pass -manifest with the course to dispatch")
	}
	if cfg.RedisAddr == "" || cfg.QueueStream == "" {
		util.Fatal("dispatcher requires redisAddr and queueStream")
	}

	manifest, err := pipeline.LoadManifest(*manifestPath)
	if err != nil {
		util.Fatal("failed to load manifest", "err", err)
	}

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := ledger.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init ledger", "err", err)
		}
		store = gormStore
	}

	lectureQueue, err := queue.NewLectureQueue(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		util.Fatal("failed to init queue", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lectures := make(chan domain.LectureDescriptor)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lectures)
		src := &pipeline.ManifestSource{Manifest: manifest}
		return pipeline.Enumerate(ctx, src, store, logger, manifest.Course, lectures)
	})

	var dispatched int
	g.Go(func() error {
		for d := range lectures {
			if _, err := lectureQueue.Enqueue(ctx, d); err != nil {
				return fmt.Errorf("enqueue %s: %w", d.Key(), err)
			}
			dispatched++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Fatal("dispatch failed", "err", err)
	}
	logger.Info("dispatch complete", "batch", manifest.Course.BatchID, "lectures", dispatched)
}
