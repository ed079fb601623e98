package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lecturevault/internal/app"
	"lecturevault/internal/config"
	"lecturevault/internal/util"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	manifestPath := flag.String("manifest", "", "course manifest to archive (local mode)")
	consume := flag.Bool("consume", false, "consume lectures from the Redis stream instead of a manifest")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	worker, err := app.New(cfg, logger)
	if err != nil {
		util.Fatal("failed to init worker", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *consume:
		if err := worker.RunConsumer(ctx); err != nil {
			util.Fatal("consumer failed", "err", err)
		}
	case *manifestPath != "":
		stats, err := worker.RunManifest(ctx, *manifestPath)
		worker.Summary(stats)
		if err != nil {
			util.Fatal("run failed", "err", err)
		}
		if stats.Failed > 0 {
			os.Exit(1)
		}
	default:
		util.Fatal("nothing to do: pass -manifest or -consume")
	}
}
