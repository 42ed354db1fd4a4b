package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Kiroku/common/version"
	"github.com/bdobrica/Kiroku/internal/kiroku/app"
	"github.com/bdobrica/Kiroku/internal/kiroku/config"
	"github.com/bdobrica/Kiroku/internal/kiroku/observability"
)

func main() {
	fmt.Printf("Kiroku\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("configuration loaded", cfg.LogFields()...)

	kiroku, err := app.New(cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kiroku: %v\n", err)
		os.Exit(1)
	}
	defer kiroku.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kiroku.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kiroku: %v\n", err)
		os.Exit(1)
	}
}
