package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/scheduler"
	"github.com/spinelabs/spine/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	verbose := flag.Bool("verbose", false, "verbose logging")
	interval := flag.Duration("interval", 10*time.Second, "schedule poll interval")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	// Load .env file if it exists.
	_ = godotenv.Load()
	log := newLogger(*verbose)

	// The beat touches only the schedule table and the queue, so it skips
	// the full pipeline validation the other binaries run.
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		log.Error("missing required configuration", "variable", "DATABASE_URL")
		os.Exit(1)
	}
	if cfg.BrokerURL == "" {
		log.Error("missing required configuration", "variable", "BROKER_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, &store.Config{Logger: log, DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bk, err := broker.NewRedis(&broker.RedisConfig{
		Logger:     log,
		BrokerURL:  cfg.BrokerURL,
		BackendURL: cfg.ResultBackendURL,
	})
	if err != nil {
		log.Error("failed to connect broker", "error", err)
		os.Exit(1)
	}
	defer bk.Close()

	beat, err := scheduler.NewBeat(&scheduler.BeatConfig{
		Logger:     log,
		Store:      st,
		Dispatcher: bk,
		Interval:   *interval,
	})
	if err != nil {
		log.Error("failed to create beat", "error", err)
		os.Exit(1)
	}

	if err := beat.Run(ctx); err != nil {
		log.Error("beat failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
