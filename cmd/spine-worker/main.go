package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/connector"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/inventory"
	"github.com/spinelabs/spine/internal/metrics"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/parser"
	"github.com/spinelabs/spine/internal/store"
	"github.com/spinelabs/spine/internal/tasks"
)

const inventoryCacheTTL = time.Minute

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	verbose := flag.Bool("verbose", false, "verbose logging")
	workerID := flag.String("worker-id", "", "worker identity in heartbeats (default hostname-pid)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve prometheus metrics on")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	// Load .env file if it exists.
	_ = godotenv.Load()
	log := newLogger(*verbose)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	if *metricsAddr != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				log.Error("failed to start metrics listener", "error", err)
				return
			}
			log.Info("metrics listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
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

	source, err := inventory.NewHTTPSource(&inventory.HTTPSourceConfig{
		Logger:  log,
		BaseURL: cfg.InventoryURL,
		Token:   cfg.InventoryToken,
	})
	if err != nil {
		log.Error("failed to create inventory source", "error", err)
		os.Exit(1)
	}
	inv, err := inventory.NewCachedSource(&inventory.CachedSourceConfig{
		Logger: log,
		Source: source,
		TTL:    inventoryCacheTTL,
	})
	if err != nil {
		log.Error("failed to create inventory cache", "error", err)
		os.Exit(1)
	}

	cipher, err := credstore.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Error("failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}
	creds, err := credstore.NewStore(&credstore.StoreConfig{Logger: log, Rows: st, Cipher: cipher})
	if err != nil {
		log.Error("failed to create credential store", "error", err)
		os.Exit(1)
	}

	tunables := config.NewTunables(log, cfg, st)

	blobs, err := netstate.NewBlobCache(&netstate.BlobCacheConfig{Logger: log, Rows: st, TTL: tunables})
	if err != nil {
		log.Error("failed to create blob cache", "error", err)
		os.Exit(1)
	}

	dialer, err := connector.NewSSH(&connector.SSHConfig{Logger: log})
	if err != nil {
		log.Error("failed to create SSH dialer", "error", err)
		os.Exit(1)
	}

	exec, err := executor.New(&executor.Config{
		Logger:    log,
		Inventory: inv,
		Creds:     creds,
		Dialer:    dialer,
		Parser:    parser.NewRegistry(log),
		Blobs:     blobs,
		Topo:      st,
		Tunables:  tunables,
	})
	if err != nil {
		log.Error("failed to create executor", "error", err)
		os.Exit(1)
	}

	runner, err := discovery.NewRunner(&discovery.RunnerConfig{
		Logger:        log,
		Exec:          exec,
		MaxConcurrent: cfg.WorkerConcurrency,
	})
	if err != nil {
		log.Error("failed to create discovery runner", "error", err)
		os.Exit(1)
	}

	eng, err := baseline.New(&baseline.Config{
		Logger:        log,
		Exec:          exec,
		Store:         st,
		MaxConcurrent: cfg.WorkerConcurrency,
	})
	if err != nil {
		log.Error("failed to create baseline engine", "error", err)
		os.Exit(1)
	}

	discover, err := tasks.NewDiscover(&tasks.DiscoverConfig{
		Logger:     log,
		Broker:     bk,
		Runner:     runner,
		Inventory:  inv,
		Ownerships: st,
	})
	if err != nil {
		log.Error("failed to create discovery tasks", "error", err)
		os.Exit(1)
	}
	snapshot, err := tasks.NewSnapshot(&tasks.SnapshotConfig{
		Logger:     log,
		Engine:     eng,
		Inventory:  inv,
		Ownerships: st,
	})
	if err != nil {
		log.Error("failed to create snapshot task", "error", err)
		os.Exit(1)
	}
	housekeeping, err := tasks.NewHousekeeping(&tasks.HousekeepingConfig{
		Logger:    log,
		Broker:    bk,
		Blobs:     blobs,
		Baselines: st,
	})
	if err != nil {
		log.Error("failed to create housekeeping task", "error", err)
		os.Exit(1)
	}

	reg := tasks.NewRegistry()
	for _, register := range []func(*tasks.Registry) error{
		discover.Register, snapshot.Register, housekeeping.Register,
	} {
		if err := register(reg); err != nil {
			log.Error("failed to register task", "error", err)
			os.Exit(1)
		}
	}

	worker, err := tasks.NewWorker(&tasks.WorkerConfig{
		Logger:      log,
		Broker:      bk,
		Registry:    reg,
		ID:          *workerID,
		Concurrency: cfg.WorkerConcurrency,
	})
	if err != nil {
		log.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil {
		log.Error("worker failed", "error", err)
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
