package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/connector"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/httpapi"
	"github.com/spinelabs/spine/internal/inventory"
	"github.com/spinelabs/spine/internal/metrics"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/parser"
	"github.com/spinelabs/spine/internal/store"
	"github.com/spinelabs/spine/internal/topology"
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
	listenAddr := flag.String("listen-addr", ":8080", "address to listen on")
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, &store.Config{
		Logger:        log,
		DatabaseURL:   cfg.DatabaseURL,
		AdminUsername: cfg.DefaultAdminUsername,
		AdminPassword: cfg.DefaultAdminPassword,
	})
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
	jobs, err := discovery.NewJobs(&discovery.JobsConfig{Logger: log, Broker: bk})
	if err != nil {
		log.Error("failed to create discovery jobs", "error", err)
		os.Exit(1)
	}

	topo, err := topology.New(&topology.Config{Logger: log, Store: st})
	if err != nil {
		log.Error("failed to create topology builder", "error", err)
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

	srv, err := httpapi.New(&httpapi.Config{
		Logger:      log,
		Auth:        st,
		DB:          st,
		Broker:      bk,
		Runner:      runner,
		Jobs:        jobs,
		Topology:    topo,
		Cache:       blobs,
		Schedules:   st,
		Baselines:   st,
		Diff:        eng,
		Credentials: creds,
	})
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	if err := srv.Serve(ctx, listener); err != nil {
		log.Error("server failed", "error", err)
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
