package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWorkerConcurrency = 4
	defaultBlobTTL           = 30 * time.Minute

	defaultConnectTimeout  = 10 * time.Second
	defaultAuthTimeout     = 15 * time.Second
	defaultBannerTimeout   = 15 * time.Second
	defaultBlockingTimeout = 20 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultSessionTimeout  = 60 * time.Second
	defaultOverallTimeout  = 100 * time.Second
)

// SSHTimeouts bounds every phase of a device command. Each phase is
// independently tunable; Overall caps the whole invocation.
type SSHTimeouts struct {
	Connect  time.Duration
	Auth     time.Duration
	Banner   time.Duration
	Blocking time.Duration
	Read     time.Duration
	Session  time.Duration
	Overall  time.Duration
}

// Config is the process-wide startup configuration. It is loaded once in main
// and never mutated afterwards; runtime-tunable values (blob TTLs, SSH
// timeouts) are layered on top through Tunables.
type Config struct {
	DatabaseURL      string
	BrokerURL        string
	ResultBackendURL string

	WorkerConcurrency int

	DefaultBlobTTL      time.Duration
	CommandTTLOverrides map[string]time.Duration

	SSHTimeouts SSHTimeouts

	// EncryptionKey is the process-wide symmetric key for credentials at
	// rest, hex-encoded in the environment, 32 bytes decoded.
	EncryptionKey []byte

	DefaultAdminUsername string
	DefaultAdminPassword string

	InventoryURL   string
	InventoryToken string
}

// LoadFromEnv builds a Config from the environment. Missing optional values
// get defaults; required values missing is an error from Validate, not here,
// so callers can overlay flags first.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		BrokerURL:            os.Getenv("BROKER_URL"),
		ResultBackendURL:     os.Getenv("RESULT_BACKEND_URL"),
		DefaultAdminUsername: os.Getenv("DEFAULT_ADMIN_USERNAME"),
		DefaultAdminPassword: os.Getenv("DEFAULT_ADMIN_PASSWORD"),
		InventoryURL:         os.Getenv("INVENTORY_URL"),
		InventoryToken:       os.Getenv("INVENTORY_TOKEN"),
	}

	// The result backend defaults to the broker: one Redis serves both.
	if cfg.ResultBackendURL == "" {
		cfg.ResultBackendURL = cfg.BrokerURL
	}

	var err error
	if cfg.WorkerConcurrency, err = intFromEnv("WORKER_CONCURRENCY", defaultWorkerConcurrency); err != nil {
		return nil, err
	}

	ttlMinutes, err := intFromEnv("CACHE_DEFAULT_TTL_MINUTES", int(defaultBlobTTL/time.Minute))
	if err != nil {
		return nil, err
	}
	cfg.DefaultBlobTTL = time.Duration(ttlMinutes) * time.Minute

	if cfg.CommandTTLOverrides, err = ttlOverridesFromEnv("CACHE_TTL_OVERRIDES"); err != nil {
		return nil, err
	}

	if cfg.SSHTimeouts, err = sshTimeoutsFromEnv(); err != nil {
		return nil, err
	}

	if raw := os.Getenv("CREDENTIAL_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		cfg.EncryptionKey = key
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required (DATABASE_URL)")
	}
	if c.BrokerURL == "" {
		return errors.New("broker URL is required (BROKER_URL)")
	}
	if c.ResultBackendURL == "" {
		c.ResultBackendURL = c.BrokerURL
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = defaultWorkerConcurrency
	}
	if c.DefaultBlobTTL <= 0 {
		c.DefaultBlobTTL = defaultBlobTTL
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("credential encryption key must be 32 bytes, got %d (CREDENTIAL_ENCRYPTION_KEY)", len(c.EncryptionKey))
	}
	if c.InventoryURL == "" {
		return errors.New("inventory URL is required (INVENTORY_URL)")
	}
	if err := c.SSHTimeouts.Validate(); err != nil {
		return err
	}
	return nil
}

func (t *SSHTimeouts) Validate() error {
	fill := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	fill(&t.Connect, defaultConnectTimeout)
	fill(&t.Auth, defaultAuthTimeout)
	fill(&t.Banner, defaultBannerTimeout)
	fill(&t.Blocking, defaultBlockingTimeout)
	fill(&t.Read, defaultReadTimeout)
	fill(&t.Session, defaultSessionTimeout)
	fill(&t.Overall, defaultOverallTimeout)
	if t.Overall < t.Session {
		return fmt.Errorf("overall SSH timeout %s must not be below the session timeout %s", t.Overall, t.Session)
	}
	return nil
}

func sshTimeoutsFromEnv() (SSHTimeouts, error) {
	var t SSHTimeouts
	for _, entry := range []struct {
		env string
		dst *time.Duration
		def time.Duration
	}{
		{"SSH_CONNECT_TIMEOUT_SECONDS", &t.Connect, defaultConnectTimeout},
		{"SSH_AUTH_TIMEOUT_SECONDS", &t.Auth, defaultAuthTimeout},
		{"SSH_BANNER_TIMEOUT_SECONDS", &t.Banner, defaultBannerTimeout},
		{"SSH_BLOCKING_TIMEOUT_SECONDS", &t.Blocking, defaultBlockingTimeout},
		{"SSH_READ_TIMEOUT_SECONDS", &t.Read, defaultReadTimeout},
		{"SSH_SESSION_TIMEOUT_SECONDS", &t.Session, defaultSessionTimeout},
		{"SSH_OVERALL_TIMEOUT_SECONDS", &t.Overall, defaultOverallTimeout},
	} {
		seconds, err := intFromEnv(entry.env, int(entry.def/time.Second))
		if err != nil {
			return SSHTimeouts{}, err
		}
		*entry.dst = time.Duration(seconds) * time.Second
	}
	return t, nil
}

func intFromEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

// ttlOverridesFromEnv parses "show ip arp=10,show interfaces=60" into
// per-command TTLs (minutes).
func ttlOverridesFromEnv(name string) (map[string]time.Duration, error) {
	raw := os.Getenv(name)
	overrides := make(map[string]time.Duration)
	if raw == "" {
		return overrides, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid entry in %s: %q (expected command=minutes)", name, pair)
		}
		minutes, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("invalid TTL minutes in %s for %q", name, parts[0])
		}
		overrides[strings.TrimSpace(parts[0])] = time.Duration(minutes) * time.Minute
	}
	return overrides, nil
}
