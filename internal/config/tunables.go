package config

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const tunablesCacheTTL = 30 * time.Second

// TunableSource reads a single tunable row by key. Implemented by the
// relational store; absent keys are not an error.
type TunableSource interface {
	GetTunable(ctx context.Context, key string) (string, bool, error)
}

// Tunables layers operator-editable values from the config_tunables table
// over the startup Config. Reads go through a short-TTL cache so the hot
// paths (every cache lookup resolves a TTL) do not hit the database, while
// edits still take effect within tunablesCacheTTL. The startup Config is
// never mutated.
type Tunables struct {
	log    *slog.Logger
	cfg    *Config
	source TunableSource
	cache  *ttlcache.Cache[string, string]
}

func NewTunables(log *slog.Logger, cfg *Config, source TunableSource) *Tunables {
	return &Tunables{
		log:    log,
		cfg:    cfg,
		source: source,
		cache:  ttlcache.New(ttlcache.WithTTL[string, string](tunablesCacheTTL)),
	}
}

// BlobTTL resolves the JSON-blob TTL for a command: tunable row
// "cache_ttl:<command>", then the startup per-command override, then the
// tunable row "cache_ttl_default", then the startup default.
func (t *Tunables) BlobTTL(ctx context.Context, command string) time.Duration {
	if minutes, ok := t.lookupInt(ctx, "cache_ttl:"+command); ok {
		return time.Duration(minutes) * time.Minute
	}
	if ttl, ok := t.cfg.CommandTTLOverrides[command]; ok {
		return ttl
	}
	if minutes, ok := t.lookupInt(ctx, "cache_ttl_default"); ok {
		return time.Duration(minutes) * time.Minute
	}
	return t.cfg.DefaultBlobTTL
}

// SSHTimeouts returns the startup timeouts with any per-phase tunable
// overrides applied (seconds).
func (t *Tunables) SSHTimeouts(ctx context.Context) SSHTimeouts {
	out := t.cfg.SSHTimeouts
	for _, entry := range []struct {
		key string
		dst *time.Duration
	}{
		{"ssh_timeout:connect", &out.Connect},
		{"ssh_timeout:auth", &out.Auth},
		{"ssh_timeout:banner", &out.Banner},
		{"ssh_timeout:blocking", &out.Blocking},
		{"ssh_timeout:read", &out.Read},
		{"ssh_timeout:session", &out.Session},
		{"ssh_timeout:overall", &out.Overall},
	} {
		if seconds, ok := t.lookupInt(ctx, entry.key); ok {
			*entry.dst = time.Duration(seconds) * time.Second
		}
	}
	return out
}

func (t *Tunables) lookupInt(ctx context.Context, key string) (int, bool) {
	raw, ok := t.lookup(ctx, key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		t.log.Warn("Ignoring non-numeric tunable", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}

// lookup returns the cached tunable value. Misses are cached too (as a
// marker) so absent keys do not query the database on every call.
func (t *Tunables) lookup(ctx context.Context, key string) (string, bool) {
	if item := t.cache.Get(key); item != nil {
		v := item.Value()
		if v == tunableAbsent {
			return "", false
		}
		return v, true
	}

	value, found, err := t.source.GetTunable(ctx, key)
	if err != nil {
		t.log.Warn("Failed to read tunable, using startup value", "key", key, "error", err)
		return "", false
	}
	if !found {
		t.cache.Set(key, tunableAbsent, ttlcache.DefaultTTL)
		return "", false
	}
	t.cache.Set(key, value, ttlcache.DefaultTTL)
	return value, true
}

// tunableAbsent marks a cached miss. Tunable values are operator-supplied
// scalars; the NUL prefix cannot collide with one.
const tunableAbsent = "\x00absent"
