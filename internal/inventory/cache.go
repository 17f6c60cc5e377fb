package inventory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultDeviceCacheTTL = 5 * time.Minute

	listCacheKey = "devices"
)

type CachedSourceConfig struct {
	Logger *slog.Logger
	Source Source
	TTL    time.Duration
}

func (c *CachedSourceConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.TTL == 0 {
		c.TTL = defaultDeviceCacheTTL
	}
	return nil
}

// CachedSource wraps another Source with a read-through TTL cache. Negative
// lookups are not cached so a device added to the inventory is visible on
// the next request.
type CachedSource struct {
	cfg *CachedSourceConfig
	log *slog.Logger

	cache   *ttlcache.Cache[string, any]
	cacheMu sync.RWMutex
}

func NewCachedSource(cfg *CachedSourceConfig) (*CachedSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, any](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, any](),
	)
	return &CachedSource{cfg: cfg, log: cfg.Logger, cache: cache}, nil
}

func (s *CachedSource) GetDevice(ctx context.Context, id string) (*Device, error) {
	if dev := s.getCached(deviceCacheKey(id)); dev != nil {
		return dev.(*Device), nil
	}

	dev, err := s.cfg.Source.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCached(deviceCacheKey(id), dev)
	return dev, nil
}

func (s *CachedSource) ListDevices(ctx context.Context) ([]Device, error) {
	if devices := s.getCached(listCacheKey); devices != nil {
		return devices.([]Device), nil
	}

	devices, err := s.cfg.Source.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	s.setCached(listCacheKey, devices)
	for i := range devices {
		s.setCached(deviceCacheKey(devices[i].ID), &devices[i])
	}
	return devices, nil
}

func (s *CachedSource) getCached(key string) any {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	cached := s.cache.Get(key)
	if cached == nil {
		return nil
	}
	return cached.Value()
}

func (s *CachedSource) setCached(key string, value any) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.Set(key, value, s.cfg.TTL)
}

func deviceCacheKey(id string) string {
	return "device:" + id
}
