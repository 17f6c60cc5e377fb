package netstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrBlobNotFound is returned by BlobRows implementations when no row
// matches (device, command).
var ErrBlobNotFound = errors.New("blob not found")

// Blob is one cached command result: the serialized parsed records under
// a (device, command) key. At most one row exists per key.
type Blob struct {
	DeviceID  string
	Command   string
	UpdatedAt time.Time
	Payload   []byte
}

// BlobMeta is a Blob without its payload, for statistics scans.
type BlobMeta struct {
	DeviceID  string
	Command   string
	UpdatedAt time.Time
}

// BlobRows is the persistence surface of the blob cache. The postgres
// implementation lives in the store package.
type BlobRows interface {
	GetBlob(ctx context.Context, deviceID, command string) (*Blob, error)
	UpsertBlob(ctx context.Context, blob *Blob) error
	// DeleteBlobs removes one blob, or every blob for the device when
	// command is empty. Returns the number of rows removed.
	DeleteBlobs(ctx context.Context, deviceID, command string) (int64, error)
	// DeleteBlobsBefore removes blobs last updated before cutoff.
	DeleteBlobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListBlobs(ctx context.Context, deviceID string) ([]Blob, error)
	ListBlobMetas(ctx context.Context) ([]BlobMeta, error)
}

// TTLResolver resolves the time-to-live for a command's cached blob. The
// config package implements this over the tunables table.
type TTLResolver interface {
	BlobTTL(ctx context.Context, command string) time.Duration
}

type BlobCacheConfig struct {
	Logger *slog.Logger
	Rows   BlobRows
	TTL    TTLResolver
	Clock  clockwork.Clock
}

func (c *BlobCacheConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Rows == nil {
		return errors.New("rows is required")
	}
	if c.TTL == nil {
		return errors.New("ttl resolver is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// BlobCache answers "did this device answer this command recently?". A
// valid hit short-circuits the whole SSH and parse pipeline, so validity
// is judged strictly: a blob is valid iff now < updated_at + ttl(command).
type BlobCache struct {
	cfg   *BlobCacheConfig
	log   *slog.Logger
	clock clockwork.Clock
}

func NewBlobCache(cfg *BlobCacheConfig) (*BlobCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BlobCache{cfg: cfg, log: cfg.Logger, clock: cfg.Clock}, nil
}

// GetValid returns the blob iff it exists and has not outlived its TTL.
// Expired blobs stay in place until the next Set overwrites them; the
// stale payload remains available to forensic reads via Get.
func (c *BlobCache) GetValid(ctx context.Context, deviceID, command string) (*Blob, bool, error) {
	blob, err := c.cfg.Rows.GetBlob(ctx, deviceID, command)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read blob: %w", err)
	}
	ttl := c.cfg.TTL.BlobTTL(ctx, command)
	if !c.clock.Now().Before(blob.UpdatedAt.Add(ttl)) {
		return nil, false, nil
	}
	return blob, true, nil
}

// Get returns the blob regardless of validity, with its freshness computed
// against the command's TTL.
func (c *BlobCache) Get(ctx context.Context, deviceID, command string) (*Blob, bool, error) {
	blob, err := c.cfg.Rows.GetBlob(ctx, deviceID, command)
	if err != nil {
		return nil, false, err
	}
	ttl := c.cfg.TTL.BlobTTL(ctx, command)
	return blob, c.clock.Now().Before(blob.UpdatedAt.Add(ttl)), nil
}

// Set upserts the payload and stamps updated_at with the current time. The
// row's (device, command) uniqueness serializes concurrent writers: the
// slower one simply becomes the final state.
func (c *BlobCache) Set(ctx context.Context, deviceID, command string, payload []byte) error {
	blob := &Blob{
		DeviceID:  deviceID,
		Command:   command,
		UpdatedAt: c.clock.Now().UTC(),
		Payload:   payload,
	}
	if err := c.cfg.Rows.UpsertBlob(ctx, blob); err != nil {
		return fmt.Errorf("failed to upsert blob: %w", err)
	}
	return nil
}

// List returns every blob stored for the device.
func (c *BlobCache) List(ctx context.Context, deviceID string) ([]Blob, error) {
	return c.cfg.Rows.ListBlobs(ctx, deviceID)
}

// Invalidate deletes one blob, or all blobs for the device when command is
// empty. Returns the number of rows removed.
func (c *BlobCache) Invalidate(ctx context.Context, deviceID, command string) (int64, error) {
	n, err := c.cfg.Rows.DeleteBlobs(ctx, deviceID, command)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate blobs: %w", err)
	}
	c.log.Info("cache invalidated", "device", deviceID, "command", command, "rows", n)
	return n, nil
}

// PruneBefore drops blobs last updated before cutoff. Housekeeping calls
// this well past any TTL; expired-but-recent blobs stay readable for
// forensics until then.
func (c *BlobCache) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.cfg.Rows.DeleteBlobsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune blobs: %w", err)
	}
	if n > 0 {
		c.log.Info("cache pruned", "cutoff", cutoff, "rows", n)
	}
	return n, nil
}

// DeviceBlobCount pairs a device with how many blobs it holds.
type DeviceBlobCount struct {
	DeviceID string `json:"device_id"`
	Count    int    `json:"count"`
}

// BlobStats summarizes the cache for the statistics endpoint.
type BlobStats struct {
	Total      int               `json:"total"`
	Valid      int               `json:"valid"`
	Expired    int               `json:"expired"`
	TopDevices []DeviceBlobCount `json:"top_devices"`
	ByCommand  map[string]int    `json:"by_command"`
}

// Stats scans blob metadata and splits it into valid and expired against
// each command's TTL.
func (c *BlobCache) Stats(ctx context.Context, topN int) (*BlobStats, error) {
	metas, err := c.cfg.Rows.ListBlobMetas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blob metadata: %w", err)
	}

	now := c.clock.Now()
	stats := &BlobStats{ByCommand: make(map[string]int)}
	perDevice := make(map[string]int)
	for _, m := range metas {
		stats.Total++
		stats.ByCommand[m.Command]++
		perDevice[m.DeviceID]++
		if now.Before(m.UpdatedAt.Add(c.cfg.TTL.BlobTTL(ctx, m.Command))) {
			stats.Valid++
		} else {
			stats.Expired++
		}
	}

	stats.TopDevices = make([]DeviceBlobCount, 0, len(perDevice))
	for id, n := range perDevice {
		stats.TopDevices = append(stats.TopDevices, DeviceBlobCount{DeviceID: id, Count: n})
	}
	sort.Slice(stats.TopDevices, func(i, j int) bool {
		if stats.TopDevices[i].Count != stats.TopDevices[j].Count {
			return stats.TopDevices[i].Count > stats.TopDevices[j].Count
		}
		return stats.TopDevices[i].DeviceID < stats.TopDevices[j].DeviceID
	})
	if topN > 0 && len(stats.TopDevices) > topN {
		stats.TopDevices = stats.TopDevices[:topN]
	}
	return stats, nil
}
