package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/broker"
)

// BlobPruner is the slice of the JSON cache housekeeping consumes.
type BlobPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BaselinePruner is the slice of the baseline store housekeeping consumes.
type BaselinePruner interface {
	PruneVersions(ctx context.Context, keep int) (int64, error)
}

const (
	defaultRetentionDays = 7
	defaultBaselineKeep  = 10
)

type HousekeepingConfig struct {
	Logger    *slog.Logger
	Broker    broker.Broker
	Blobs     BlobPruner
	Baselines BaselinePruner

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *HousekeepingConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Broker == nil {
		return errors.New("broker is required")
	}
	if c.Blobs == nil {
		return errors.New("blobs is required")
	}
	if c.Baselines == nil {
		return errors.New("baselines is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Housekeeping is the cleanup_old_data handler. It needs no ownership
// guard: nothing here touches user-scoped credentials.
type Housekeeping struct {
	log       *slog.Logger
	b         broker.Broker
	blobs     BlobPruner
	baselines BaselinePruner
	clock     clockwork.Clock
}

func NewHousekeeping(cfg *HousekeepingConfig) (*Housekeeping, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Housekeeping{
		log:       cfg.Logger,
		b:         cfg.Broker,
		blobs:     cfg.Blobs,
		baselines: cfg.Baselines,
		clock:     cfg.Clock,
	}, nil
}

func (h *Housekeeping) Register(reg *Registry) error {
	return reg.Register(TaskCleanupOldData, h.run)
}

// CleanupResult reports how many rows each sweep removed.
type CleanupResult struct {
	Blobs     int64 `json:"blobs_removed"`
	Baselines int64 `json:"baselines_removed"`
	Results   int64 `json:"task_results_removed"`
}

// run sweeps stale JSON blobs, over-retained baseline versions and expired
// task results. Kwargs retention_days and baseline_keep override the
// defaults. Each sweep runs even when an earlier one failed.
func (h *Housekeeping) run(ctx context.Context, inv *Invocation) error {
	retentionDays := defaultRetentionDays
	if v, ok := inv.Msg.Kwargs.Int("retention_days"); ok && v > 0 {
		retentionDays = v
	}
	keep := defaultBaselineKeep
	if v, ok := inv.Msg.Kwargs.Int("baseline_keep"); ok && v > 0 {
		keep = v
	}
	cutoff := h.clock.Now().UTC().AddDate(0, 0, -retentionDays)

	var res CleanupResult
	var errs []error
	var err error
	if res.Blobs, err = h.blobs.PruneBefore(ctx, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("blob sweep: %w", err))
	}
	if res.Baselines, err = h.baselines.PruneVersions(ctx, keep); err != nil {
		errs = append(errs, fmt.Errorf("baseline sweep: %w", err))
	}
	if res.Results, err = h.b.PruneResults(ctx, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("result sweep: %w", err))
	}

	if raw, merr := json.Marshal(res); merr == nil {
		inv.Rec.Result = raw
	}
	h.log.Info("housekeeping finished",
		"cutoff", cutoff, "baseline_keep", keep,
		"blobs", res.Blobs, "baselines", res.Baselines, "results", res.Results)
	return errors.Join(errs...)
}
