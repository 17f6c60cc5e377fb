package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/inventory"
)

// Snapshotter is the slice of the baseline engine the snapshot task
// consumes.
type Snapshotter interface {
	Snapshot(ctx context.Context, req baseline.SnapshotRequest) (baseline.SnapshotResult, error)
}

type SnapshotConfig struct {
	Logger     *slog.Logger
	Engine     Snapshotter
	Inventory  inventory.Source
	Ownerships Ownerships
}

func (c *SnapshotConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.Inventory == nil {
		return errors.New("inventory is required")
	}
	if c.Ownerships == nil {
		return errors.New("ownerships is required")
	}
	return nil
}

// Snapshot is the create_baseline handler: it resolves the device set,
// enforces schedule ownership, and hands the work to the baseline engine.
type Snapshot struct {
	log *slog.Logger
	eng Snapshotter
	inv inventory.Source
	own Ownerships
}

func NewSnapshot(cfg *SnapshotConfig) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Snapshot{log: cfg.Logger, eng: cfg.Engine, inv: cfg.Inventory, own: cfg.Ownerships}, nil
}

func (s *Snapshot) Register(reg *Registry) error {
	return reg.Register(baseline.TaskCreateBaseline, s.run)
}

func (s *Snapshot) run(ctx context.Context, inv *Invocation) error {
	username, err := EnforceOwnership(ctx, s.log, s.own, inv.Msg.Kwargs)
	if err != nil {
		return err
	}

	req := baseline.SnapshotRequest{
		DeviceIDs: inv.Msg.Kwargs.Strings("device_ids"),
		Commands:  inv.Msg.Kwargs.Strings("commands"),
		Username:  username,
		UseCache:  true,
	}
	if notes, ok := inv.Msg.Kwargs.String("notes"); ok {
		req.Notes = notes
	}
	if use, ok := inv.Msg.Kwargs.Bool("cache_results"); ok {
		req.UseCache = use
	}

	if len(req.DeviceIDs) == 0 {
		devices, err := s.inv.ListDevices(ctx)
		if err != nil {
			return errkind.Wrap(errkind.DeviceNotFound, fmt.Errorf("failed to list inventory: %w", err))
		}
		for _, dev := range devices {
			req.DeviceIDs = append(req.DeviceIDs, dev.ID)
		}
	}

	res, err := s.eng.Snapshot(ctx, req)
	if err != nil {
		return err
	}
	if raw, merr := json.Marshal(res); merr == nil {
		inv.Rec.Result = raw
	}
	if res.Saved == 0 && res.Failed > 0 {
		return fmt.Errorf("no baselines saved across %d devices", res.TotalDevices)
	}
	return nil
}
