package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/inventory"
)

// DeviceRunner is the slice of the discovery runner the child task
// consumes.
type DeviceRunner interface {
	RunDevice(ctx context.Context, deviceID string, commands []string, opts executor.Options, observe func(pct int, res executor.CommandResult) bool) discovery.DeviceResult
}

type DiscoverConfig struct {
	Logger     *slog.Logger
	Broker     broker.Broker
	Runner     DeviceRunner
	Inventory  inventory.Source
	Ownerships Ownerships

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *DiscoverConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Broker == nil {
		return errors.New("broker is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Inventory == nil {
		return errors.New("inventory is required")
	}
	if c.Ownerships == nil {
		return errors.New("ownerships is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Discover carries the two discovery handlers: the orchestrator that fans
// a job out into one child task per device, and the child that walks one
// device's command list.
type Discover struct {
	log    *slog.Logger
	b      broker.Broker
	runner DeviceRunner
	inv    inventory.Source
	own    Ownerships
	clock  clockwork.Clock
}

func NewDiscover(cfg *DiscoverConfig) (*Discover, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Discover{
		log:    cfg.Logger,
		b:      cfg.Broker,
		runner: cfg.Runner,
		inv:    cfg.Inventory,
		own:    cfg.Ownerships,
		clock:  cfg.Clock,
	}, nil
}

func (d *Discover) Register(reg *Registry) error {
	if err := reg.Register(discovery.TaskDiscoverTopology, d.orchestrate); err != nil {
		return err
	}
	return reg.Register(discovery.TaskDiscoverSingleDevice, d.device)
}

// orchestrate spawns one child task per device and returns without
// waiting on any of them: blocking here would eat a pool slot the
// children need. Group and child records are stored before the child
// messages go out so progress and cancel always see a complete picture.
func (d *Discover) orchestrate(ctx context.Context, inv *Invocation) error {
	job := discovery.JobFromKwargs(inv.Msg.Kwargs)
	username, err := EnforceOwnership(ctx, d.log, d.own, inv.Msg.Kwargs)
	if err != nil {
		return err
	}
	job.Username = username

	if len(job.DeviceIDs) == 0 {
		devices, err := d.inv.ListDevices(ctx)
		if err != nil {
			return errkind.Wrap(errkind.DeviceNotFound, fmt.Errorf("failed to list inventory: %w", err))
		}
		for _, dev := range devices {
			job.DeviceIDs = append(job.DeviceIDs, dev.ID)
		}
	}
	if len(job.DeviceIDs) == 0 {
		return errors.New("inventory holds no devices to discover")
	}

	now := d.clock.Now().UTC()
	group := &broker.GroupRecord{
		ID:        uuid.NewString(),
		ParentID:  inv.Rec.ID,
		CreatedAt: now,
	}
	children := make([]*broker.Message, 0, len(job.DeviceIDs))
	for _, deviceID := range job.DeviceIDs {
		id := uuid.NewString()
		group.TaskIDs = append(group.TaskIDs, id)
		group.DeviceIDs = append(group.DeviceIDs, deviceID)
		children = append(children, &broker.Message{
			ID:         id,
			Task:       discovery.TaskDiscoverSingleDevice,
			Kwargs:     job.ChildKwargs(deviceID),
			EnqueuedAt: now,
		})
	}

	if err := d.b.PutGroup(ctx, group); err != nil {
		return fmt.Errorf("failed to store task group: %w", err)
	}
	inv.Rec.GroupID = group.ID
	inv.Rec.UpdatedAt = now
	if err := d.b.PutTask(ctx, inv.Rec); err != nil {
		return fmt.Errorf("failed to attach group to job: %w", err)
	}
	for i, msg := range children {
		rec := &broker.TaskRecord{
			ID:        msg.ID,
			Task:      msg.Task,
			State:     broker.StatePending,
			GroupID:   group.ID,
			DeviceID:  group.DeviceIDs[i],
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.b.PutTask(ctx, rec); err != nil {
			return fmt.Errorf("failed to store child record: %w", err)
		}
	}
	for _, msg := range children {
		if err := d.b.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue child task: %w", err)
		}
	}

	// A cancel that raced the spawn wins: revoke what was just enqueued.
	if revoked, rerr := d.b.IsRevoked(ctx, inv.Rec.ID); rerr == nil && revoked {
		for _, msg := range children {
			if err := d.b.Revoke(ctx, msg.ID); err != nil {
				d.log.Warn("failed to revoke child of cancelled job",
					"job", inv.Rec.ID, "child", msg.ID, "error", err)
			}
		}
		return ErrCancelled
	}

	d.log.Info("discovery fan-out dispatched",
		"job", inv.Rec.ID, "group", group.ID, "devices", len(job.DeviceIDs), "username", username)
	return nil
}

// device walks one device's commands, persisting progress after every
// command and honoring revocation between commands. Partial cache writes
// stay: they are valid observations.
func (d *Discover) device(ctx context.Context, inv *Invocation) error {
	child, err := discovery.ChildFromKwargs(inv.Msg.Kwargs)
	if err != nil {
		return err
	}
	rec := inv.Rec

	rec.Step = "connecting"
	rec.UpdatedAt = d.clock.Now().UTC()
	if perr := d.b.PutTask(ctx, rec); perr != nil {
		d.log.Warn("failed to store task step", "task", rec.ID, "error", perr)
	}

	revoked := false
	dr := d.runner.RunDevice(ctx, child.DeviceID, child.Commands, child.Options(),
		func(pct int, res executor.CommandResult) bool {
			rec.Progress = pct
			rec.Step = res.Command
			rec.UpdatedAt = d.clock.Now().UTC()
			if perr := d.b.PutTask(ctx, rec); perr != nil {
				d.log.Warn("failed to store task progress", "task", rec.ID, "error", perr)
			}
			if r, rerr := d.b.IsRevoked(ctx, rec.ID); rerr == nil && r {
				revoked = true
				return false
			}
			return true
		})

	if raw, merr := json.Marshal(dr); merr == nil {
		rec.Result = raw
	}
	if revoked {
		return ErrCancelled
	}
	if !dr.Success {
		rec.ErrorKind = string(dr.ErrorKind)
		return errors.New(dr.Error)
	}
	return nil
}
