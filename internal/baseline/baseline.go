// Package baseline snapshots parsed command output per device and detects
// drift between snapshots. Each snapshot stores the raw record sequence
// for forensics and a normalized form for diffing; versions per (device,
// command) only ever grow.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/metrics"
	"github.com/spinelabs/spine/internal/parser"
)

// TaskCreateBaseline is the scheduler/broker identifier of the snapshot
// task.
const TaskCreateBaseline = "create_baseline"

// Baseline is one stored snapshot version of a (device, command).
type Baseline struct {
	DeviceID   string    `json:"device_id"`
	Command    string    `json:"command"`
	Version    int       `json:"version"`
	RawOutput  string    `json:"raw_output,omitempty"`
	Normalized string    `json:"normalized_output,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BaselineMeta is a version row without its payloads, for listings.
type BaselineMeta struct {
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command"`
	Version   int       `json:"version"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrBaselineNotFound = errors.New("baseline not found")

// Store persists baseline versions. InsertBaseline assigns the next
// version for the row's (device, command) atomically and writes it back
// to the passed struct.
type Store interface {
	InsertBaseline(ctx context.Context, b *Baseline) error
	GetBaseline(ctx context.Context, deviceID, command string, version int) (*Baseline, error)
	LatestBaseline(ctx context.Context, deviceID, command string) (*Baseline, error)
	// ListBaselines returns version metadata newest-first; empty command
	// means every command of the device.
	ListBaselines(ctx context.Context, deviceID, command string) ([]BaselineMeta, error)
	// PruneVersions deletes all but the newest keep versions per
	// (device, command), returning how many rows were removed.
	PruneVersions(ctx context.Context, keep int) (int64, error)
}

// Exec is the slice of the executor the engine consumes.
type Exec interface {
	Batch(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult
}

type Config struct {
	Logger *slog.Logger
	Exec   Exec
	Store  Store

	// MaxConcurrent bounds the per-device fan-out. Defaults to 4.
	MaxConcurrent int

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Exec == nil {
		return errors.New("exec is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log   *slog.Logger
	exec  Exec
	store Store
	clock clockwork.Clock
	pool  pond.ResultPool[deviceOutcome]
}

func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Engine{
		log:   cfg.Logger,
		exec:  cfg.Exec,
		store: cfg.Store,
		clock: cfg.Clock,
		pool:  pond.NewResultPool[deviceOutcome](cfg.MaxConcurrent),
	}, nil
}

// SnapshotRequest selects what to snapshot. Empty Commands means the full
// catalog; DeviceIDs must be resolved by the caller.
type SnapshotRequest struct {
	DeviceIDs []string
	Commands  []string
	Notes     string
	Username  string
	UseCache  bool
}

// SnapshotResult summarizes one snapshot run. Failed counts commands that
// produced no baseline; Errors holds the first failure per device.
type SnapshotResult struct {
	TotalDevices int               `json:"total_devices"`
	Saved        int               `json:"saved"`
	Failed       int               `json:"failed"`
	Errors       map[string]string `json:"errors,omitempty"`
	Duration     float64           `json:"duration_seconds"`
}

type deviceOutcome struct {
	deviceID string
	saved    int
	failed   int
	firstErr string
}

// Snapshot runs the selected commands across the device set and stores one
// new baseline version per successful command. Failed commands are counted
// and reported, never fatal.
func (e *Engine) Snapshot(ctx context.Context, req SnapshotRequest) (SnapshotResult, error) {
	if len(req.DeviceIDs) == 0 {
		return SnapshotResult{}, errors.New("no devices to snapshot")
	}
	commands := req.Commands
	if len(commands) == 0 {
		commands = parser.Commands()
	}
	started := e.clock.Now()

	group := e.pool.NewGroupContext(ctx)
	for _, id := range req.DeviceIDs {
		id := id
		group.SubmitErr(func() (deviceOutcome, error) {
			return e.snapshotDevice(ctx, id, commands, req), nil
		})
	}
	outcomes, err := group.Wait()

	res := SnapshotResult{TotalDevices: len(req.DeviceIDs)}
	for _, out := range outcomes {
		if out.deviceID == "" {
			continue
		}
		res.Saved += out.saved
		res.Failed += out.failed
		if out.firstErr != "" {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[out.deviceID] = out.firstErr
		}
	}
	if err != nil {
		e.log.Warn("snapshot interrupted", "devices", len(req.DeviceIDs), "error", err)
	}
	res.Duration = e.clock.Since(started).Seconds()
	e.log.Info("snapshot finished",
		"devices", res.TotalDevices, "saved", res.Saved, "failed", res.Failed,
		"duration", res.Duration)
	return res, nil
}

func (e *Engine) snapshotDevice(ctx context.Context, deviceID string, commands []string, req SnapshotRequest) deviceOutcome {
	opts := executor.DefaultOptions(req.Username)
	opts.UseCache = req.UseCache
	results := e.exec.Batch(ctx, deviceID, commands, opts, func(executor.CommandResult) bool {
		return ctx.Err() == nil
	})

	out := deviceOutcome{deviceID: deviceID}
	for _, res := range results {
		if !res.Success {
			out.failed++
			if out.firstErr == "" {
				out.firstErr = res.Error
			}
			continue
		}
		if err := e.save(ctx, res, req.Notes); err != nil {
			out.failed++
			if out.firstErr == "" {
				out.firstErr = err.Error()
			}
			e.log.Warn("baseline save failed",
				"device", deviceID, "command", res.Command, "error", err)
			continue
		}
		out.saved++
	}
	return out
}

func (e *Engine) save(ctx context.Context, res executor.CommandResult, notes string) error {
	raw, err := json.Marshal(res.Records)
	if err != nil {
		return fmt.Errorf("failed to serialize records: %w", err)
	}
	normalized := Render(Normalize(KindOf(res.Command), res.Records))
	now := e.clock.Now().UTC()
	b := &Baseline{
		DeviceID:   res.DeviceID,
		Command:    res.Command,
		RawOutput:  string(raw),
		Normalized: normalized,
		Notes:      notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertBaseline(ctx, b); err != nil {
		return fmt.Errorf("failed to store baseline: %w", err)
	}
	metrics.Baselines.WithLabelValues(res.Command).Inc()
	e.log.Info("baseline saved",
		"device", res.DeviceID, "command", res.Command, "version", b.Version)
	return nil
}

// DiffVersions compares two stored versions. Zero toVersion means the
// latest; zero fromVersion means the one before toVersion.
func (e *Engine) DiffVersions(ctx context.Context, deviceID, command string, fromVersion, toVersion int) (*Diff, error) {
	var to *Baseline
	var err error
	if toVersion <= 0 {
		to, err = e.store.LatestBaseline(ctx, deviceID, command)
	} else {
		to, err = e.store.GetBaseline(ctx, deviceID, command, toVersion)
	}
	if err != nil {
		return nil, err
	}
	if fromVersion <= 0 {
		fromVersion = to.Version - 1
	}
	if fromVersion < 1 {
		return nil, fmt.Errorf("baseline v%d has no earlier version: %w", to.Version, ErrBaselineNotFound)
	}
	from, err := e.store.GetBaseline(ctx, deviceID, command, fromVersion)
	if err != nil {
		return nil, err
	}
	return Compare(from, to)
}
