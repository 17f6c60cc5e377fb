package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/broker"
)

// Progress is the reconstructed view of a queued job. Status follows the
// orchestrator state machine: pending until a worker picks the job up,
// running while children execute, then completed if at least one device
// succeeded, failed if none did, cancelled if the job was revoked first.
type Progress struct {
	JobID        string           `json:"job_id"`
	Status       broker.State     `json:"status"`
	TotalDevices int              `json:"total_devices"`
	Completed    int              `json:"completed"`
	Failed       int              `json:"failed"`
	ProgressPct  int              `json:"progress_pct"`
	Devices      []DeviceProgress `json:"devices"`
	Error        string           `json:"error,omitempty"`
}

// DeviceProgress is one child task's state as recorded in the backend.
type DeviceProgress struct {
	DeviceID    string       `json:"device_id"`
	Status      broker.State `json:"status"`
	ProgressPct int          `json:"progress_pct"`
	CurrentStep string       `json:"current_step,omitempty"`
	Error       string       `json:"error,omitempty"`
}

type JobsConfig struct {
	Logger *slog.Logger
	Broker broker.Broker
	Clock  clockwork.Clock
}

func (c *JobsConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Broker == nil {
		return errors.New("broker is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Jobs is the queued-path client. It dispatches orchestrator tasks and
// reconstructs job state from broker records; there is no in-process job
// table, the result backend is the only source of truth.
type Jobs struct {
	log   *slog.Logger
	b     broker.Broker
	clock clockwork.Clock
}

func NewJobs(cfg *JobsConfig) (*Jobs, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Jobs{log: cfg.Logger, b: cfg.Broker, clock: cfg.Clock}, nil
}

// Dispatch enqueues an orchestrator task for the request and returns its
// job id. The pending record is written before the message is queued so a
// progress query issued immediately after dispatch finds the job.
func (j *Jobs) Dispatch(ctx context.Context, req Request, username string) (string, error) {
	id := uuid.NewString()
	now := j.clock.Now().UTC()
	rec := &broker.TaskRecord{
		ID:        id,
		Task:      TaskDiscoverTopology,
		State:     broker.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := j.b.PutTask(ctx, rec); err != nil {
		return "", err
	}
	msg := &broker.Message{
		ID:         id,
		Task:       TaskDiscoverTopology,
		Kwargs:     req.Kwargs(username),
		EnqueuedAt: now,
	}
	if err := j.b.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	j.log.Info("discovery job dispatched",
		"job_id", id, "devices", len(req.DeviceIDs), "username", username)
	return id, nil
}

// Progress rebuilds a job's state from the orchestrator record, its group,
// and the child records. Children whose records are missing count as
// pending.
func (j *Jobs) Progress(ctx context.Context, jobID string) (*Progress, error) {
	rec, err := j.b.GetTask(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p := &Progress{JobID: jobID, Devices: []DeviceProgress{}}
	switch rec.State {
	case broker.StatePending:
		p.Status = broker.StatePending
	case broker.StateFailed:
		p.Status = broker.StateFailed
		p.Error = rec.Error
	case broker.StateCancelled:
		p.Status = broker.StateCancelled
	default:
		// Running, or completed meaning the orchestrator finished
		// spawning. Either way the job itself is still running until
		// the children say otherwise.
		p.Status = broker.StateRunning
	}
	if rec.GroupID == "" {
		return p, nil
	}

	grp, err := j.b.GetGroup(ctx, rec.GroupID)
	if err != nil {
		return nil, err
	}
	p.TotalDevices = len(grp.TaskIDs)

	allTerminal := true
	sum := 0
	for i, tid := range grp.TaskIDs {
		dp := DeviceProgress{Status: broker.StatePending}
		if i < len(grp.DeviceIDs) {
			dp.DeviceID = grp.DeviceIDs[i]
		}
		child, err := j.b.GetTask(ctx, tid)
		switch {
		case errors.Is(err, broker.ErrTaskNotFound):
			// Record pruned or not yet written; pending placeholder.
		case err != nil:
			return nil, err
		default:
			dp.Status = child.State
			dp.ProgressPct = child.Progress
			dp.CurrentStep = child.Step
			dp.Error = child.Error
		}
		switch {
		case dp.Status == broker.StateCompleted:
			dp.ProgressPct = 100
			p.Completed++
		case dp.Status.Terminal():
			p.Failed++
		default:
			allTerminal = false
		}
		sum += dp.ProgressPct
		p.Devices = append(p.Devices, dp)
	}
	if p.TotalDevices > 0 {
		p.ProgressPct = sum / p.TotalDevices
	}

	// The job's terminal status derives from the children; an explicit
	// cancel or an orchestrator failure recorded above wins.
	if p.Status == broker.StateRunning && allTerminal && p.TotalDevices > 0 {
		if p.Completed > 0 {
			p.Status = broker.StateCompleted
		} else {
			p.Status = broker.StateFailed
		}
	}
	return p, nil
}

// Cancel revokes a job. Pending children are marked cancelled immediately;
// running children observe the revocation between commands and finish the
// current one first. Cache rows already written stay. Once every child has
// gone terminal the job outcome stands and Cancel is a no-op.
func (j *Jobs) Cancel(ctx context.Context, jobID string) error {
	rec, err := j.b.GetTask(ctx, jobID)
	if err != nil {
		return err
	}
	now := j.clock.Now().UTC()

	if rec.GroupID == "" {
		// Not picked up yet, or still spawning: revoke so the worker
		// drops it on sight.
		if rec.State.Terminal() {
			return nil
		}
		if err := j.b.Revoke(ctx, jobID); err != nil {
			return err
		}
		rec.State = broker.StateCancelled
		rec.UpdatedAt = now
		if err := j.b.PutTask(ctx, rec); err != nil {
			return err
		}
		j.log.Info("job cancelled before children were spawned", "job_id", jobID)
		return nil
	}

	grp, err := j.b.GetGroup(ctx, rec.GroupID)
	if err != nil {
		return err
	}
	revoked := 0
	live := false
	for _, tid := range grp.TaskIDs {
		child, err := j.b.GetTask(ctx, tid)
		if errors.Is(err, broker.ErrTaskNotFound) {
			// Record not written yet; revoke on sight.
			if err := j.b.Revoke(ctx, tid); err != nil {
				return err
			}
			revoked++
			live = true
			continue
		}
		if err != nil {
			return err
		}
		if child.State.Terminal() {
			continue
		}
		live = true
		if err := j.b.Revoke(ctx, tid); err != nil {
			return err
		}
		revoked++
		if child.State == broker.StatePending {
			child.State = broker.StateCancelled
			child.UpdatedAt = now
			if err := j.b.PutTask(ctx, child); err != nil {
				return err
			}
		}
	}
	if !live {
		return nil
	}
	if !rec.State.Terminal() {
		if err := j.b.Revoke(ctx, jobID); err != nil {
			return err
		}
	}
	rec.State = broker.StateCancelled
	rec.UpdatedAt = now
	if err := j.b.PutTask(ctx, rec); err != nil {
		return err
	}
	j.log.Info("job cancelled", "job_id", jobID, "group_id", rec.GroupID, "revoked", revoked)
	return nil
}
