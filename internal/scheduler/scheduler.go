// Package scheduler keeps the periodic-task table and the beat that
// dispatches due tasks to the broker. Schedules come in two variants, a
// plain interval or a five-field crontab. The worker resolves ownership at
// execution time; the beat only stamps the schedule id into the kwargs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/spinelabs/spine/internal/broker"
)

var (
	ErrTaskNotFound      = errors.New("scheduled task not found")
	ErrOwnershipNotFound = errors.New("no ownership recorded for scheduled task")
)

// ScheduledTask is one periodic-task row. Exactly one of EverySeconds and
// Crontab is set.
type ScheduledTask struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Task          string        `json:"task"`
	Kwargs        broker.Kwargs `json:"kwargs,omitempty"`
	EverySeconds  int           `json:"every_seconds,omitempty"`
	Crontab       string        `json:"crontab,omitempty"`
	Enabled       bool          `json:"enabled"`
	OneOff        bool          `json:"one_off"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	LastRunAt     time.Time     `json:"last_run_at,omitempty"`
	TotalRunCount int           `json:"total_run_count"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (t *ScheduledTask) Validate() error {
	if t.Name == "" {
		return errors.New("schedule name is required")
	}
	if t.Task == "" {
		return errors.New("task identifier is required")
	}
	if t.EverySeconds < 0 {
		return errors.New("interval must be positive")
	}
	hasInterval := t.EverySeconds > 0
	hasCron := t.Crontab != ""
	if hasInterval == hasCron {
		return errors.New("exactly one of an interval or a crontab is required")
	}
	if hasCron {
		if _, err := cronexpr.Parse(t.Crontab); err != nil {
			return fmt.Errorf("invalid crontab %q: %w", t.Crontab, err)
		}
	}
	return nil
}

func (t *ScheduledTask) Every() time.Duration {
	return time.Duration(t.EverySeconds) * time.Second
}

// Expired reports whether the schedule's expiry has passed.
func (t *ScheduledTask) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// DueAt returns the instant the task became due, or the zero time when it
// is not due yet. An interval task that never ran is due immediately; a
// crontab task fires at its first boundary after creation. Several missed
// boundaries collapse into one dispatch.
func (t *ScheduledTask) DueAt(now time.Time) (time.Time, error) {
	switch {
	case t.EverySeconds > 0:
		if t.LastRunAt.IsZero() {
			return now, nil
		}
		next := t.LastRunAt.Add(t.Every())
		if next.After(now) {
			return time.Time{}, nil
		}
		return next, nil
	case t.Crontab != "":
		expr, err := cronexpr.Parse(t.Crontab)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid crontab %q: %w", t.Crontab, err)
		}
		base := t.LastRunAt
		if base.IsZero() {
			base = t.CreatedAt
		}
		if base.IsZero() {
			base = now
		}
		next := expr.Next(base)
		if next.IsZero() || next.After(now) {
			return time.Time{}, nil
		}
		return next, nil
	}
	return time.Time{}, errors.New("schedule has neither interval nor crontab")
}

// Ownership pins a scheduled task to the user who created it. The worker
// always runs the task under this username, whatever the kwargs claim.
type Ownership struct {
	ScheduledTaskID string `json:"scheduled_task_id"`
	Username        string `json:"owner_username"`
	UserID          string `json:"owner_user_id,omitempty"`
}

// Store persists scheduled tasks and their ownership rows. DeleteTask
// cascades to the ownership row. Owner satisfies the worker's ownership
// lookup directly.
type Store interface {
	CreateTask(ctx context.Context, t *ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListTasks(ctx context.Context) ([]ScheduledTask, error)
	UpdateTask(ctx context.Context, t *ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	// MarkRun records one dispatch: it sets last_run_at, bumps
	// total_run_count and disables one-off schedules, atomically.
	MarkRun(ctx context.Context, id string, at time.Time) error

	PutOwnership(ctx context.Context, o *Ownership) error
	Owner(ctx context.Context, scheduledTaskID string) (string, error)
}
