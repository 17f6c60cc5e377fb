package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/metrics"
)

const defaultBeatInterval = 10 * time.Second

// Dispatcher is the slice of the broker the beat needs.
type Dispatcher interface {
	Enqueue(ctx context.Context, msg *broker.Message) error
}

type BeatConfig struct {
	Logger     *slog.Logger
	Store      Store
	Dispatcher Dispatcher

	// Interval is the poll cadence. Defaults to 10s.
	Interval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *BeatConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if c.Interval <= 0 {
		c.Interval = defaultBeatInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Beat polls the schedule table and dispatches due tasks. Exactly one
// beat instance runs against a given table; nothing here locks against a
// second one.
type Beat struct {
	log      *slog.Logger
	store    Store
	q        Dispatcher
	interval time.Duration
	clock    clockwork.Clock
}

func NewBeat(cfg *BeatConfig) (*Beat, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Beat{
		log:      cfg.Logger,
		store:    cfg.Store,
		q:        cfg.Dispatcher,
		interval: cfg.Interval,
		clock:    cfg.Clock,
	}, nil
}

// Run ticks until the context is cancelled. A failed tick stretches the
// gap before the next one instead of hammering a broker that just
// refused a dispatch.
func (b *Beat) Run(ctx context.Context) error {
	b.log.Info("scheduler beat started", "interval", b.interval)
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = 2 * b.interval
	delay.RandomizationFactor = 0
	delay.Multiplier = 2
	delay.MaxInterval = 10 * b.interval
	delay.MaxElapsedTime = 0

	for {
		next := b.interval
		if err := b.tick(ctx); err != nil {
			next = delay.NextBackOff()
			b.log.Warn("beat tick failed, delaying next tick", "error", err, "delay", next)
		} else {
			delay.Reset()
		}
		select {
		case <-ctx.Done():
			b.log.Info("scheduler beat stopped")
			return nil
		case <-b.clock.After(next):
		}
	}
}

// tick dispatches every due task once. Schedule-level problems skip the
// one schedule; a dispatch failure aborts the tick so the remaining due
// tasks retry together after the delay.
func (b *Beat) tick(ctx context.Context) error {
	tasks, err := b.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	now := b.clock.Now().UTC()
	for i := range tasks {
		task := &tasks[i]
		if !task.Enabled {
			continue
		}
		if task.Expired(now) {
			b.log.Debug("skipping expired schedule", "schedule", task.ID, "name", task.Name)
			continue
		}
		due, derr := task.DueAt(now)
		if derr != nil {
			b.log.Error("cannot evaluate schedule", "schedule", task.ID, "name", task.Name, "error", derr)
			continue
		}
		if due.IsZero() {
			continue
		}
		if err := b.dispatch(ctx, task, now, due); err != nil {
			return err
		}
	}
	return nil
}

func (b *Beat) dispatch(ctx context.Context, task *ScheduledTask, now, due time.Time) error {
	kw := make(broker.Kwargs, len(task.Kwargs)+1)
	for k, v := range task.Kwargs {
		kw[k] = v
	}
	kw["scheduled_task_id"] = task.ID

	msg := &broker.Message{
		ID:         uuid.NewString(),
		Task:       task.Task,
		Kwargs:     kw,
		EnqueuedAt: now,
		DueAt:      due,
	}
	if err := b.q.Enqueue(ctx, msg); err != nil {
		return errkind.Wrap(errkind.BrokerUnavailable, fmt.Errorf("failed to dispatch %s: %w", task.Name, err))
	}
	// The dispatch is out; a missed bookkeeping write risks one duplicate
	// run, not a lost one.
	if err := b.store.MarkRun(ctx, task.ID, now); err != nil {
		b.log.Error("failed to record dispatch", "schedule", task.ID, "error", err)
	}
	metrics.BeatDispatches.WithLabelValues(task.Task).Inc()
	b.log.Info("scheduled task dispatched",
		"schedule", task.ID, "name", task.Name, "task", task.Task, "message", msg.ID, "due", due)
	return nil
}
