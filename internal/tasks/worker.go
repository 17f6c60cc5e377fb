package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/metrics"
)

type WorkerConfig struct {
	Logger   *slog.Logger
	Broker   broker.Broker
	Registry *Registry

	// ID names this worker in heartbeats. Defaults to hostname-pid.
	ID string

	// Concurrency bounds simultaneous tasks. Defaults to 4.
	Concurrency int

	// PollTimeout bounds each blocking dequeue so shutdown and heartbeat
	// stay responsive. Defaults to 2s.
	PollTimeout time.Duration

	// HeartbeatInterval paces liveness reports to the result backend.
	// Defaults to 15s.
	HeartbeatInterval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *WorkerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Broker == nil {
		return errors.New("broker is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Worker pulls task messages off the broker and runs registered handlers,
// at most Concurrency at a time. It owns every record state transition:
// handlers compute, the worker commits.
type Worker struct {
	cfg   *WorkerConfig
	log   *slog.Logger
	b     broker.Broker
	reg   *Registry
	clock clockwork.Clock
}

func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Worker{
		cfg:   cfg,
		log:   cfg.Logger.With("worker", cfg.ID),
		b:     cfg.Broker,
		reg:   cfg.Registry,
		clock: cfg.Clock,
	}, nil
}

// Run consumes the queue until ctx is cancelled, then waits for in-flight
// tasks and deregisters the worker. A slot is reserved before each
// dequeue so a claimed message always has somewhere to run.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"concurrency", w.cfg.Concurrency, "tasks", w.reg.Names())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeats(ctx)
	}()

	sem := make(chan struct{}, w.cfg.Concurrency)
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			msg, err := w.b.Dequeue(ctx, w.cfg.PollTimeout)
			if err != nil {
				<-sem
				if ctx.Err() != nil {
					break
				}
				w.log.Error("dequeue failed", "error", err)
				select {
				case <-ctx.Done():
				case <-w.clock.After(w.cfg.PollTimeout):
				}
				continue
			}
			if msg == nil {
				<-sem
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(ctx, msg)
			}()
		}
	}
	wg.Wait()

	// The run context is gone; deregister on a fresh one.
	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.b.RemoveWorker(offCtx, w.cfg.ID); err != nil {
		w.log.Warn("failed to deregister worker", "error", err)
	}
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) heartbeats(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	if err := w.b.Heartbeat(ctx, w.cfg.ID, w.clock.Now().UTC()); err != nil {
		w.log.Warn("heartbeat failed", "error", err)
	}
	if depth, err := w.b.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}

func (w *Worker) process(ctx context.Context, msg *broker.Message) {
	log := w.log.With("task", msg.Task, "id", msg.ID)

	// State writes must land even when shutdown cancels the run context;
	// a claimed message that leaves no terminal record is a stuck job.
	bctx := context.WithoutCancel(ctx)

	rec, err := w.b.GetTask(bctx, msg.ID)
	if err != nil {
		if !errors.Is(err, broker.ErrTaskNotFound) {
			log.Error("failed to load task record", "error", err)
			return
		}
		// Beat dispatches carry no pre-written record.
		now := w.clock.Now().UTC()
		rec = &broker.TaskRecord{
			ID:        msg.ID,
			Task:      msg.Task,
			State:     broker.StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if revoked, rerr := w.b.IsRevoked(bctx, msg.ID); rerr == nil && revoked {
		log.Info("task revoked before start")
		w.finish(bctx, log, rec, broker.StateCancelled, "", "")
		return
	}

	handler, ok := w.reg.Lookup(msg.Task)
	if !ok {
		log.Warn("no handler for task")
		w.finish(bctx, log, rec, broker.StateFailed, "unknown task: "+msg.Task, "")
		return
	}

	rec.State = broker.StateRunning
	rec.UpdatedAt = w.clock.Now().UTC()
	if err := w.b.PutTask(bctx, rec); err != nil {
		log.Error("failed to mark task running", "error", err)
		return
	}
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	started := w.clock.Now()
	err = handler(ctx, &Invocation{Msg: msg, Rec: rec})
	elapsed := w.clock.Since(started)

	switch {
	case errors.Is(err, ErrCancelled):
		log.Info("task cancelled", "duration", elapsed)
		w.finish(bctx, log, rec, broker.StateCancelled, "", "")
	case err != nil:
		log.Warn("task failed", "error", err, "duration", elapsed)
		w.finish(bctx, log, rec, broker.StateFailed, err.Error(), string(errkind.Of(err)))
	default:
		log.Info("task completed", "duration", elapsed)
		w.finish(bctx, log, rec, broker.StateCompleted, "", "")
	}
}

// finish commits a terminal state. The handler's error kind wins over the
// one derived from the returned error, so device failure kinds survive.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, rec *broker.TaskRecord, state broker.State, errMsg, kind string) {
	rec.State = state
	rec.Error = errMsg
	if kind != "" || errMsg == "" {
		rec.ErrorKind = kind
	}
	if state == broker.StateCompleted {
		rec.Progress = 100
	}
	rec.UpdatedAt = w.clock.Now().UTC()
	if err := w.b.PutTask(ctx, rec); err != nil {
		log.Error("failed to store terminal task state", "state", state, "error", err)
		return
	}
	metrics.Tasks.WithLabelValues(rec.Task, string(state)).Inc()
}
