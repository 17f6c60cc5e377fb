package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/metrics"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticOwnerships map[string]string

func (s staticOwnerships) Owner(_ context.Context, id string) (string, error) {
	owner, ok := s[id]
	if !ok {
		return "", fmt.Errorf("no ownership row for scheduled task %s", id)
	}
	return owner, nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	noop := func(context.Context, *Invocation) error { return nil }

	require.NoError(t, reg.Register("b_task", noop))
	require.NoError(t, reg.Register("a_task", noop))
	require.Error(t, reg.Register("a_task", noop), "duplicate registration must fail")
	require.Error(t, reg.Register("", noop))
	require.Error(t, reg.Register("c_task", nil))

	_, ok := reg.Lookup("a_task")
	assert.True(t, ok)
	_, ok = reg.Lookup("ghost")
	assert.False(t, ok)
	assert.Equal(t, []string{"a_task", "b_task"}, reg.Names())
}

func TestSchedulable_ExcludesChildTask(t *testing.T) {
	t.Parallel()
	names := Schedulable()
	assert.Contains(t, names, discovery.TaskDiscoverTopology)
	assert.Contains(t, names, baseline.TaskCreateBaseline)
	assert.Contains(t, names, TaskCleanupOldData)
	assert.NotContains(t, names, discovery.TaskDiscoverSingleDevice)
}

func TestEnforceOwnership_AdHocBypasses(t *testing.T) {
	t.Parallel()
	// An empty ownership map errors on any lookup, proving none happens.
	username, err := EnforceOwnership(context.Background(), newTestLogger(), staticOwnerships{},
		broker.Kwargs{"username": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestEnforceOwnership_MatchingOwnerPasses(t *testing.T) {
	username, err := EnforceOwnership(context.Background(), newTestLogger(),
		staticOwnerships{"sched-1": "alice"},
		broker.Kwargs{"username": "alice", "scheduled_task_id": "sched-1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestEnforceOwnership_SpoofedUsernameOverridden(t *testing.T) {
	before := testutil.ToFloat64(metrics.SecurityViolations)
	username, err := EnforceOwnership(context.Background(), newTestLogger(),
		staticOwnerships{"sched-1": "bob"},
		broker.Kwargs{"username": "alice", "scheduled_task_id": "sched-1"})
	require.NoError(t, err)
	assert.Equal(t, "bob", username, "the ownership row's user wins")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SecurityViolations))
}

func TestEnforceOwnership_LookupFailure(t *testing.T) {
	t.Parallel()
	_, err := EnforceOwnership(context.Background(), newTestLogger(), staticOwnerships{},
		broker.Kwargs{"username": "alice", "scheduled_task_id": "ghost"})
	require.Error(t, err)
}

func newWorker(t *testing.T, b broker.Broker, reg *Registry, concurrency int) *Worker {
	t.Helper()
	w, err := NewWorker(&WorkerConfig{
		Logger:            newTestLogger(),
		Broker:            b,
		Registry:          reg,
		ID:                "w-test",
		Concurrency:       concurrency,
		PollTimeout:       20 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

// runWorker runs w until stop is called (or the test ends) and waits for a
// clean exit.
func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("worker did not stop in time")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func dispatch(t *testing.T, b broker.Broker, task string, kw broker.Kwargs) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, b.PutTask(ctx, &broker.TaskRecord{
		ID: id, Task: task, State: broker.StatePending, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, b.Enqueue(ctx, &broker.Message{ID: id, Task: task, Kwargs: kw, EnqueuedAt: now}))
	return id
}

func waitTerminal(t *testing.T, b broker.Broker, id string) *broker.TaskRecord {
	t.Helper()
	var rec *broker.TaskRecord
	require.Eventually(t, func() bool {
		r, err := b.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestWorker_CompletesTask(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register("ok_task", func(context.Context, *Invocation) error { return nil }))
	w := newWorker(t, b, reg, 2)
	stop := runWorker(t, w)

	id := dispatch(t, b, "ok_task", nil)
	rec := waitTerminal(t, b, id)
	assert.Equal(t, broker.StateCompleted, rec.State)
	assert.Equal(t, 100, rec.Progress)
	assert.Empty(t, rec.Error)

	require.Eventually(t, func() bool {
		workers, err := b.Workers(context.Background())
		return err == nil && !workers["w-test"].IsZero()
	}, 5*time.Second, 10*time.Millisecond, "worker must heartbeat")

	stop()
	workers, err := b.Workers(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, workers, "w-test", "worker must deregister on shutdown")
}

func TestWorker_FailedTaskKeepsHandlerErrorKind(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register("doomed", func(_ context.Context, inv *Invocation) error {
		inv.Rec.ErrorKind = string(errkind.Timeout)
		return errors.New("timeout: device did not respond")
	}))
	runWorker(t, newWorker(t, b, reg, 2))

	rec := waitTerminal(t, b, dispatch(t, b, "doomed", nil))
	assert.Equal(t, broker.StateFailed, rec.State)
	assert.Equal(t, "timeout: device did not respond", rec.Error)
	assert.Equal(t, string(errkind.Timeout), rec.ErrorKind)
}

func TestWorker_ClassifiedErrorSetsKind(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register("doomed", func(context.Context, *Invocation) error {
		return errkind.New(errkind.Unreachable, "no route to host")
	}))
	runWorker(t, newWorker(t, b, reg, 2))

	rec := waitTerminal(t, b, dispatch(t, b, "doomed", nil))
	assert.Equal(t, broker.StateFailed, rec.State)
	assert.Equal(t, string(errkind.Unreachable), rec.ErrorKind)
	assert.Equal(t, "unreachable: no route to host", rec.Error)
}

func TestWorker_HandlerCancellation(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register("revocable", func(context.Context, *Invocation) error {
		return ErrCancelled
	}))
	runWorker(t, newWorker(t, b, reg, 2))

	rec := waitTerminal(t, b, dispatch(t, b, "revocable", nil))
	assert.Equal(t, broker.StateCancelled, rec.State)
	assert.Empty(t, rec.Error)
}

func TestWorker_RevokedBeforeStartSkipsHandler(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	var invoked atomic.Bool
	reg := NewRegistry()
	require.NoError(t, reg.Register("revocable", func(context.Context, *Invocation) error {
		invoked.Store(true)
		return nil
	}))

	id := dispatch(t, b, "revocable", nil)
	require.NoError(t, b.Revoke(context.Background(), id))
	runWorker(t, newWorker(t, b, reg, 2))

	rec := waitTerminal(t, b, id)
	assert.Equal(t, broker.StateCancelled, rec.State)
	assert.False(t, invoked.Load(), "a revoked task must not run")
}

func TestWorker_UnknownTaskFails(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	runWorker(t, newWorker(t, b, NewRegistry(), 2))

	rec := waitTerminal(t, b, dispatch(t, b, "no_such_task", nil))
	assert.Equal(t, broker.StateFailed, rec.State)
	assert.Contains(t, rec.Error, "unknown task")
}

func TestWorker_BeatMessageWithoutRecord(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	reg := NewRegistry()
	require.NoError(t, reg.Register("scheduled", func(context.Context, *Invocation) error { return nil }))
	runWorker(t, newWorker(t, b, reg, 2))

	// Beat dispatches enqueue without pre-writing a record.
	id := uuid.NewString()
	require.NoError(t, b.Enqueue(context.Background(), &broker.Message{
		ID: id, Task: "scheduled", EnqueuedAt: time.Now().UTC(),
	}))

	rec := waitTerminal(t, b, id)
	assert.Equal(t, broker.StateCompleted, rec.State)
	assert.Equal(t, "scheduled", rec.Task)
}

func TestWorker_ConcurrencyBoundHoldsMessagesInQueue(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", func(context.Context, *Invocation) error {
		<-release
		return nil
	}))
	runWorker(t, newWorker(t, b, reg, 1))

	first := dispatch(t, b, "slow", nil)
	second := dispatch(t, b, "slow", nil)

	require.Eventually(t, func() bool {
		r, err := b.GetTask(context.Background(), first)
		return err == nil && r.State == broker.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	// A single-slot worker must not claim the second message while the
	// first still runs.
	time.Sleep(100 * time.Millisecond)
	r, err := b.GetTask(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, broker.StatePending, r.State)
	depth, err := b.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	close(release)
	assert.Equal(t, broker.StateCompleted, waitTerminal(t, b, first).State)
	assert.Equal(t, broker.StateCompleted, waitTerminal(t, b, second).State)
}
