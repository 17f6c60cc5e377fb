package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/broker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduledTask_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		task    ScheduledTask
		wantErr string
	}{
		{"interval", ScheduledTask{Name: "nightly", Task: "discover_topology", EverySeconds: 3600}, ""},
		{"crontab", ScheduledTask{Name: "nightly", Task: "discover_topology", Crontab: "0 2 * * *"}, ""},
		{"both_variants", ScheduledTask{Name: "n", Task: "t", EverySeconds: 60, Crontab: "* * * * *"}, "exactly one"},
		{"neither_variant", ScheduledTask{Name: "n", Task: "t"}, "exactly one"},
		{"negative_interval", ScheduledTask{Name: "n", Task: "t", EverySeconds: -5}, "must be positive"},
		{"bad_crontab", ScheduledTask{Name: "n", Task: "t", Crontab: "61 2 * * *"}, "invalid crontab"},
		{"missing_name", ScheduledTask{Task: "t", EverySeconds: 60}, "name is required"},
		{"missing_task", ScheduledTask{Name: "n", EverySeconds: 60}, "task identifier is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScheduledTask_DueAt_Interval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	task := ScheduledTask{Name: "n", Task: "t", EverySeconds: 60}
	due, err := task.DueAt(now)
	require.NoError(t, err)
	assert.Equal(t, now, due, "a task that never ran is due immediately")

	task.LastRunAt = now.Add(-30 * time.Second)
	due, err = task.DueAt(now)
	require.NoError(t, err)
	assert.True(t, due.IsZero())

	task.LastRunAt = now.Add(-2 * time.Minute)
	due, err = task.DueAt(now)
	require.NoError(t, err)
	assert.Equal(t, task.LastRunAt.Add(time.Minute), due)
}

func TestScheduledTask_DueAt_Crontab(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	boundary := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	task := ScheduledTask{Name: "n", Task: "t", Crontab: "0 10 * * *", CreatedAt: created}

	due, err := task.DueAt(created.Add(15 * time.Minute))
	require.NoError(t, err)
	assert.True(t, due.IsZero(), "not due before the first boundary")

	due, err = task.DueAt(boundary.Add(5 * time.Minute))
	require.NoError(t, err)
	assert.True(t, due.Equal(boundary), "due at the boundary itself")

	// After the run, nothing until tomorrow.
	task.LastRunAt = boundary.Add(5 * time.Minute)
	due, err = task.DueAt(boundary.Add(20 * time.Minute))
	require.NoError(t, err)
	assert.True(t, due.IsZero())

	// Two missed days collapse into a single dispatch.
	due, err = task.DueAt(boundary.Add(49 * time.Hour))
	require.NoError(t, err)
	assert.True(t, due.Equal(boundary.Add(24*time.Hour)))

	bad := ScheduledTask{Name: "n", Task: "t", Crontab: "banana"}
	_, err = bad.DueAt(created)
	require.Error(t, err)

	none := ScheduledTask{Name: "n", Task: "t"}
	_, err = none.DueAt(created)
	require.Error(t, err)
}

func TestScheduledTask_Expired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	task := ScheduledTask{}
	assert.False(t, task.Expired(now), "no expiry set")
	task.ExpiresAt = now.Add(time.Hour)
	assert.False(t, task.Expired(now))
	task.ExpiresAt = now.Add(-time.Hour)
	assert.True(t, task.Expired(now))
}

func TestMemoryStore_TaskLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	require.Error(t, store.CreateTask(ctx, &ScheduledTask{Name: "n", Task: "t"}), "id is required")

	a := &ScheduledTask{ID: "s-1", Name: "beta", Task: "discover_topology", EverySeconds: 60, Enabled: true,
		Kwargs: broker.Kwargs{"username": "alice"}}
	b := &ScheduledTask{ID: "s-2", Name: "alpha", Task: "create_baseline", Crontab: "0 2 * * *", Enabled: true}
	require.NoError(t, store.CreateTask(ctx, a))
	require.NoError(t, store.CreateTask(ctx, b))
	require.Error(t, store.CreateTask(ctx, a), "duplicate id")

	got, err := store.GetTask(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Name)
	got.Kwargs["username"] = "mallory"
	again, err := store.GetTask(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Kwargs["username"], "returned rows are copies")

	list, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name, "listing is ordered by name")

	a.Name = "gamma"
	require.NoError(t, store.UpdateTask(ctx, a))
	got, err = store.GetTask(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "gamma", got.Name)

	require.ErrorIs(t, store.UpdateTask(ctx, &ScheduledTask{ID: "nope"}), ErrTaskNotFound)

	require.NoError(t, store.PutOwnership(ctx, &Ownership{ScheduledTaskID: "s-1", Username: "alice"}))
	require.NoError(t, store.DeleteTask(ctx, "s-1"))
	_, err = store.GetTask(ctx, "s-1")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = store.Owner(ctx, "s-1")
	require.ErrorIs(t, err, ErrOwnershipNotFound, "ownership goes with the task")
	require.ErrorIs(t, store.DeleteTask(ctx, "s-1"), ErrTaskNotFound)
}

func TestMemoryStore_MarkRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateTask(ctx, &ScheduledTask{ID: "s-1", Name: "n", Task: "t", EverySeconds: 60, Enabled: true}))
	require.NoError(t, store.MarkRun(ctx, "s-1", at))
	require.NoError(t, store.MarkRun(ctx, "s-1", at.Add(time.Minute)))

	got, err := store.GetTask(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalRunCount)
	assert.True(t, got.LastRunAt.Equal(at.Add(time.Minute)))
	assert.True(t, got.Enabled, "interval tasks stay enabled")

	require.NoError(t, store.CreateTask(ctx, &ScheduledTask{ID: "s-2", Name: "o", Task: "t", EverySeconds: 60, Enabled: true, OneOff: true}))
	require.NoError(t, store.MarkRun(ctx, "s-2", at))
	got, err = store.GetTask(ctx, "s-2")
	require.NoError(t, err)
	assert.False(t, got.Enabled, "one-off tasks disable after the dispatch")

	require.ErrorIs(t, store.MarkRun(ctx, "nope", at), ErrTaskNotFound)
}

func TestMemoryStore_Ownership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.PutOwnership(ctx, &Ownership{ScheduledTaskID: "ghost", Username: "alice"})
	require.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, store.CreateTask(ctx, &ScheduledTask{ID: "s-1", Name: "n", Task: "t", EverySeconds: 60}))
	require.NoError(t, store.PutOwnership(ctx, &Ownership{ScheduledTaskID: "s-1", Username: "alice", UserID: "u-7"}))

	owner, err := store.Owner(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = store.Owner(ctx, "ghost")
	require.ErrorIs(t, err, ErrOwnershipNotFound)
}
