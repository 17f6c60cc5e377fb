package discovery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/parser"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockExec struct {
	batch func(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult
}

func (m *mockExec) Batch(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult {
	return m.batch(ctx, deviceID, commands, opts, fn)
}

// okBatch runs every command successfully and honors the continuation
// callback the way the real executor does.
func okBatch(ctx context.Context, deviceID string, commands []string, _ executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult {
	var out []executor.CommandResult
	for _, c := range commands {
		res := executor.CommandResult{
			DeviceID:    deviceID,
			DeviceName:  "name-" + deviceID,
			Command:     c,
			Success:     true,
			RecordCount: 1,
		}
		out = append(out, res)
		if fn != nil && !fn(res) {
			break
		}
	}
	return out
}

func newRunner(t *testing.T, exec Exec) *Runner {
	t.Helper()
	r, err := NewRunner(&RunnerConfig{
		Logger: newTestLogger(),
		Exec:   exec,
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return r
}

func TestRequest_Validate_RequiresDeviceIDs(t *testing.T) {
	t.Parallel()
	req := Request{}
	require.Error(t, req.Validate())

	req = Request{DeviceIDs: []string{"dev-1", ""}}
	require.Error(t, req.Validate())
}

func TestRequest_Validate_DeduplicatesAndNormalizes(t *testing.T) {
	t.Parallel()
	req := Request{
		DeviceIDs:     []string{"dev-2", "dev-1", "dev-2"},
		IncludeRoutes: true,
		RouteTypes:    []string{"BGP", "static"},
	}
	require.NoError(t, req.Validate())
	assert.Equal(t, []string{"dev-2", "dev-1"}, req.DeviceIDs)
	assert.Equal(t, []string{"bgp", "static"}, req.RouteTypes)
}

func TestRequest_Validate_RejectsUnknownRouteType(t *testing.T) {
	t.Parallel()
	req := Request{DeviceIDs: []string{"dev-1"}, RouteTypes: []string{"rip"}}
	require.Error(t, req.Validate())
}

func TestRequest_Commands_DefaultsToFullCatalog(t *testing.T) {
	t.Parallel()
	req := Request{DeviceIDs: []string{"dev-1"}}
	assert.Equal(t, parser.Commands(), req.Commands())
}

func TestRequest_Commands_HonorsIncludeFlags(t *testing.T) {
	t.Parallel()

	req := Request{DeviceIDs: []string{"dev-1"}, IncludeARP: true}
	assert.Equal(t, []string{"show ip arp"}, req.Commands())

	req = Request{DeviceIDs: []string{"dev-1"}, IncludeInterfaces: true, IncludeRoutes: true, RouteTypes: []string{"bgp"}}
	assert.Equal(t, []string{"show interfaces", "show ip route bgp"}, req.Commands())

	req = Request{DeviceIDs: []string{"dev-1"}, IncludeRoutes: true}
	assert.Equal(t, []string{
		"show ip route static",
		"show ip route ospf",
		"show ip route bgp",
	}, req.Commands())
}

func TestRequest_UseCache_DefaultsTrue(t *testing.T) {
	t.Parallel()
	req := Request{}
	assert.True(t, req.UseCache())

	no := false
	req.CacheResults = &no
	assert.False(t, req.UseCache())
}

func TestProgressAfter_FullCatalog(t *testing.T) {
	t.Parallel()
	commands := parser.Commands()
	want := []int{20, 40, 60, 80, 80, 80, 100}
	for i := range commands {
		assert.Equal(t, want[i], progressAfter(commands, i), "command %d", i)
	}
}

func TestProgressAfter_ScalesToSubset(t *testing.T) {
	t.Parallel()

	commands := []string{"show ip arp", "show cdp neighbors"}
	assert.Equal(t, 50, progressAfter(commands, 0))
	assert.Equal(t, 100, progressAfter(commands, 1))

	routes := []string{"show ip route static", "show ip route ospf", "show ip route bgp"}
	assert.Equal(t, 0, progressAfter(routes, 0))
	assert.Equal(t, 0, progressAfter(routes, 1))
	assert.Equal(t, 100, progressAfter(routes, 2))
}

func TestNewDeviceResult_SuccessIfAnyCommandSucceeded(t *testing.T) {
	t.Parallel()
	dr := NewDeviceResult("dev-1", []executor.CommandResult{
		{DeviceID: "dev-1", DeviceName: "core-sw-01", Command: "show interfaces", Success: false, ErrorKind: errkind.Timeout, Error: "timeout: read timed out"},
		{DeviceID: "dev-1", DeviceName: "core-sw-01", Command: "show ip arp", Success: true},
	})
	assert.True(t, dr.Success)
	assert.Equal(t, "core-sw-01", dr.DeviceName)
	assert.Empty(t, dr.Error)
}

func TestNewDeviceResult_CarriesFirstFailure(t *testing.T) {
	t.Parallel()
	dr := NewDeviceResult("dev-1", []executor.CommandResult{
		{DeviceID: "dev-1", Command: "show interfaces", ErrorKind: errkind.DeviceNotFound, Error: "device_not_found: no such device"},
		{DeviceID: "dev-1", Command: "show ip arp", ErrorKind: errkind.DeviceNotFound, Error: "device_not_found: no such device"},
	})
	assert.False(t, dr.Success)
	assert.Equal(t, errkind.DeviceNotFound, dr.ErrorKind)
	assert.Equal(t, "device_not_found: no such device", dr.Error)
}

func TestAggregate_CountsAndErrors(t *testing.T) {
	t.Parallel()
	res := Aggregate([]DeviceResult{
		{DeviceID: "dev-1", Success: true},
		{DeviceID: "dev-2", Error: "unreachable: dial tcp"},
		{DeviceID: "dev-3"},
	})
	assert.Equal(t, 3, res.TotalDevices)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, "unreachable: dial tcp", res.Errors["dev-2"])
	assert.Equal(t, "device discovery failed", res.Errors["dev-3"])
}

func TestRunner_Run_AggregatesAllDevices(t *testing.T) {
	t.Parallel()
	r := newRunner(t, &mockExec{batch: okBatch})

	res := r.Run(context.Background(), Request{DeviceIDs: []string{"dev-1", "dev-2", "dev-3"}}, "alice")
	assert.Equal(t, 3, res.TotalDevices)
	assert.Equal(t, 3, res.Successful)
	assert.Zero(t, res.Failed)
	assert.Nil(t, res.Errors)
	require.Len(t, res.Devices, 3)
	ids := map[string]bool{}
	for _, d := range res.Devices {
		ids[d.DeviceID] = true
		assert.Len(t, d.Commands, len(parser.Commands()))
	}
	assert.Equal(t, map[string]bool{"dev-1": true, "dev-2": true, "dev-3": true}, ids)
}

func TestRunner_Run_PropagatesOptions(t *testing.T) {
	t.Parallel()
	var got executor.Options
	exec := &mockExec{batch: func(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult {
		got = opts
		return okBatch(ctx, deviceID, commands, opts, fn)
	}}
	r := newRunner(t, exec)

	no := false
	r.Run(context.Background(), Request{DeviceIDs: []string{"dev-1"}, CacheResults: &no}, "alice")
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.UseCache)
}

func TestRunner_Run_PerDeviceFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	exec := &mockExec{batch: func(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult {
		if deviceID == "dev-2" {
			var out []executor.CommandResult
			for _, c := range commands {
				res := executor.CommandResult{
					DeviceID:  deviceID,
					Command:   c,
					ErrorKind: errkind.Unreachable,
					Error:     "unreachable: dial tcp 10.0.0.2:22",
				}
				out = append(out, res)
				if fn != nil && !fn(res) {
					break
				}
			}
			return out
		}
		return okBatch(ctx, deviceID, commands, opts, fn)
	}}
	r := newRunner(t, exec)

	res := r.Run(context.Background(), Request{DeviceIDs: []string{"dev-1", "dev-2"}}, "alice")
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "unreachable: dial tcp 10.0.0.2:22", res.Errors["dev-2"])
}

func TestRunner_RunDevice_ObserveSeesProgressSteps(t *testing.T) {
	t.Parallel()
	r := newRunner(t, &mockExec{batch: okBatch})

	var pcts []int
	dr := r.RunDevice(context.Background(), "dev-1", parser.Commands(), executor.DefaultOptions("alice"), func(pct int, res executor.CommandResult) bool {
		pcts = append(pcts, pct)
		return true
	})
	assert.True(t, dr.Success)
	assert.Equal(t, []int{20, 40, 60, 80, 80, 80, 100}, pcts)
}

func TestRunner_RunDevice_ObserveCanStopEarly(t *testing.T) {
	t.Parallel()
	r := newRunner(t, &mockExec{batch: okBatch})

	calls := 0
	dr := r.RunDevice(context.Background(), "dev-1", parser.Commands(), executor.DefaultOptions("alice"), func(int, executor.CommandResult) bool {
		calls++
		return calls < 2
	})
	assert.Equal(t, 2, calls)
	assert.Len(t, dr.Commands, 2)
}

func TestJob_KwargsRoundTrip(t *testing.T) {
	t.Parallel()
	no := false
	req := Request{DeviceIDs: []string{"dev-1", "dev-2"}, IncludeARP: true, CacheResults: &no}

	// Kwargs cross the queue as JSON; decode must accept the []any shape.
	raw, err := json.Marshal(req.Kwargs("alice"))
	require.NoError(t, err)
	var kw broker.Kwargs
	require.NoError(t, json.Unmarshal(raw, &kw))

	job := JobFromKwargs(kw)
	assert.Equal(t, []string{"dev-1", "dev-2"}, job.DeviceIDs)
	assert.Equal(t, []string{"show ip arp"}, job.Commands)
	assert.False(t, job.CacheResults)
	assert.Equal(t, "alice", job.Username)
}

func TestChildJob_KwargsRoundTrip(t *testing.T) {
	t.Parallel()
	job := Job{DeviceIDs: []string{"dev-1"}, Commands: []string{"show ip arp"}, CacheResults: false, Username: "alice"}

	raw, err := json.Marshal(job.ChildKwargs("dev-1"))
	require.NoError(t, err)
	var kw broker.Kwargs
	require.NoError(t, json.Unmarshal(raw, &kw))

	child, err := ChildFromKwargs(kw)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", child.DeviceID)
	assert.Equal(t, []string{"show ip arp"}, child.Commands)
	assert.False(t, child.CacheResults)
	assert.Equal(t, "alice", child.Username)

	opts := child.Options()
	assert.Equal(t, "alice", opts.Username)
	assert.False(t, opts.UseCache)
}

func TestJobFromKwargs_EmptyDeviceIDsMeansFleet(t *testing.T) {
	t.Parallel()
	job := JobFromKwargs(broker.Kwargs{"username": "alice"})
	assert.Empty(t, job.DeviceIDs)
	assert.Equal(t, parser.Commands(), job.Commands)
	assert.True(t, job.CacheResults)
	assert.Equal(t, "alice", job.Username)
}

func newJobs(t *testing.T, b broker.Broker) *Jobs {
	t.Helper()
	j, err := NewJobs(&JobsConfig{Logger: newTestLogger(), Broker: b, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return j
}

func TestJobs_Dispatch_WritesPendingRecordAndEnqueues(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	ctx := context.Background()

	id, err := jobs.Dispatch(ctx, Request{DeviceIDs: []string{"dev-1", "dev-2"}}, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := b.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, broker.StatePending, rec.State)
	assert.Equal(t, TaskDiscoverTopology, rec.Task)

	msg, err := b.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, TaskDiscoverTopology, msg.Task)
	assert.Equal(t, []string{"dev-1", "dev-2"}, msg.Kwargs.Strings("device_ids"))
	assert.Equal(t, "alice", msg.Kwargs["username"])
}

// seedJob writes an orchestrator record, its group, and two child records
// so progress reconstruction can be exercised without a worker.
func seedJob(t *testing.T, b broker.Broker, childStates [2]broker.State, childPcts [2]int) (jobID string, childIDs [2]string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	jobID = "job-1"
	childIDs = [2]string{"child-1", "child-2"}
	require.NoError(t, b.PutTask(ctx, &broker.TaskRecord{
		ID: jobID, Task: TaskDiscoverTopology, State: broker.StateCompleted,
		GroupID: "grp-1", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, b.PutGroup(ctx, &broker.GroupRecord{
		ID: "grp-1", ParentID: jobID,
		TaskIDs:   childIDs[:],
		DeviceIDs: []string{"dev-1", "dev-2"},
		CreatedAt: now,
	}))
	for i, id := range childIDs {
		require.NoError(t, b.PutTask(ctx, &broker.TaskRecord{
			ID: id, Task: TaskDiscoverSingleDevice, State: childStates[i],
			GroupID: "grp-1", DeviceID: []string{"dev-1", "dev-2"}[i],
			Progress: childPcts[i], CreatedAt: now, UpdatedAt: now,
		}))
	}
	return jobID, childIDs
}

func TestJobs_Progress_RunningChildren(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	jobID, _ := seedJob(t, b, [2]broker.State{broker.StateCompleted, broker.StateRunning}, [2]int{60, 40})

	p, err := jobs.Progress(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateRunning, p.Status)
	assert.Equal(t, 2, p.TotalDevices)
	assert.Equal(t, 1, p.Completed)
	assert.Zero(t, p.Failed)
	// Completed child is forced to 100 regardless of its stored percent.
	assert.Equal(t, 70, p.ProgressPct)
	require.Len(t, p.Devices, 2)
	assert.Equal(t, "dev-1", p.Devices[0].DeviceID)
	assert.Equal(t, 100, p.Devices[0].ProgressPct)
	assert.Equal(t, "dev-2", p.Devices[1].DeviceID)
	assert.Equal(t, 40, p.Devices[1].ProgressPct)
}

func TestJobs_Progress_CompletedIfAnyChildSucceeded(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	jobID, _ := seedJob(t, b, [2]broker.State{broker.StateCompleted, broker.StateFailed}, [2]int{100, 40})

	p, err := jobs.Progress(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCompleted, p.Status)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Failed)
}

func TestJobs_Progress_FailedWhenAllChildrenFailed(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	jobID, _ := seedJob(t, b, [2]broker.State{broker.StateFailed, broker.StateFailed}, [2]int{20, 0})

	p, err := jobs.Progress(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateFailed, p.Status)
	assert.Equal(t, 2, p.Failed)
}

func TestJobs_Progress_PendingBeforePickup(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	ctx := context.Background()

	id, err := jobs.Dispatch(ctx, Request{DeviceIDs: []string{"dev-1"}}, "alice")
	require.NoError(t, err)

	p, err := jobs.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, broker.StatePending, p.Status)
	assert.Zero(t, p.TotalDevices)
	assert.Empty(t, p.Devices)
}

func TestJobs_Progress_MissingChildCountsPending(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, b.PutTask(ctx, &broker.TaskRecord{
		ID: "job-1", Task: TaskDiscoverTopology, State: broker.StateRunning,
		GroupID: "grp-1", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, b.PutGroup(ctx, &broker.GroupRecord{
		ID: "grp-1", ParentID: "job-1",
		TaskIDs: []string{"child-1"}, DeviceIDs: []string{"dev-1"},
		CreatedAt: now,
	}))

	p, err := jobs.Progress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, broker.StateRunning, p.Status)
	require.Len(t, p.Devices, 1)
	assert.Equal(t, broker.StatePending, p.Devices[0].Status)
}

func TestJobs_Progress_UnknownJob(t *testing.T) {
	t.Parallel()
	jobs := newJobs(t, broker.NewMemory())

	_, err := jobs.Progress(context.Background(), "nope")
	require.ErrorIs(t, err, broker.ErrTaskNotFound)
}

func TestJobs_Cancel_RevokesPendingAndRunningChildren(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	ctx := context.Background()
	jobID, childIDs := seedJob(t, b, [2]broker.State{broker.StatePending, broker.StateRunning}, [2]int{0, 40})

	require.NoError(t, jobs.Cancel(ctx, jobID))

	rec, err := b.GetTask(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, rec.State)

	// Pending child flips to cancelled outright; the running child keeps
	// its state and observes the revocation between commands.
	first, err := b.GetTask(ctx, childIDs[0])
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, first.State)

	second, err := b.GetTask(ctx, childIDs[1])
	require.NoError(t, err)
	assert.Equal(t, broker.StateRunning, second.State)

	for _, id := range childIDs {
		revoked, err := b.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.True(t, revoked, "child %s", id)
	}

	p, err := jobs.Progress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, p.Status)
}

func TestJobs_Cancel_BeforePickup(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	ctx := context.Background()

	id, err := jobs.Dispatch(ctx, Request{DeviceIDs: []string{"dev-1"}}, "alice")
	require.NoError(t, err)
	require.NoError(t, jobs.Cancel(ctx, id))

	rec, err := b.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, rec.State)
	revoked, err := b.IsRevoked(ctx, id)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestJobs_Cancel_AfterAllChildrenTerminalIsNoOp(t *testing.T) {
	t.Parallel()
	b := broker.NewMemory()
	jobs := newJobs(t, b)
	ctx := context.Background()
	jobID, childIDs := seedJob(t, b, [2]broker.State{broker.StateCompleted, broker.StateFailed}, [2]int{100, 40})

	require.NoError(t, jobs.Cancel(ctx, jobID))
	for _, id := range childIDs {
		revoked, err := b.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.False(t, revoked)
	}

	// The job outcome stands: one child succeeded, so the job completed.
	p, err := jobs.Progress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCompleted, p.Status)
}
