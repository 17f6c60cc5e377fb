package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/parser"
)

func TestDiscoverSync(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodPost, "/discover-sync", map[string]any{
		"device_ids": []string{"dev-1", "dev-2"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res discovery.Result
	parseBody(t, w, &res)
	assert.Equal(t, 2, res.TotalDevices)
	assert.Equal(t, 2, res.Successful)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Devices, 2)
	assert.Len(t, res.Devices[0].Commands, len(parser.Commands()))
}

func TestDiscoverSync_RefusesLargeFleet(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ids := []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5", "dev-6"}
	w := e.do(http.MethodPost, "/discover-sync", map[string]any{"device_ids": ids})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	parseBody(t, w, &body)
	assert.Contains(t, body.Error, "/discover-async")
}

func TestDiscoverSync_RequiresDeviceIDs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodPost, "/discover-sync", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	parseBody(t, w, &body)
	assert.Contains(t, body.Error, "device_ids")
}

func TestDiscoverAsync_QueuesJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	w := e.do(http.MethodPost, "/discover-async", map[string]any{
		"device_ids": []string{"dev-1", "dev-2"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body map[string]string
	parseBody(t, w, &body)
	jobID := body["job_id"]
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", body["status"])

	rec, err := e.broker.GetTask(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatePending, rec.State)

	// The dispatch runs under the authenticated caller, not whatever the
	// body might claim.
	msg, err := e.broker.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "alice", msg.Kwargs["username"])
}

func TestDiscoverProgress(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodPost, "/discover-async", map[string]any{"device_ids": []string{"dev-1"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	parseBody(t, w, &created)

	w = e.do(http.MethodGet, "/discover/progress/"+created["job_id"], nil)
	require.Equal(t, http.StatusOK, w.Code)

	var p discovery.Progress
	parseBody(t, w, &p)
	assert.Equal(t, created["job_id"], p.JobID)
	assert.Equal(t, broker.StatePending, p.Status)
}

func TestDiscoverProgress_UnknownJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodGet, "/discover/progress/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiscoverCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	w := e.do(http.MethodPost, "/discover-async", map[string]any{"device_ids": []string{"dev-1"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	parseBody(t, w, &created)
	jobID := created["job_id"]

	w = e.do(http.MethodDelete, "/discover/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	parseBody(t, w, &body)
	assert.Equal(t, "cancelled", body["status"])

	rec, err := e.broker.GetTask(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, rec.State)
	revoked, err := e.broker.IsRevoked(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestDiscoverCancel_UnknownJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodDelete, "/discover/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiscoverWorkers(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	now := e.clock.Now()

	require.NoError(t, e.broker.Heartbeat(ctx, "worker-b", now.Add(-90*time.Second)))
	require.NoError(t, e.broker.Heartbeat(ctx, "worker-a", now.Add(-5*time.Second)))
	require.NoError(t, e.broker.Enqueue(ctx, &broker.Message{ID: "t-1", Task: "discover_topology"}))

	w := e.do(http.MethodGet, "/discover/workers", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body workersResponse
	parseBody(t, w, &body)
	assert.Equal(t, int64(1), body.QueueDepth)
	require.Len(t, body.Workers, 2)
	assert.Equal(t, "worker-a", body.Workers[0].ID)
	assert.True(t, body.Workers[0].Alive)
	assert.Equal(t, "worker-b", body.Workers[1].ID)
	assert.False(t, body.Workers[1].Alive, "a heartbeat older than three intervals is stale")
}
