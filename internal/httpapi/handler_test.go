package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/scheduler"
)

func TestAuth_MissingCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.doAnon(http.MethodGet, "/credentials", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	var body errorResponse
	parseBody(t, w, &body)
	assert.Equal(t, http.StatusUnauthorized, body.Code)
}

func TestAuth_InvalidCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.doAs("alice", "wrong", http.MethodGet, "/credentials", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.doAs("ghost", "secret", http.MethodGet, "/credentials", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_BackendUnavailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.auth.err = errors.New("connection refused")

	w := e.do(http.MethodGet, "/credentials", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body errorResponse
	parseBody(t, w, &body)
	assert.Equal(t, "authentication unavailable", body.Error)
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.doAnon(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	parseBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics_NoAuthRequired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.doAnon(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.doAnon(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	e.dbErr = errors.New("pool exhausted")
	w = e.doAnon(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	parseBody(t, w, &body)
	assert.Equal(t, "database", body["component"])

	e.dbErr = nil
	e.broker.pingErr = errors.New("redis down")
	w = e.doAnon(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	parseBody(t, w, &body)
	assert.Equal(t, "broker", body["component"])
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodDelete, "/topology/build", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMalformedJSONBody(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodPost, "/discover-sync", `{"device_ids": [`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	parseBody(t, w, &body)
	assert.Contains(t, body.Error, "invalid json")
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{broker.ErrTaskNotFound, http.StatusNotFound},
		{scheduler.ErrTaskNotFound, http.StatusNotFound},
		{scheduler.ErrOwnershipNotFound, http.StatusNotFound},
		{baseline.ErrBaselineNotFound, http.StatusNotFound},
		{netstate.ErrBlobNotFound, http.StatusNotFound},
		{netstate.ErrTopoDeviceNotFound, http.StatusNotFound},
		{netstate.ErrReplaceConflict, http.StatusConflict},
		{credstore.ErrMissingCredentials, http.StatusBadRequest},
		{fmt.Errorf("failed to read blob: %w", netstate.ErrBlobNotFound), http.StatusNotFound},
		{errkind.New(errkind.DeviceNotFound, "no such device"), http.StatusNotFound},
		{errkind.New(errkind.MissingCredentials, "no credential for bob"), http.StatusBadRequest},
		{errkind.New(errkind.CacheConflict, "writer raced"), http.StatusConflict},
		{errkind.Wrap(errkind.BrokerUnavailable, errors.New("redis down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusOf(tc.err), "error %v", tc.err)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	srv, err := New(e.cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}
