package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/scheduler"
	"github.com/spinelabs/spine/internal/topology"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticAuth struct {
	users map[string]string
	err   error
}

func (a *staticAuth) Authenticate(_ context.Context, username, password string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return password != "" && a.users[username] == password, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// testBroker lets readiness tests fail the broker ping without tearing
// down the memory queue underneath.
type testBroker struct {
	*broker.Memory
	pingErr error
}

func (b *testBroker) Ping(ctx context.Context) error {
	if b.pingErr != nil {
		return b.pingErr
	}
	return b.Memory.Ping(ctx)
}

type fixedTTL time.Duration

func (d fixedTTL) BlobTTL(context.Context, string) time.Duration { return time.Duration(d) }

type mockExec struct {
	batch func(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult
}

func (m *mockExec) Batch(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult {
	return m.batch(ctx, deviceID, commands, opts, fn)
}

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

// env is a full handler over memory stores: real domain components, no
// network, no database.
type env struct {
	t         *testing.T
	cfg       *Config
	mux       *http.ServeMux
	clock     *clockwork.FakeClock
	auth      *staticAuth
	broker    *testBroker
	blobRows  *netstate.MemoryBlobRows
	cache     *netstate.BlobCache
	topoStore *netstate.MemoryTopoStore
	schedules *scheduler.MemoryStore
	baselines *baseline.MemoryStore
	creds     *credstore.Store
	exec      *mockExec
	dbErr     error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := newTestLogger()
	e := &env{
		t:         t,
		clock:     clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		auth:      &staticAuth{users: map[string]string{"alice": "secret", "bob": "hunter2"}},
		broker:    &testBroker{Memory: broker.NewMemory()},
		blobRows:  netstate.NewMemoryBlobRows(),
		topoStore: netstate.NewMemoryTopoStore(),
		schedules: scheduler.NewMemoryStore(),
		baselines: baseline.NewMemoryStore(),
		exec:      &mockExec{batch: okBatch},
	}

	cache, err := netstate.NewBlobCache(&netstate.BlobCacheConfig{
		Logger: log, Rows: e.blobRows, TTL: fixedTTL(5 * time.Minute), Clock: e.clock,
	})
	require.NoError(t, err)
	e.cache = cache

	runner, err := discovery.NewRunner(&discovery.RunnerConfig{Logger: log, Exec: e.exec, Clock: e.clock})
	require.NoError(t, err)
	jobs, err := discovery.NewJobs(&discovery.JobsConfig{Logger: log, Broker: e.broker, Clock: e.clock})
	require.NoError(t, err)
	topo, err := topology.New(&topology.Config{Logger: log, Store: e.topoStore})
	require.NoError(t, err)
	engine, err := baseline.New(&baseline.Config{Logger: log, Exec: e.exec, Store: e.baselines, Clock: e.clock})
	require.NoError(t, err)
	cipher, err := credstore.NewCipher(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	creds, err := credstore.NewStore(&credstore.StoreConfig{Logger: log, Rows: credstore.NewMemoryRows(), Cipher: cipher})
	require.NoError(t, err)
	e.creds = creds

	cfg := &Config{
		Logger:      log,
		Auth:        e.auth,
		DB:          pingFunc(func(context.Context) error { return e.dbErr }),
		Broker:      e.broker,
		Runner:      runner,
		Jobs:        jobs,
		Topology:    topo,
		Cache:       cache,
		Schedules:   e.schedules,
		Baselines:   e.baselines,
		Diff:        engine,
		Credentials: creds,
		Clock:       e.clock,
	}
	require.NoError(t, cfg.Validate())
	e.cfg = cfg

	e.mux = http.NewServeMux()
	newHandler(cfg).Register(e.mux)
	return e
}

// do issues a request as alice, the default test operator. A string body
// is sent verbatim; anything else is marshaled to JSON.
func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.doAs("alice", "secret", method, path, body)
}

func (e *env) doAs(username, password, method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	req := e.newRequest(method, path, body)
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *env) doAnon(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.doAs("", "", method, path, body)
}

func (e *env) newRequest(method, path string, body any) *http.Request {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			require.NoError(e.t, err)
			rd = bytes.NewReader(raw)
		}
	}
	return httptest.NewRequest(method, path, rd)
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), "body: %s", w.Body.String())
}
