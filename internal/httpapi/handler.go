// Package httpapi is the operator surface: discovery dispatch and
// progress, topology reads, cache management, schedules, baseline
// reads and credentials, plus health and metrics endpoints. Every
// domain route requires basic auth; the authenticated username scopes
// credential access and is recorded on created schedules.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/scheduler"
	"github.com/spinelabs/spine/internal/topology"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Authenticator checks an operator login. The relational store implements
// this over the users table.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// Pinger reports backend reachability for the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log       *slog.Logger
	auth      Authenticator
	db        Pinger
	broker    broker.Broker
	runner    *discovery.Runner
	jobs      *discovery.Jobs
	topo      *topology.Builder
	cache     *netstate.BlobCache
	schedules scheduler.Store
	baselines baseline.Store
	diff      *baseline.Engine
	creds     *credstore.Store
	clock     clockwork.Clock
}

func newHandler(cfg *Config) *Handler {
	return &Handler{
		log:       cfg.Logger,
		auth:      cfg.Auth,
		db:        cfg.DB,
		broker:    cfg.Broker,
		runner:    cfg.Runner,
		jobs:      cfg.Jobs,
		topo:      cfg.Topology,
		cache:     cfg.Cache,
		schedules: cfg.Schedules,
		baselines: cfg.Baselines,
		diff:      cfg.Diff,
		creds:     cfg.Credentials,
		clock:     cfg.Clock,
	}
}

// Register wires every route. Health and metrics stay unauthenticated so
// probes and scrapers need no accounts; everything else goes through the
// basic-auth wrapper.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /discover-sync", h.requireAuth(h.handleDiscoverSync))
	mux.HandleFunc("POST /discover-async", h.requireAuth(h.handleDiscoverAsync))
	mux.HandleFunc("GET /discover/progress/{job_id}", h.requireAuth(h.handleDiscoverProgress))
	mux.HandleFunc("DELETE /discover/{job_id}", h.requireAuth(h.handleDiscoverCancel))
	mux.HandleFunc("GET /discover/workers", h.requireAuth(h.handleDiscoverWorkers))

	mux.HandleFunc("GET /topology/build", h.requireAuth(h.handleTopologyBuildQuery))
	mux.HandleFunc("POST /topology/build", h.requireAuth(h.handleTopologyBuildBody))
	mux.HandleFunc("GET /topology/statistics", h.requireAuth(h.handleTopologyStatistics))
	mux.HandleFunc("POST /topology/resolve-neighbor", h.requireAuth(h.handleResolveNeighbor))

	mux.HandleFunc("GET /cache/json/{device_id}", h.requireAuth(h.handleCacheGet))
	mux.HandleFunc("POST /cache/json/{device_id}", h.requireAuth(h.handleCacheUpsert))
	mux.HandleFunc("DELETE /cache/json/{device_id}", h.requireAuth(h.handleCacheDelete))
	mux.HandleFunc("GET /cache/statistics", h.requireAuth(h.handleCacheStatistics))

	mux.HandleFunc("GET /scheduler/tasks", h.requireAuth(h.handleScheduleList))
	mux.HandleFunc("POST /scheduler/tasks", h.requireAuth(h.handleScheduleCreate))
	mux.HandleFunc("GET /scheduler/tasks/{id}", h.requireAuth(h.handleScheduleGet))
	mux.HandleFunc("PUT /scheduler/tasks/{id}", h.requireAuth(h.handleScheduleUpdate))
	mux.HandleFunc("DELETE /scheduler/tasks/{id}", h.requireAuth(h.handleScheduleDelete))
	mux.HandleFunc("GET /scheduler/available-tasks", h.requireAuth(h.handleScheduleAvailable))

	mux.HandleFunc("GET /baselines/{device_id}", h.requireAuth(h.handleBaselineList))
	mux.HandleFunc("GET /baselines/{device_id}/version/{version}", h.requireAuth(h.handleBaselineVersion))
	mux.HandleFunc("GET /baselines/{device_id}/diff", h.requireAuth(h.handleBaselineDiff))

	mux.HandleFunc("GET /credentials", h.requireAuth(h.handleCredentialList))
	mux.HandleFunc("POST /credentials", h.requireAuth(h.handleCredentialUpsert))
	mux.HandleFunc("DELETE /credentials/{name}", h.requireAuth(h.handleCredentialDelete))
}

type ctxKey int

const usernameKey ctxKey = 0

func withUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// usernameFrom returns the authenticated caller. Routes behind requireAuth
// always have one.
func usernameFrom(ctx context.Context) string {
	username, _ := ctx.Value(usernameKey).(string)
	return username
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="spine"`)
			h.writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		valid, err := h.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			h.log.Error("authentication check failed", "error", err)
			h.writeJSONError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		if !valid {
			w.Header().Set("WWW-Authenticate", `Basic realm="spine"`)
			h.writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r.WithContext(withUsername(r.Context(), username)))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg, Code: status})
}

// writeError maps a domain error onto its HTTP status. Unexpected errors
// are logged here, once, instead of in every handler.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSONError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, broker.ErrTaskNotFound),
		errors.Is(err, broker.ErrGroupNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, scheduler.ErrOwnershipNotFound),
		errors.Is(err, baseline.ErrBaselineNotFound),
		errors.Is(err, netstate.ErrBlobNotFound),
		errors.Is(err, netstate.ErrTopoDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, netstate.ErrReplaceConflict):
		return http.StatusConflict
	case errors.Is(err, credstore.ErrMissingCredentials):
		return http.StatusBadRequest
	}
	switch errkind.Of(err) {
	case errkind.DeviceNotFound:
		return http.StatusNotFound
	case errkind.MissingCredentials:
		return http.StatusBadRequest
	case errkind.CacheConflict:
		return http.StatusConflict
	case errkind.BrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst, answering the request itself when the
// body is oversized or malformed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the process can serve: the database and the
// broker must both answer.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.log.Warn("readiness check failed", "component", "database", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "component": "database"})
		return
	}
	if err := h.broker.Ping(r.Context()); err != nil {
		h.log.Warn("readiness check failed", "component", "broker", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "component": "broker"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
