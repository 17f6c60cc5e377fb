package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spinelabs/spine/internal/discovery"
)

// workerStaleAfter is three missed heartbeats at the default interval.
const workerStaleAfter = 45 * time.Second

// handleDiscoverSync runs discovery inline and holds the request open until
// every device finished. Large fleets are refused; the queued path exists
// for those.
func (h *Handler) handleDiscoverSync(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.DeviceIDs) > discovery.MaxSyncDevices {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf(
			"%d devices exceed the synchronous limit of %d, use /discover-async",
			len(req.DeviceIDs), discovery.MaxSyncDevices))
		return
	}

	username := usernameFrom(r.Context())
	h.log.Info("sync discovery requested", "devices", len(req.DeviceIDs), "username", username)
	res := h.runner.Run(r.Context(), req, username)
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDiscoverAsync(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := h.jobs.Dispatch(r.Context(), req, usernameFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "queued"})
}

func (h *Handler) handleDiscoverProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.jobs.Progress(r.Context(), r.PathValue("job_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDiscoverCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("discovery job cancelled", "job_id", jobID, "username", usernameFrom(r.Context()))
	h.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelled"})
}

type workerStatus struct {
	ID            string    `json:"id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Alive         bool      `json:"alive"`
}

type workersResponse struct {
	Workers    []workerStatus `json:"workers"`
	QueueDepth int64          `json:"queue_depth"`
}

func (h *Handler) handleDiscoverWorkers(w http.ResponseWriter, r *http.Request) {
	heartbeats, err := h.broker.Workers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	depth, err := h.broker.Depth(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.clock.Now()
	out := workersResponse{Workers: make([]workerStatus, 0, len(heartbeats)), QueueDepth: depth}
	for id, at := range heartbeats {
		out.Workers = append(out.Workers, workerStatus{
			ID:            id,
			LastHeartbeat: at.UTC(),
			Alive:         now.Sub(at) <= workerStaleAfter,
		})
	}
	sort.Slice(out.Workers, func(i, j int) bool { return out.Workers[i].ID < out.Workers[j].ID })
	h.writeJSON(w, http.StatusOK, out)
}
