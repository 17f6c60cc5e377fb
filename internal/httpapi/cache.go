package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spinelabs/spine/internal/netstate"
)

// topDevicesLimit caps the per-device ranking in cache statistics.
const topDevicesLimit = 10

// cachedBlob is the wire shape of one cache row. Payloads are written by
// the executor as JSON record arrays, so they embed directly instead of
// round-tripping through base64.
type cachedBlob struct {
	DeviceID  string          `json:"device_id"`
	Command   string          `json:"command"`
	UpdatedAt time.Time       `json:"updated_at"`
	Valid     *bool           `json:"valid,omitempty"`
	Records   json.RawMessage `json:"records"`
}

func blobJSON(b *netstate.Blob, valid *bool) cachedBlob {
	return cachedBlob{
		DeviceID:  b.DeviceID,
		Command:   b.Command,
		UpdatedAt: b.UpdatedAt,
		Valid:     valid,
		Records:   json.RawMessage(b.Payload),
	}
}

// handleCacheGet returns one blob when ?command= is given, otherwise every
// blob cached for the device. The single-blob form reports TTL validity;
// the listing leaves freshness to the statistics endpoint.
func (h *Handler) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if command := r.URL.Query().Get("command"); command != "" {
		blob, valid, err := h.cache.Get(r.Context(), deviceID, command)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, blobJSON(blob, &valid))
		return
	}

	blobs, err := h.cache.List(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]cachedBlob, 0, len(blobs))
	for i := range blobs {
		out = append(out, blobJSON(&blobs[i], nil))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "blobs": out})
}

type cacheUpsertRequest struct {
	Command  string          `json:"command"`
	JSONData json.RawMessage `json:"json_data"`
}

func (h *Handler) handleCacheUpsert(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var req cacheUpsertRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		h.writeJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	if len(req.JSONData) == 0 || !json.Valid(req.JSONData) {
		h.writeJSONError(w, http.StatusBadRequest, "json_data must be valid json")
		return
	}

	if err := h.cache.Set(r.Context(), deviceID, req.Command, []byte(req.JSONData)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"device_id": deviceID, "command": req.Command})
}

func (h *Handler) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	command := r.URL.Query().Get("command")
	n, err := h.cache.Invalidate(r.Context(), deviceID, command)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "deleted": n})
}

func (h *Handler) handleCacheStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context(), topDevicesLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
