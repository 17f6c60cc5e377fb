package httpapi

import (
	"net/http"
	"strconv"

	"github.com/spinelabs/spine/internal/baseline"
)

func (h *Handler) handleBaselineList(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	metas, err := h.baselines.ListBaselines(r.Context(), deviceID, r.URL.Query().Get("command"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if metas == nil {
		metas = []baseline.BaselineMeta{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "baselines": metas})
}

func (h *Handler) handleBaselineVersion(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		h.writeJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		h.writeJSONError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	b, err := h.baselines.GetBaseline(r.Context(), r.PathValue("device_id"), command, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

// handleBaselineDiff compares two stored versions. Omitted bounds pick the
// latest version and its predecessor.
func (h *Handler) handleBaselineDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	command := q.Get("command")
	if command == "" {
		h.writeJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	from, err := intParam(q, "from")
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := intParam(q, "to")
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.diff.DiffVersions(r.Context(), r.PathValue("device_id"), command, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}
