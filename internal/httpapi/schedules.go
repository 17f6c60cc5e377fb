package httpapi

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/scheduler"
	"github.com/spinelabs/spine/internal/tasks"
)

type scheduleRequest struct {
	Name         string        `json:"name"`
	Task         string        `json:"task"`
	Kwargs       broker.Kwargs `json:"kwargs,omitempty"`
	EverySeconds int           `json:"every_seconds,omitempty"`
	Crontab      string        `json:"crontab,omitempty"`
	Enabled      *bool         `json:"enabled,omitempty"`
	OneOff       bool          `json:"one_off,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
}

func (h *Handler) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	ts, err := h.schedules.ListTasks(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ts == nil {
		ts = []scheduler.ScheduledTask{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": ts})
}

// handleScheduleCreate registers a periodic task and pins its ownership to
// the caller. The stored kwargs also carry the username, but the ownership
// row is what the worker trusts at execution time.
func (h *Handler) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !slices.Contains(tasks.Schedulable(), req.Task) {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown task %q", req.Task))
		return
	}

	username := usernameFrom(r.Context())
	now := h.clock.Now().UTC()
	t := &scheduler.ScheduledTask{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Task:         req.Task,
		Kwargs:       stampUsername(req.Kwargs, username),
		EverySeconds: req.EverySeconds,
		Crontab:      req.Crontab,
		Enabled:      req.Enabled == nil || *req.Enabled,
		OneOff:       req.OneOff,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.Validate(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.schedules.CreateTask(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.schedules.PutOwnership(r.Context(), &scheduler.Ownership{ScheduledTaskID: t.ID, Username: username}); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("schedule created", "id", t.ID, "name", t.Name, "task", t.Task, "username", username)
	h.writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.schedules.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// handleScheduleUpdate replaces the schedule definition. Bookkeeping fields
// and the ownership row survive the update; omitting enabled keeps the
// current value.
func (h *Handler) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	current, err := h.schedules.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req scheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !slices.Contains(tasks.Schedulable(), req.Task) {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown task %q", req.Task))
		return
	}

	updated := &scheduler.ScheduledTask{
		ID:            current.ID,
		Name:          req.Name,
		Task:          req.Task,
		Kwargs:        req.Kwargs,
		EverySeconds:  req.EverySeconds,
		Crontab:       req.Crontab,
		Enabled:       current.Enabled,
		OneOff:        req.OneOff,
		ExpiresAt:     req.ExpiresAt,
		LastRunAt:     current.LastRunAt,
		TotalRunCount: current.TotalRunCount,
		CreatedAt:     current.CreatedAt,
		UpdatedAt:     h.clock.Now().UTC(),
	}
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	if err := updated.Validate(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.schedules.UpdateTask(r.Context(), updated); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("schedule updated", "id", updated.ID, "name", updated.Name, "username", usernameFrom(r.Context()))
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.schedules.DeleteTask(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("schedule deleted", "id", id, "username", usernameFrom(r.Context()))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (h *Handler) handleScheduleAvailable(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks.Schedulable()})
}

// stampUsername records the creator in the kwargs without mutating the
// request's map.
func stampUsername(kw broker.Kwargs, username string) broker.Kwargs {
	out := make(broker.Kwargs, len(kw)+1)
	for k, v := range kw {
		out[k] = v
	}
	out["username"] = username
	return out
}
