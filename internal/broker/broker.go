// Package broker carries task messages between the API, the beat, and the
// workers, and stores task state in a result backend. The backend is the
// authoritative record of job progress: the progress endpoint reconstructs
// everything from task and group records, there is no in-process job table.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a task in this state will never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Message is one queued task invocation. Kwargs carry the task arguments;
// values survive a JSON round-trip, so readers must accept the decoded
// shapes (float64 numbers, []any lists).
type Message struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Kwargs     Kwargs    `json:"kwargs,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// DueAt is stamped by the beat for scheduled dispatches.
	DueAt time.Time `json:"due_at,omitempty"`
}

// TaskRecord is the result-backend entry for one task.
type TaskRecord struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	State     State           `json:"state"`
	GroupID   string          `json:"group_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Progress  int             `json:"progress"`
	Step      string          `json:"current_step,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GroupRecord ties an orchestrator task to the children it spawned. Device
// ids are stored alongside the task ids so observers can reconstruct
// per-device state without consulting the orchestrator's kwargs.
type GroupRecord struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	TaskIDs   []string  `json:"task_ids"`
	DeviceIDs []string  `json:"device_ids"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrTaskNotFound  = errors.New("task not found in result backend")
	ErrGroupNotFound = errors.New("group not found in result backend")
)

// Queue dispatches and delivers task messages. Enqueue never blocks on
// consumers; Dequeue blocks up to timeout and returns (nil, nil) when no
// message arrived.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)
	Depth(ctx context.Context) (int64, error)
}

// Backend stores task and group state, revocation flags, and worker
// liveness. Task records have a single writer at a time (the worker running
// the task), so writes are whole-record puts.
type Backend interface {
	PutTask(ctx context.Context, rec *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	PutGroup(ctx context.Context, g *GroupRecord) error
	GetGroup(ctx context.Context, id string) (*GroupRecord, error)

	// Revoke marks a task cancelled-on-sight: pending tasks are dropped by
	// the worker, running tasks observe the flag between commands.
	Revoke(ctx context.Context, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)

	Heartbeat(ctx context.Context, workerID string, at time.Time) error
	RemoveWorker(ctx context.Context, workerID string) error
	Workers(ctx context.Context) (map[string]time.Time, error)

	// PruneResults deletes task and group records last updated before
	// cutoff, returning how many were removed.
	PruneResults(ctx context.Context, cutoff time.Time) (int64, error)
}

// Broker joins the queue and the backend, the shape every consumer wants.
type Broker interface {
	Queue
	Backend
	Ping(ctx context.Context) error
}
