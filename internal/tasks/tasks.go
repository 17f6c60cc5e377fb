// Package tasks is the queued execution layer: a registry binding task
// names to handlers, a worker that consumes broker messages and owns the
// record state transitions, and the handlers for discovery fan-out,
// baseline snapshots and housekeeping. Scheduled invocations pass an
// ownership guard before touching user-scoped credentials.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/discovery"
)

// TaskCleanupOldData is the housekeeping task identifier.
const TaskCleanupOldData = "cleanup_old_data"

// ErrCancelled is returned by a handler that observed revocation mid-run.
// The worker records the task as cancelled instead of failed.
var ErrCancelled = errors.New("task cancelled")

// Invocation hands a handler its queue message and the live result-backend
// record. Handlers may stash progress, step and result payloads on the
// record; the worker writes the terminal state.
type Invocation struct {
	Msg *broker.Message
	Rec *broker.TaskRecord
}

// Handler executes one task invocation. Nil marks the record completed,
// ErrCancelled marks it cancelled, any other error marks it failed.
type Handler func(ctx context.Context, inv *Invocation) error

// Registry maps task names to handlers. Registration happens during
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if h == nil {
		return fmt.Errorf("task %q has no handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("task %q is already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schedulable lists the task names the scheduler may dispatch. Child tasks
// spawned by orchestrators are excluded: they only make sense with a
// parent group around them.
func Schedulable() []string {
	return []string{
		discovery.TaskDiscoverTopology,
		baseline.TaskCreateBaseline,
		TaskCleanupOldData,
	}
}
