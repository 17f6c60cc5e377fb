package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker for tests. Semantics match the Redis
// implementation: FIFO delivery, whole-record puts, nil on poll timeout.
type Memory struct {
	mu      sync.Mutex
	queue   []*Message
	signal  chan struct{}
	tasks   map[string]*TaskRecord
	groups  map[string]*GroupRecord
	revoked map[string]bool
	workers map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		signal:  make(chan struct{}, 1),
		tasks:   make(map[string]*TaskRecord),
		groups:  make(map[string]*GroupRecord),
		revoked: make(map[string]bool),
		workers: make(map[string]time.Time),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Enqueue(_ context.Context, msg *Message) error {
	copied := *msg
	m.mu.Lock()
	m.queue = append(m.queue, &copied)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue = m.queue[1:]
			if len(m.queue) > 0 {
				select {
				case m.signal <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-m.signal:
		}
	}
}

func (m *Memory) Depth(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

func (m *Memory) PutTask(_ context.Context, rec *TaskRecord) error {
	copied := *rec
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = &copied
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *Memory) PutGroup(_ context.Context, g *GroupRecord) error {
	copied := *g
	copied.TaskIDs = append([]string(nil), g.TaskIDs...)
	copied.DeviceIDs = append([]string(nil), g.DeviceIDs...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = &copied
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id string) (*GroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	copied := *g
	copied.TaskIDs = append([]string(nil), g.TaskIDs...)
	copied.DeviceIDs = append([]string(nil), g.DeviceIDs...)
	return &copied, nil
}

func (m *Memory) Revoke(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[taskID] = true
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[taskID], nil
}

func (m *Memory) Heartbeat(_ context.Context, workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workerID] = at
	return nil
}

func (m *Memory) RemoveWorker(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	return nil
}

func (m *Memory) Workers(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	workers := make(map[string]time.Time, len(m.workers))
	for id, at := range m.workers {
		workers[id] = at
	}
	return workers, nil
}

func (m *Memory) PruneResults(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, rec := range m.tasks {
		last := rec.UpdatedAt
		if last.IsZero() {
			last = rec.CreatedAt
		}
		if !last.IsZero() && last.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	for id, g := range m.groups {
		if !g.CreatedAt.IsZero() && g.CreatedAt.Before(cutoff) {
			delete(m.groups, id)
			removed++
		}
	}
	return removed, nil
}
