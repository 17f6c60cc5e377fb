package baseline

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps baseline versions in process memory, for tests and
// single-node development.
type MemoryStore struct {
	mu sync.Mutex
	// rows holds versions per (device, command) in ascending version order.
	rows map[string][]Baseline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Baseline)}
}

func storeKey(deviceID, command string) string {
	return deviceID + "\x00" + command
}

func (s *MemoryStore) InsertBaseline(_ context.Context, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(b.DeviceID, b.Command)
	versions := s.rows[key]
	if len(versions) == 0 {
		b.Version = 1
	} else {
		b.Version = versions[len(versions)-1].Version + 1
	}
	s.rows[key] = append(versions, *b)
	return nil
}

func (s *MemoryStore) GetBaseline(_ context.Context, deviceID, command string, version int) (*Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.rows[storeKey(deviceID, command)] {
		if b.Version == version {
			out := b
			return &out, nil
		}
	}
	return nil, ErrBaselineNotFound
}

func (s *MemoryStore) LatestBaseline(_ context.Context, deviceID, command string) (*Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.rows[storeKey(deviceID, command)]
	if len(versions) == 0 {
		return nil, ErrBaselineNotFound
	}
	out := versions[len(versions)-1]
	return &out, nil
}

func (s *MemoryStore) ListBaselines(_ context.Context, deviceID, command string) ([]BaselineMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var metas []BaselineMeta
	for _, versions := range s.rows {
		if len(versions) == 0 || versions[0].DeviceID != deviceID {
			continue
		}
		if command != "" && versions[0].Command != command {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- {
			b := versions[i]
			metas = append(metas, BaselineMeta{
				DeviceID:  b.DeviceID,
				Command:   b.Command,
				Version:   b.Version,
				Notes:     b.Notes,
				CreatedAt: b.CreatedAt,
			})
		}
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Command != metas[j].Command {
			return metas[i].Command < metas[j].Command
		}
		return metas[i].Version > metas[j].Version
	})
	return metas, nil
}

func (s *MemoryStore) PruneVersions(_ context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, versions := range s.rows {
		if len(versions) <= keep {
			continue
		}
		removed += int64(len(versions) - keep)
		s.rows[key] = append([]Baseline(nil), versions[len(versions)-keep:]...)
	}
	return removed, nil
}
