package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySource is a Source backed by an in-memory map. It backs unit tests
// and single-node lab deployments where no inventory service exists.
type MemorySource struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func NewMemorySource(devices ...Device) *MemorySource {
	s := &MemorySource{devices: make(map[string]Device, len(devices))}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *MemorySource) GetDevice(_ context.Context, id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return &d, nil
}

func (s *MemorySource) ListDevices(_ context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (s *MemorySource) PutDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}
