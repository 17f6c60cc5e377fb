package netstate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBlobRows is an in-memory BlobRows for tests and lab use.
type MemoryBlobRows struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewMemoryBlobRows() *MemoryBlobRows {
	return &MemoryBlobRows{blobs: make(map[string]Blob)}
}

func blobKey(deviceID, command string) string {
	return deviceID + "\x00" + command
}

func (m *MemoryBlobRows) GetBlob(_ context.Context, deviceID, command string) (*Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[blobKey(deviceID, command)]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return &b, nil
}

func (m *MemoryBlobRows) UpsertBlob(_ context.Context, blob *Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(blob.DeviceID, blob.Command)] = *blob
	return nil
}

func (m *MemoryBlobRows) DeleteBlobs(_ context.Context, deviceID, command string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, b := range m.blobs {
		if b.DeviceID != deviceID {
			continue
		}
		if command != "" && b.Command != command {
			continue
		}
		delete(m.blobs, key)
		n++
	}
	return n, nil
}

func (m *MemoryBlobRows) DeleteBlobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, b := range m.blobs {
		if b.UpdatedAt.Before(cutoff) {
			delete(m.blobs, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBlobRows) ListBlobs(_ context.Context, deviceID string) ([]Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var blobs []Blob
	for _, b := range m.blobs {
		if b.DeviceID == deviceID {
			blobs = append(blobs, b)
		}
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Command < blobs[j].Command })
	return blobs, nil
}

func (m *MemoryBlobRows) ListBlobMetas(_ context.Context) ([]BlobMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metas := make([]BlobMeta, 0, len(m.blobs))
	for _, b := range m.blobs {
		metas = append(metas, BlobMeta{DeviceID: b.DeviceID, Command: b.Command, UpdatedAt: b.UpdatedAt})
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].DeviceID != metas[j].DeviceID {
			return metas[i].DeviceID < metas[j].DeviceID
		}
		return metas[i].Command < metas[j].Command
	})
	return metas, nil
}

// MemoryTopoStore is an in-memory TopoStore for tests and lab use. Replace
// holds one lock for the whole operation, which gives it the same
// atomicity the postgres implementation gets from a transaction.
type MemoryTopoStore struct {
	mu         sync.RWMutex
	devices    map[string]DeviceMeta
	interfaces map[string][]Interface
	ips        map[string][]IPAddress
	arp        map[string][]ARPEntry
	mac        map[string][]MACTableEntry
	cdp        map[string][]CDPNeighbor
	routes     map[string][]Route
}

func NewMemoryTopoStore() *MemoryTopoStore {
	return &MemoryTopoStore{
		devices:    make(map[string]DeviceMeta),
		interfaces: make(map[string][]Interface),
		ips:        make(map[string][]IPAddress),
		arp:        make(map[string][]ARPEntry),
		mac:        make(map[string][]MACTableEntry),
		cdp:        make(map[string][]CDPNeighbor),
		routes:     make(map[string][]Route),
	}
}

func (m *MemoryTopoStore) Replace(_ context.Context, meta DeviceMeta, set *TypedSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[meta.ID] = meta

	switch set.Kind {
	case KindInterfaces:
		m.interfaces[meta.ID] = append([]Interface(nil), set.Interfaces...)
		m.ips[meta.ID] = append([]IPAddress(nil), set.IPs...)
	case KindARP:
		m.arp[meta.ID] = append([]ARPEntry(nil), set.ARP...)
	case KindCDP:
		m.cdp[meta.ID] = append([]CDPNeighbor(nil), set.CDP...)
	case KindMAC:
		m.mac[meta.ID] = append([]MACTableEntry(nil), set.MAC...)
	case KindRouteStatic, KindRouteOSPF, KindRouteBGP:
		routeType := routeTypeForKind(set.Kind)
		kept := m.routes[meta.ID][:0:0]
		for _, r := range m.routes[meta.ID] {
			if r.Type != routeType {
				kept = append(kept, r)
			}
		}
		m.routes[meta.ID] = append(kept, set.Routes...)
	default:
		return fmt.Errorf("unknown typed kind %q", set.Kind)
	}
	return nil
}

func routeTypeForKind(k Kind) RouteType {
	switch k {
	case KindRouteOSPF:
		return RouteOSPF
	case KindRouteBGP:
		return RouteBGP
	default:
		return RouteStatic
	}
}

func (m *MemoryTopoStore) GetDevice(_ context.Context, deviceID string) (*DeviceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopoDeviceNotFound, deviceID)
	}
	return &meta, nil
}

func (m *MemoryTopoStore) ListDevices(_ context.Context, ids []string) ([]DeviceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var metas []DeviceMeta
	if len(ids) == 0 {
		for _, meta := range m.devices {
			metas = append(metas, meta)
		}
	} else {
		for _, id := range ids {
			if meta, ok := m.devices[id]; ok {
				metas = append(metas, meta)
			}
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas, nil
}

func (m *MemoryTopoStore) Interfaces(_ context.Context, deviceID string) ([]Interface, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Interface(nil), m.interfaces[deviceID]...), nil
}

func (m *MemoryTopoStore) IPs(_ context.Context, deviceID string) ([]IPAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]IPAddress(nil), m.ips[deviceID]...), nil
}

func (m *MemoryTopoStore) ARP(_ context.Context, deviceID string) ([]ARPEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ARPEntry(nil), m.arp[deviceID]...), nil
}

func (m *MemoryTopoStore) MAC(_ context.Context, deviceID string) ([]MACTableEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MACTableEntry(nil), m.mac[deviceID]...), nil
}

func (m *MemoryTopoStore) CDP(_ context.Context, deviceID string) ([]CDPNeighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CDPNeighbor(nil), m.cdp[deviceID]...), nil
}

func (m *MemoryTopoStore) Routes(_ context.Context, deviceID string, types []RouteType) ([]Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var routes []Route
	for _, r := range m.routes[deviceID] {
		if len(types) == 0 {
			routes = append(routes, r)
			continue
		}
		for _, t := range types {
			if r.Type == t {
				routes = append(routes, r)
				break
			}
		}
	}
	return routes, nil
}

func (m *MemoryTopoStore) FindDevicesByIP(_ context.Context, ip string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bare := strings.SplitN(ip, "/", 2)[0]
	var owners []string
	for deviceID, ips := range m.ips {
		for _, addr := range ips {
			if strings.SplitN(addr.Address, "/", 2)[0] == bare {
				owners = append(owners, deviceID)
				break
			}
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *MemoryTopoStore) FindMACEntries(_ context.Context, mac string) ([]MACTableEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	norm := strings.ToLower(mac)
	var entries []MACTableEntry
	for _, rows := range m.mac {
		for _, e := range rows {
			if strings.ToLower(e.MAC) == norm {
				entries = append(entries, e)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeviceID < entries[j].DeviceID })
	return entries, nil
}

func (m *MemoryTopoStore) Stats(_ context.Context) (*TopoStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &TopoStats{Devices: len(m.devices), Routes: make(map[string]int)}
	for _, rows := range m.interfaces {
		stats.Interfaces += len(rows)
	}
	for _, rows := range m.ips {
		stats.IPs += len(rows)
	}
	for _, rows := range m.arp {
		stats.ARP += len(rows)
	}
	for _, rows := range m.mac {
		stats.MAC += len(rows)
	}
	for _, rows := range m.cdp {
		stats.CDP += len(rows)
	}
	for _, rows := range m.routes {
		for _, r := range rows {
			stats.Routes[string(r.Type)]++
		}
	}
	return stats, nil
}
