package netstate

import (
	"context"
	"errors"
)

// ErrReplaceConflict is returned when a bulk-replace loses a race against a
// concurrent replace for the same (device, kind). Callers retry once; the
// winner's rows are already the desired end state either way.
var ErrReplaceConflict = errors.New("topology replace conflict")

// ErrTopoDeviceNotFound is returned for reads of a device with no parent
// row in the topology cache.
var ErrTopoDeviceNotFound = errors.New("device not present in topology cache")

// TopoStats counts rows per typed table for the statistics endpoint.
type TopoStats struct {
	Devices    int            `json:"devices"`
	Interfaces int            `json:"interfaces"`
	IPs        int            `json:"ip_addresses"`
	ARP        int            `json:"arp_entries"`
	MAC        int            `json:"mac_table_entries"`
	CDP        int            `json:"cdp_neighbors"`
	Routes     map[string]int `json:"routes"`
}

// TopoStore is the typed topology cache. The only write is Replace: an
// atomic bulk-replace of one kind's rows for one device, which also
// creates or refreshes the parent device row in the same transaction.
// Re-running discovery therefore converges to the same end state
// regardless of what was stored before.
type TopoStore interface {
	// Replace deletes every row of set.Kind for the device and inserts
	// set's rows, upserting the parent row first, all in one transaction.
	// The interfaces kind replaces the interface and IP tables together.
	Replace(ctx context.Context, meta DeviceMeta, set *TypedSet) error

	GetDevice(ctx context.Context, deviceID string) (*DeviceMeta, error)
	// ListDevices returns metas for the given ids, or all devices when ids
	// is empty. Order is stable by device id.
	ListDevices(ctx context.Context, ids []string) ([]DeviceMeta, error)

	Interfaces(ctx context.Context, deviceID string) ([]Interface, error)
	IPs(ctx context.Context, deviceID string) ([]IPAddress, error)
	ARP(ctx context.Context, deviceID string) ([]ARPEntry, error)
	MAC(ctx context.Context, deviceID string) ([]MACTableEntry, error)
	CDP(ctx context.Context, deviceID string) ([]CDPNeighbor, error)
	Routes(ctx context.Context, deviceID string, types []RouteType) ([]Route, error)

	// FindDevicesByIP returns the ids of devices owning the address on any
	// interface, ordered by device id. Multiple owners are possible (VRRP,
	// NAT); callers take the first.
	FindDevicesByIP(ctx context.Context, ip string) ([]string, error)
	// FindMACEntries returns every device's MAC-table rows learning the
	// address, for layer-2 link derivation.
	FindMACEntries(ctx context.Context, mac string) ([]MACTableEntry, error)

	Stats(ctx context.Context) (*TopoStats, error)
}
