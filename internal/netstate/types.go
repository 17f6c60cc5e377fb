// Package netstate holds the two cache tiers for collected device state:
// the JSON-blob cache of raw parsed records and the typed topology cache.
// The executor is the only writer; discovery, topology, and baselines read.
package netstate

import "time"

// Kind names a typed table group for bulk-replace. The interfaces kind
// covers both the interface and IP-address tables, which are always
// replaced together.
type Kind string

const (
	KindInterfaces  Kind = "interfaces"
	KindARP         Kind = "arp"
	KindCDP         Kind = "cdp"
	KindMAC         Kind = "mac"
	KindRouteStatic Kind = "route_static"
	KindRouteOSPF   Kind = "route_ospf"
	KindRouteBGP    Kind = "route_bgp"
)

// DeviceMeta is the topology parent row. A row exists for every device with
// any typed state; children reference it by DeviceID.
type DeviceMeta struct {
	ID              string
	Name            string
	PrimaryIP       string
	Platform        string
	LastUpdated     time.Time
	CacheValidUntil time.Time
	PollingEnabled  bool
}

type Interface struct {
	DeviceID    string
	Name        string
	MAC         string
	Status      string
	Protocol    string
	Description string
	Speed       string
	Duplex      string
	MTU         string
	VLAN        string
}

type IPAddress struct {
	DeviceID      string
	InterfaceName string
	Address       string
	PrefixLength  int
	Version       int
	IsPrimary     bool
}

type ARPEntry struct {
	DeviceID      string
	IP            string
	MAC           string
	InterfaceName string
	Age           string
	ARPType       string
}

type MACTableEntry struct {
	DeviceID      string
	MAC           string
	VLAN          string
	InterfaceName string
	EntryType     string
}

type CDPNeighbor struct {
	DeviceID          string
	LocalInterface    string
	NeighborName      string
	NeighborIP        string
	NeighborInterface string
	Platform          string
	Capabilities      string
}

type RouteType string

const (
	RouteStatic RouteType = "static"
	RouteOSPF   RouteType = "ospf"
	RouteBGP    RouteType = "bgp"
)

func (t RouteType) Kind() Kind {
	switch t {
	case RouteOSPF:
		return KindRouteOSPF
	case RouteBGP:
		return KindRouteBGP
	default:
		return KindRouteStatic
	}
}

// RouteType maps a route table kind back to its discriminator value.
func (k Kind) RouteType() (RouteType, bool) {
	switch k {
	case KindRouteStatic:
		return RouteStatic, true
	case KindRouteOSPF:
		return RouteOSPF, true
	case KindRouteBGP:
		return RouteBGP, true
	}
	return "", false
}

type Route struct {
	DeviceID           string
	Type               RouteType
	DestinationNetwork string
	NexthopIP          string
	Metric             int
	Distance           int
	InterfaceName      string

	// OSPF
	Area     string
	OSPFType string

	// BGP
	LocalPref int
	Weight    int
	ASPath    string
	Origin    string
	Status    string
}

// TypedSet is one command's worth of typed records, ready for bulk-replace.
// Only the slices matching Kind are populated.
type TypedSet struct {
	Kind       Kind
	Interfaces []Interface
	IPs        []IPAddress
	ARP        []ARPEntry
	MAC        []MACTableEntry
	CDP        []CDPNeighbor
	Routes     []Route
}

// Empty reports whether the set carries no rows at all.
func (s *TypedSet) Empty() bool {
	return len(s.Interfaces) == 0 && len(s.IPs) == 0 && len(s.ARP) == 0 &&
		len(s.MAC) == 0 && len(s.CDP) == 0 && len(s.Routes) == 0
}
