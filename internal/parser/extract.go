package parser

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/spinelabs/spine/internal/netstate"
)

// Templates emit whatever key casing and value shape their platform's
// ecosystem uses: upper or lower keys, scalars or single-element lists.
// Records reloaded from the JSON-blob cache additionally come back with
// []any values. Field extraction is therefore defined once, here: look a
// logical field up under an ordered list of accepted names, case
// insensitively; take the first element of list values; trim whitespace.

// Pick returns the first non-empty value for any of the accepted names.
func Pick(rec Record, names ...string) string {
	for _, name := range names {
		if v, ok := lookupFold(rec, name); ok {
			if s := strings.TrimSpace(first(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// PickList returns every element of the first matching list value, or the
// scalar as a one-element slice.
func PickList(rec Record, names ...string) []string {
	for _, name := range names {
		v, ok := lookupFold(rec, name)
		if !ok {
			continue
		}
		var out []string
		switch vv := v.(type) {
		case []string:
			for _, s := range vv {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		case []any:
			for _, e := range vv {
				if s, ok := e.(string); ok {
					if s = strings.TrimSpace(s); s != "" {
						out = append(out, s)
					}
				}
			}
		default:
			if s := strings.TrimSpace(first(v)); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func lookupFold(rec Record, name string) (any, bool) {
	if v, ok := rec[name]; ok {
		return v, true
	}
	for k, v := range rec {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func first(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case []string:
		if len(vv) > 0 {
			return vv[0]
		}
	case []any:
		if len(vv) > 0 {
			if s, ok := vv[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func pickInt(rec Record, names ...string) int {
	v, err := strconv.Atoi(Pick(rec, names...))
	if err != nil {
		return 0
	}
	return v
}

// ExtractTyped converts parsed records into the typed row set for kind.
// Records missing their required identifying fields are skipped with a
// warning; a partially usable table is better than none.
func ExtractTyped(log *slog.Logger, deviceID string, kind netstate.Kind, records []Record) *netstate.TypedSet {
	switch kind {
	case netstate.KindInterfaces:
		return extractInterfaces(log, deviceID, records)
	case netstate.KindARP:
		return extractARP(log, deviceID, records)
	case netstate.KindCDP:
		return extractCDP(log, deviceID, records)
	case netstate.KindMAC:
		return extractMAC(log, deviceID, records)
	case netstate.KindRouteStatic:
		return extractRoutes(log, deviceID, netstate.RouteStatic, records)
	case netstate.KindRouteOSPF:
		return extractRoutes(log, deviceID, netstate.RouteOSPF, records)
	case netstate.KindRouteBGP:
		return extractRoutes(log, deviceID, netstate.RouteBGP, records)
	default:
		log.Warn("no typed extraction for kind", "kind", kind)
		return &netstate.TypedSet{Kind: kind}
	}
}

func extractInterfaces(log *slog.Logger, deviceID string, records []Record) *netstate.TypedSet {
	set := &netstate.TypedSet{Kind: netstate.KindInterfaces}
	for _, rec := range records {
		name := Pick(rec, "interface", "interface_name", "intf")
		if name == "" {
			log.Warn("skipping interface record without a name", "device", deviceID)
			continue
		}
		set.Interfaces = append(set.Interfaces, netstate.Interface{
			DeviceID:    deviceID,
			Name:        name,
			MAC:         Pick(rec, "mac_address", "address", "mac"),
			Status:      Pick(rec, "link_status", "status"),
			Protocol:    Pick(rec, "protocol_status", "protocol"),
			Description: Pick(rec, "description"),
			Speed:       Pick(rec, "speed", "bandwidth"),
			Duplex:      Pick(rec, "duplex"),
			MTU:         Pick(rec, "mtu"),
			VLAN:        Pick(rec, "vlan", "vlan_id"),
		})

		primary := true
		for _, addr := range PickList(rec, "ip_address", "ip_addresses", "internet_address") {
			ip, prefix := splitPrefix(addr)
			version := 4
			if strings.Contains(ip, ":") {
				version = 6
			}
			set.IPs = append(set.IPs, netstate.IPAddress{
				DeviceID:      deviceID,
				InterfaceName: name,
				Address:       ip,
				PrefixLength:  prefix,
				Version:       version,
				IsPrimary:     primary,
			})
			primary = false
		}
	}
	return set
}

func extractARP(log *slog.Logger, deviceID string, records []Record) *netstate.TypedSet {
	set := &netstate.TypedSet{Kind: netstate.KindARP}
	for _, rec := range records {
		ip := Pick(rec, "ip_address", "address", "ip")
		mac := Pick(rec, "mac_address", "mac")
		if ip == "" || mac == "" {
			log.Warn("skipping arp record without ip or mac", "device", deviceID)
			continue
		}
		set.ARP = append(set.ARP, netstate.ARPEntry{
			DeviceID:      deviceID,
			IP:            ip,
			MAC:           mac,
			InterfaceName: Pick(rec, "interface", "interface_name", "port"),
			Age:           Pick(rec, "age"),
			ARPType:       Pick(rec, "type", "arp_type"),
		})
	}
	return set
}

func extractCDP(log *slog.Logger, deviceID string, records []Record) *netstate.TypedSet {
	set := &netstate.TypedSet{Kind: netstate.KindCDP}
	for _, rec := range records {
		name := Pick(rec, "neighbor", "neighbor_name", "destination_host", "device_id")
		local := Pick(rec, "local_interface", "local_port", "local_intf")
		if name == "" || local == "" {
			log.Warn("skipping cdp record without neighbor or local interface", "device", deviceID)
			continue
		}
		set.CDP = append(set.CDP, netstate.CDPNeighbor{
			DeviceID:          deviceID,
			LocalInterface:    local,
			NeighborName:      name,
			NeighborIP:        Pick(rec, "neighbor_ip", "management_ip", "mgmt_address", "interface_ip"),
			NeighborInterface: Pick(rec, "neighbor_interface", "neighbor_port", "port_id", "remote_port"),
			Platform:          Pick(rec, "platform"),
			Capabilities:      Pick(rec, "capability", "capabilities"),
		})
	}
	return set
}

func extractMAC(log *slog.Logger, deviceID string, records []Record) *netstate.TypedSet {
	set := &netstate.TypedSet{Kind: netstate.KindMAC}
	for _, rec := range records {
		mac := Pick(rec, "mac_address", "destination_address", "mac")
		if mac == "" {
			log.Warn("skipping mac-table record without address", "device", deviceID)
			continue
		}
		set.MAC = append(set.MAC, netstate.MACTableEntry{
			DeviceID:      deviceID,
			MAC:           mac,
			VLAN:          Pick(rec, "vlan", "vlan_id"),
			InterfaceName: Pick(rec, "ports", "destination_port", "interface", "port"),
			EntryType:     Pick(rec, "type", "entry_type"),
		})
	}
	return set
}

func extractRoutes(log *slog.Logger, deviceID string, routeType netstate.RouteType, records []Record) *netstate.TypedSet {
	set := &netstate.TypedSet{Kind: routeType.Kind()}
	for _, rec := range records {
		network := Pick(rec, "network", "destination_network", "prefix")
		if network == "" {
			log.Warn("skipping route record without destination", "device", deviceID, "route_type", routeType)
			continue
		}
		route := netstate.Route{
			DeviceID:           deviceID,
			Type:               routeType,
			DestinationNetwork: network,
			NexthopIP:          Pick(rec, "nexthop_ip", "next_hop", "nexthop", "via"),
			Metric:             pickInt(rec, "metric"),
			Distance:           pickInt(rec, "distance", "admin_distance"),
			InterfaceName:      Pick(rec, "interface", "interface_name", "outgoing_interface"),
		}
		switch routeType {
		case netstate.RouteOSPF:
			route.Area = Pick(rec, "area")
			route.OSPFType = Pick(rec, "route_type", "ospf_type")
		case netstate.RouteBGP:
			route.LocalPref = pickInt(rec, "local_pref", "local_preference")
			route.Weight = pickInt(rec, "weight")
			route.ASPath = Pick(rec, "as_path", "path")
			route.Origin = Pick(rec, "origin")
			route.Status = Pick(rec, "status")
		}
		set.Routes = append(set.Routes, route)
	}
	return set
}

// splitPrefix separates "10.0.0.1/24" into address and prefix length. A
// bare address keeps prefix 0.
func splitPrefix(addr string) (string, int) {
	ip, prefixStr, found := strings.Cut(addr, "/")
	if !found {
		return addr, 0
	}
	prefix, err := strconv.Atoi(prefixStr)
	if err != nil {
		return ip, 0
	}
	return ip, prefix
}
