package parser

import "github.com/spinelabs/spine/internal/netstate"

// CatalogEntry binds an endpoint name to the device command it runs and the
// typed table group its records replace. The catalog is the full set of
// commands the pipeline knows how to execute.
type CatalogEntry struct {
	Endpoint string
	Command  string
	Kind     netstate.Kind
}

// Catalog in fixed execution order: interface state first (IP ownership
// feeds later cross-references), then ARP, CDP, MAC, then the route
// variants.
var Catalog = []CatalogEntry{
	{Endpoint: "interfaces", Command: "show interfaces", Kind: netstate.KindInterfaces},
	{Endpoint: "ip-arp", Command: "show ip arp", Kind: netstate.KindARP},
	{Endpoint: "cdp-neighbors", Command: "show cdp neighbors", Kind: netstate.KindCDP},
	{Endpoint: "mac-address-table", Command: "show mac address-table", Kind: netstate.KindMAC},
	{Endpoint: "ip-route/static", Command: "show ip route static", Kind: netstate.KindRouteStatic},
	{Endpoint: "ip-route/ospf", Command: "show ip route ospf", Kind: netstate.KindRouteOSPF},
	{Endpoint: "ip-route/bgp", Command: "show ip route bgp", Kind: netstate.KindRouteBGP},
}

// Commands returns the command strings in execution order.
func Commands() []string {
	out := make([]string, len(Catalog))
	for i, e := range Catalog {
		out[i] = e.Command
	}
	return out
}

// LookupCommand finds the catalog entry for a device command string.
func LookupCommand(command string) (CatalogEntry, bool) {
	for _, e := range Catalog {
		if e.Command == command {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// LookupEndpoint finds the catalog entry for an endpoint name.
func LookupEndpoint(endpoint string) (CatalogEntry, bool) {
	for _, e := range Catalog {
		if e.Endpoint == endpoint {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// ProgressSteps groups the catalog into the five progress increments: the
// three route variants complete together as the final step.
var ProgressSteps = [][]netstate.Kind{
	{netstate.KindInterfaces},
	{netstate.KindARP},
	{netstate.KindCDP},
	{netstate.KindMAC},
	{netstate.KindRouteStatic, netstate.KindRouteOSPF, netstate.KindRouteBGP},
}

// ProgressAfter returns the percent complete once the command at catalog
// index i has finished, in 20% steps. A step only counts once its last
// member command is done, so the route variants land together.
func ProgressAfter(i int) int {
	if i < 0 {
		return 0
	}
	end := 0
	done := 0
	for _, step := range ProgressSteps {
		end += len(step)
		if i < end-1 {
			break
		}
		done++
	}
	return done * 100 / len(ProgressSteps)
}
