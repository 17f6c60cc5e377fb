// Package topology derives a device graph from the typed topology cache.
// Building is a pure read: nodes come from the cached device rows, links
// from CDP adjacency, routing nexthops and ARP/MAC correlation. Nothing
// here talks to a device.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spinelabs/spine/internal/netstate"
)

// Confidence grades how a CDP neighbor was matched to a known device.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

type LinkType string

const (
	LinkCDP     LinkType = "cdp"
	LinkRouting LinkType = "routing"
	LinkLayer2  LinkType = "layer2"
)

// Position is an advisory canvas coordinate; consumers may override it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PrimaryIP string    `json:"primary_ip,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Pos       *Position `json:"position,omitempty"`
}

type Link struct {
	Source          string     `json:"source"`
	Target          string     `json:"target"`
	Type            LinkType   `json:"type"`
	SourceInterface string     `json:"source_interface,omitempty"`
	TargetInterface string     `json:"target_interface,omitempty"`
	Confidence      Confidence `json:"confidence,omitempty"`
	RouteType       string     `json:"route_type,omitempty"`
	Metric          int        `json:"metric,omitempty"`
	VLAN            string     `json:"vlan,omitempty"`
}

type Graph struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Request selects the devices in scope and the link sources to derive.
// An empty DeviceIDs means every cached device.
type Request struct {
	DeviceIDs       []string             `json:"device_ids,omitempty"`
	IncludeCDP      bool                 `json:"include_cdp"`
	IncludeRouting  bool                 `json:"include_routing"`
	RouteTypes      []netstate.RouteType `json:"route_types,omitempty"`
	IncludeLayer2   bool                 `json:"include_layer2"`
	AutoLayout      bool                 `json:"auto_layout"`
	LayoutAlgorithm string               `json:"layout_algorithm,omitempty"`
}

// Resolution is the outcome of matching a CDP neighbor against the cache.
type Resolution struct {
	DeviceID   string     `json:"device_id,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
	Resolved   bool       `json:"resolved"`
}

type Config struct {
	Logger *slog.Logger
	Store  netstate.TopoStore
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Builder assembles topology graphs from the typed cache.
type Builder struct {
	log   *slog.Logger
	store netstate.TopoStore
}

func New(cfg *Config) (*Builder, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Builder{log: cfg.Logger, store: cfg.Store}, nil
}

// Build assembles the graph for the requested scope. Links never point
// outside the scope: a neighbor or nexthop owned by an out-of-scope
// device is dropped, not added as a node.
func (b *Builder) Build(ctx context.Context, req *Request) (*Graph, error) {
	if req == nil {
		req = &Request{}
	}
	metas, err := b.store.ListDevices(ctx, req.DeviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached devices: %w", err)
	}

	g := &Graph{Nodes: make([]Node, 0, len(metas)), Links: []Link{}}
	for _, meta := range metas {
		g.Nodes = append(g.Nodes, Node{
			ID:        meta.ID,
			Name:      meta.Name,
			PrimaryIP: meta.PrimaryIP,
			Platform:  meta.Platform,
		})
	}

	idx := newIndex(metas)
	seen := map[string]bool{}
	if req.IncludeCDP {
		if err := b.cdpLinks(ctx, g, idx, seen); err != nil {
			return nil, err
		}
	}
	if req.IncludeRouting {
		if err := b.routingLinks(ctx, g, idx, seen, req.RouteTypes); err != nil {
			return nil, err
		}
	}
	if req.IncludeLayer2 {
		if err := b.layer2Links(ctx, g, idx, seen); err != nil {
			return nil, err
		}
	}

	sort.Slice(g.Links, func(i, j int) bool {
		li, lj := g.Links[i], g.Links[j]
		if li.Type != lj.Type {
			return li.Type < lj.Type
		}
		if li.Source != lj.Source {
			return li.Source < lj.Source
		}
		return li.Target < lj.Target
	})

	if req.AutoLayout {
		if err := ApplyLayout(g, req.LayoutAlgorithm); err != nil {
			return nil, err
		}
	}

	b.log.Debug("topology graph built",
		"devices", len(g.Nodes), "links", len(g.Links),
		"cdp", req.IncludeCDP, "routing", req.IncludeRouting, "layer2", req.IncludeLayer2)
	return g, nil
}

// cdpLinks derives adjacency from the CDP tables. Devices are walked in
// ascending id order, so when both ends report the same pair the link
// recorded first has the lexicographically smaller source.
func (b *Builder) cdpLinks(ctx context.Context, g *Graph, idx *index, seen map[string]bool) error {
	for _, meta := range idx.metas {
		rows, err := b.store.CDP(ctx, meta.ID)
		if err != nil {
			return fmt.Errorf("failed to read cdp rows for %s: %w", meta.ID, err)
		}
		for _, row := range rows {
			target, conf, err := b.resolve(ctx, idx, row.NeighborName, row.NeighborIP)
			if err != nil {
				return err
			}
			if target == "" || target == meta.ID {
				continue
			}
			key := pairKey(string(LinkCDP), meta.ID, target)
			if seen[key] {
				continue
			}
			seen[key] = true
			g.Links = append(g.Links, Link{
				Source:          meta.ID,
				Target:          target,
				Type:            LinkCDP,
				SourceInterface: row.LocalInterface,
				TargetInterface: row.NeighborInterface,
				Confidence:      conf,
			})
		}
	}
	return nil
}

// routingLinks connects a device to whichever device owns its nexthop
// address. Multiple owners are possible; the first by device id wins.
func (b *Builder) routingLinks(ctx context.Context, g *Graph, idx *index, seen map[string]bool, types []netstate.RouteType) error {
	for _, meta := range idx.metas {
		routes, err := b.store.Routes(ctx, meta.ID, types)
		if err != nil {
			return fmt.Errorf("failed to read routes for %s: %w", meta.ID, err)
		}
		for _, route := range routes {
			if route.NexthopIP == "" {
				continue
			}
			owners, err := b.store.FindDevicesByIP(ctx, route.NexthopIP)
			if err != nil {
				return fmt.Errorf("failed to resolve nexthop %s: %w", route.NexthopIP, err)
			}
			target := firstInScope(owners, idx.scope)
			if target == "" || target == meta.ID {
				continue
			}
			key := pairKey(string(LinkRouting)+"/"+string(route.Type), meta.ID, target)
			if seen[key] {
				continue
			}
			seen[key] = true
			g.Links = append(g.Links, Link{
				Source:          meta.ID,
				Target:          target,
				Type:            LinkRouting,
				SourceInterface: route.InterfaceName,
				RouteType:       string(route.Type),
				Metric:          route.Metric,
			})
		}
	}
	return nil
}

// layer2Links correlates one device's ARP entries with every switch whose
// MAC table learned the same address.
func (b *Builder) layer2Links(ctx context.Context, g *Graph, idx *index, seen map[string]bool) error {
	for _, meta := range idx.metas {
		rows, err := b.store.ARP(ctx, meta.ID)
		if err != nil {
			return fmt.Errorf("failed to read arp rows for %s: %w", meta.ID, err)
		}
		for _, row := range rows {
			if row.MAC == "" {
				continue
			}
			entries, err := b.store.FindMACEntries(ctx, row.MAC)
			if err != nil {
				return fmt.Errorf("failed to look up mac %s: %w", row.MAC, err)
			}
			for _, entry := range entries {
				if entry.DeviceID == meta.ID || !idx.scope[entry.DeviceID] {
					continue
				}
				key := pairKey(string(LinkLayer2), meta.ID, entry.DeviceID)
				if seen[key] {
					continue
				}
				seen[key] = true
				g.Links = append(g.Links, Link{
					Source:          meta.ID,
					Target:          entry.DeviceID,
					Type:            LinkLayer2,
					SourceInterface: row.InterfaceName,
					TargetInterface: entry.InterfaceName,
					VLAN:            entry.VLAN,
				})
			}
		}
	}
	return nil
}

// ResolveNeighbor matches a CDP-style neighbor name (and optional IP)
// against every cached device.
func (b *Builder) ResolveNeighbor(ctx context.Context, name, ip string) (*Resolution, error) {
	metas, err := b.store.ListDevices(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached devices: %w", err)
	}
	id, conf, err := b.resolve(ctx, newIndex(metas), name, ip)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &Resolution{}, nil
	}
	return &Resolution{DeviceID: id, Confidence: conf, Resolved: true}, nil
}

// Statistics reports row counts per typed table.
func (b *Builder) Statistics(ctx context.Context) (*netstate.TopoStats, error) {
	return b.store.Stats(ctx)
}

// index is the per-build resolution table over the in-scope devices.
type index struct {
	metas  []netstate.DeviceMeta
	byName map[string]string
	byIP   map[string]string
	scope  map[string]bool
}

func newIndex(metas []netstate.DeviceMeta) *index {
	idx := &index{
		metas:  metas,
		byName: make(map[string]string, len(metas)*2),
		byIP:   make(map[string]string, len(metas)),
		scope:  make(map[string]bool, len(metas)),
	}
	for _, meta := range metas {
		idx.scope[meta.ID] = true
		name := strings.ToLower(meta.Name)
		if name != "" {
			if _, ok := idx.byName[name]; !ok {
				idx.byName[name] = meta.ID
			}
			// CDP announces FQDNs while inventories hold short names
			// (and vice versa), so the first label matches too.
			if label := firstLabel(name); label != name {
				if _, ok := idx.byName[label]; !ok {
					idx.byName[label] = meta.ID
				}
			}
		}
		if ip := hostIP(meta.PrimaryIP); ip != "" {
			if _, ok := idx.byIP[ip]; !ok {
				idx.byIP[ip] = meta.ID
			}
		}
	}
	return idx
}

// resolve runs the four-step neighbor match: exact name, partial name,
// primary IP, any interface IP. Exact and primary-IP hits are high
// confidence, partial medium, interface-IP low. The empty id means no
// match.
func (b *Builder) resolve(ctx context.Context, idx *index, name, ip string) (string, Confidence, error) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q != "" {
		if id, ok := idx.byName[q]; ok {
			return id, ConfidenceHigh, nil
		}
		if id, ok := idx.byName[firstLabel(q)]; ok {
			return id, ConfidenceHigh, nil
		}
		for _, meta := range idx.metas {
			n := strings.ToLower(meta.Name)
			if n == "" {
				continue
			}
			if strings.Contains(n, q) || strings.Contains(q, n) {
				return meta.ID, ConfidenceMedium, nil
			}
		}
	}
	addr := hostIP(ip)
	if addr == "" {
		return "", "", nil
	}
	if id, ok := idx.byIP[addr]; ok {
		return id, ConfidenceHigh, nil
	}
	owners, err := b.store.FindDevicesByIP(ctx, addr)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve neighbor ip %s: %w", addr, err)
	}
	if id := firstInScope(owners, idx.scope); id != "" {
		return id, ConfidenceLow, nil
	}
	return "", "", nil
}

func firstInScope(ids []string, scope map[string]bool) string {
	for _, id := range ids {
		if scope[id] {
			return id
		}
	}
	return ""
}

func firstLabel(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func hostIP(ip string) string {
	return strings.SplitN(strings.TrimSpace(ip), "/", 2)[0]
}

// pairKey folds a link's endpoints into an order-independent key so the
// reverse report of the same adjacency collapses into one link.
func pairKey(kind, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return kind + "\x00" + a + "\x00" + b
}
