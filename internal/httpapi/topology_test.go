package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/topology"
)

// seedTopology caches two adjacent switches: dev-1 sees dev-2 over CDP and
// dev-2 carries a static default route via dev-1's interface address.
func (e *env) seedTopology() {
	e.t.Helper()
	ctx := context.Background()
	meta1 := netstate.DeviceMeta{
		ID: "dev-1", Name: "core-sw-01", PrimaryIP: "10.0.0.1",
		Platform: "cisco_ios", LastUpdated: e.clock.Now(), PollingEnabled: true,
	}
	meta2 := netstate.DeviceMeta{
		ID: "dev-2", Name: "edge-sw-02", PrimaryIP: "10.0.0.2",
		Platform: "cisco_ios", LastUpdated: e.clock.Now(), PollingEnabled: true,
	}

	require.NoError(e.t, e.topoStore.Replace(ctx, meta1, &netstate.TypedSet{
		Kind:       netstate.KindInterfaces,
		Interfaces: []netstate.Interface{{DeviceID: "dev-1", Name: "GigabitEthernet0/1", Status: "up", Protocol: "up"}},
		IPs:        []netstate.IPAddress{{DeviceID: "dev-1", InterfaceName: "GigabitEthernet0/1", Address: "10.0.0.1", PrefixLength: 30, Version: 4, IsPrimary: true}},
	}))
	require.NoError(e.t, e.topoStore.Replace(ctx, meta1, &netstate.TypedSet{
		Kind: netstate.KindCDP,
		CDP: []netstate.CDPNeighbor{{
			DeviceID: "dev-1", LocalInterface: "GigabitEthernet0/1",
			NeighborName: "edge-sw-02.lab.local", NeighborIP: "10.0.0.2",
			NeighborInterface: "GigabitEthernet0/24", Platform: "cisco WS-C2960X",
		}},
	}))

	require.NoError(e.t, e.topoStore.Replace(ctx, meta2, &netstate.TypedSet{
		Kind:       netstate.KindInterfaces,
		Interfaces: []netstate.Interface{{DeviceID: "dev-2", Name: "Vlan10", Status: "up", Protocol: "up"}},
		IPs:        []netstate.IPAddress{{DeviceID: "dev-2", InterfaceName: "Vlan10", Address: "10.0.14.1", PrefixLength: 24, Version: 4, IsPrimary: true}},
	}))
	require.NoError(e.t, e.topoStore.Replace(ctx, meta2, &netstate.TypedSet{
		Kind: netstate.KindRouteStatic,
		Routes: []netstate.Route{{
			DeviceID: "dev-2", Type: netstate.RouteStatic,
			DestinationNetwork: "0.0.0.0/0", NexthopIP: "10.0.0.1", Metric: 1, Distance: 1,
		}},
	}))
}

func TestTopologyBuild_GetDefaultsToCDP(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodGet, "/topology/build", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var g topology.Graph
	parseBody(t, w, &g)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "dev-1", g.Nodes[0].ID)
	assert.Equal(t, "core-sw-01", g.Nodes[0].Name)

	require.Len(t, g.Links, 1)
	assert.Equal(t, topology.LinkCDP, g.Links[0].Type)
	assert.Equal(t, "dev-1", g.Links[0].Source)
	assert.Equal(t, "dev-2", g.Links[0].Target)
	assert.Equal(t, topology.ConfidenceHigh, g.Links[0].Confidence)
}

func TestTopologyBuild_CDPCanBeDisabled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodGet, "/topology/build?include_cdp=false", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var g topology.Graph
	parseBody(t, w, &g)
	assert.Len(t, g.Nodes, 2)
	assert.Empty(t, g.Links)
}

func TestTopologyBuild_InvalidBoolParam(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodGet, "/topology/build?include_cdp=banana", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTopologyBuild_UnknownLayout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodGet, "/topology/build?auto_layout=true&layout_algorithm=magnetic", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	parseBody(t, w, &body)
	assert.Contains(t, body.Error, "unknown layout algorithm")
}

func TestTopologyBuild_PostRoutingAndLayout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodPost, "/topology/build", map[string]any{
		"include_routing":  true,
		"route_types":      []string{"static"},
		"auto_layout":      true,
		"layout_algorithm": "circular",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var g topology.Graph
	parseBody(t, w, &g)
	require.Len(t, g.Nodes, 2)
	for _, n := range g.Nodes {
		assert.NotNil(t, n.Pos, "node %s should be positioned", n.ID)
	}

	// cdp stays on unless the body switches it off.
	require.Len(t, g.Links, 2)
	assert.Equal(t, topology.LinkCDP, g.Links[0].Type)
	assert.Equal(t, topology.LinkRouting, g.Links[1].Type)
	assert.Equal(t, "dev-2", g.Links[1].Source)
	assert.Equal(t, "dev-1", g.Links[1].Target)
	assert.Equal(t, "static", g.Links[1].RouteType)
}

func TestTopologyBuild_PostInvalidRouteType(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodPost, "/topology/build", map[string]any{
		"include_routing": true,
		"route_types":     []string{"rip"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTopologyBuild_ScopedLinksStayInScope(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodGet, "/topology/build?device_ids=dev-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var g topology.Graph
	parseBody(t, w, &g)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "dev-1", g.Nodes[0].ID)
	assert.Empty(t, g.Links, "the cdp neighbor is out of scope")
}

func TestTopologyStatistics(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodGet, "/topology/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats netstate.TopoStats
	parseBody(t, w, &stats)
	assert.Equal(t, 2, stats.Devices)
	assert.Equal(t, 2, stats.Interfaces)
	assert.Equal(t, 2, stats.IPs)
	assert.Equal(t, 1, stats.CDP)
	assert.Equal(t, map[string]int{"static": 1}, stats.Routes)
}

func TestResolveNeighbor(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seedTopology()

	w := e.do(http.MethodPost, "/topology/resolve-neighbor", map[string]any{
		"neighbor_name": "edge-sw-02.lab.local",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res topology.Resolution
	parseBody(t, w, &res)
	assert.True(t, res.Resolved)
	assert.Equal(t, "dev-2", res.DeviceID)
	assert.Equal(t, topology.ConfidenceHigh, res.Confidence)

	// Name misses, primary ip matches.
	w = e.do(http.MethodPost, "/topology/resolve-neighbor", map[string]any{
		"neighbor_name": "sw-x", "neighbor_ip": "10.0.0.2",
	})
	require.Equal(t, http.StatusOK, w.Code)
	parseBody(t, w, &res)
	assert.True(t, res.Resolved)
	assert.Equal(t, "dev-2", res.DeviceID)

	w = e.do(http.MethodPost, "/topology/resolve-neighbor", map[string]any{
		"neighbor_name": "unknown-device",
	})
	require.Equal(t, http.StatusOK, w.Code)
	res = topology.Resolution{}
	parseBody(t, w, &res)
	assert.False(t, res.Resolved)
	assert.Empty(t, res.DeviceID)
}

func TestResolveNeighbor_RequiresName(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(http.MethodPost, "/topology/resolve-neighbor", map[string]any{"neighbor_ip": "10.0.0.2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
