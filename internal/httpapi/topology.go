package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/topology"
)

// handleTopologyBuildQuery is the GET form of /topology/build: every option
// rides in the query string, with cdp links on unless switched off.
func (h *Handler) handleTopologyBuildQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &topology.Request{LayoutAlgorithm: q.Get("layout_algorithm")}
	if ids := strings.TrimSpace(q.Get("device_ids")); ids != "" {
		req.DeviceIDs = splitCSV(ids)
	}

	var err error
	if req.IncludeCDP, err = boolParam(q, "include_cdp", true); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IncludeRouting, err = boolParam(q, "include_routing", false); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IncludeLayer2, err = boolParam(q, "include_layer2", false); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AutoLayout, err = boolParam(q, "auto_layout", false); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RouteTypes, err = parseRouteTypes(splitCSV(q.Get("route_types"))); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.buildTopology(w, r, req)
}

type topologyBuildRequest struct {
	DeviceIDs       []string `json:"device_ids"`
	IncludeCDP      *bool    `json:"include_cdp"`
	IncludeRouting  bool     `json:"include_routing"`
	RouteTypes      []string `json:"route_types"`
	IncludeLayer2   bool     `json:"include_layer2"`
	AutoLayout      bool     `json:"auto_layout"`
	LayoutAlgorithm string   `json:"layout_algorithm"`
}

func (h *Handler) handleTopologyBuildBody(w http.ResponseWriter, r *http.Request) {
	var body topologyBuildRequest
	if !h.decode(w, r, &body) {
		return
	}

	types, err := parseRouteTypes(body.RouteTypes)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := &topology.Request{
		DeviceIDs:       body.DeviceIDs,
		IncludeCDP:      body.IncludeCDP == nil || *body.IncludeCDP,
		IncludeRouting:  body.IncludeRouting,
		RouteTypes:      types,
		IncludeLayer2:   body.IncludeLayer2,
		AutoLayout:      body.AutoLayout,
		LayoutAlgorithm: body.LayoutAlgorithm,
	}

	h.buildTopology(w, r, req)
}

// buildTopology rejects unknown layout names before building so the caller
// gets a 400, not a server error from the layout stage.
func (h *Handler) buildTopology(w http.ResponseWriter, r *http.Request, req *topology.Request) {
	switch req.LayoutAlgorithm {
	case "", topology.LayoutForceDirected, topology.LayoutHierarchical, topology.LayoutCircular:
	default:
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown layout algorithm %q", req.LayoutAlgorithm))
		return
	}

	g, err := h.topo.Build(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleTopologyStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.topo.Statistics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type resolveNeighborRequest struct {
	NeighborName string `json:"neighbor_name"`
	NeighborIP   string `json:"neighbor_ip,omitempty"`
}

func (h *Handler) handleResolveNeighbor(w http.ResponseWriter, r *http.Request) {
	var req resolveNeighborRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NeighborName) == "" {
		h.writeJSONError(w, http.StatusBadRequest, "neighbor_name is required")
		return
	}

	res, err := h.topo.ResolveNeighbor(r.Context(), req.NeighborName, req.NeighborIP)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func parseRouteTypes(raw []string) ([]netstate.RouteType, error) {
	var out []netstate.RouteType
	for _, t := range raw {
		switch rt := netstate.RouteType(strings.ToLower(strings.TrimSpace(t))); rt {
		case netstate.RouteStatic, netstate.RouteOSPF, netstate.RouteBGP:
			out = append(out, rt)
		default:
			return nil, fmt.Errorf("unknown route type %q", t)
		}
	}
	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolParam(q url.Values, name string, def bool) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}
