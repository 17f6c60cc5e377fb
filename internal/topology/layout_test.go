package topology

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeGraph(ids []string, links []Link) *Graph {
	g := &Graph{Links: links}
	for _, id := range ids {
		g.Nodes = append(g.Nodes, Node{ID: id, Name: id})
	}
	return g
}

func starLinks() []Link {
	return []Link{
		{Source: "hub", Target: "leaf-1", Type: LinkCDP},
		{Source: "hub", Target: "leaf-2", Type: LinkCDP},
		{Source: "hub", Target: "leaf-3", Type: LinkCDP},
	}
}

func TestApplyLayout_ForceDirectedIsDeterministic(t *testing.T) {
	t.Parallel()
	ids := []string{"hub", "leaf-1", "leaf-2", "leaf-3"}
	a := makeGraph(ids, starLinks())
	b := makeGraph(ids, starLinks())

	require.NoError(t, ApplyLayout(a, ""))
	require.NoError(t, ApplyLayout(b, LayoutForceDirected))

	for i := range a.Nodes {
		require.NotNil(t, a.Nodes[i].Pos)
		require.NotNil(t, b.Nodes[i].Pos)
		assert.Equal(t, a.Nodes[i].Pos, b.Nodes[i].Pos, "unchanged graph lays out identically")
		assert.GreaterOrEqual(t, a.Nodes[i].Pos.X, 0.0)
		assert.LessOrEqual(t, a.Nodes[i].Pos.X, canvasSize)
		assert.GreaterOrEqual(t, a.Nodes[i].Pos.Y, 0.0)
		assert.LessOrEqual(t, a.Nodes[i].Pos.Y, canvasSize)
	}
}

func TestApplyLayout_ForceDirectedReseedsOnStructureChange(t *testing.T) {
	t.Parallel()
	a := makeGraph([]string{"hub", "leaf-1", "leaf-2", "leaf-3"}, starLinks())
	b := makeGraph([]string{"hub", "leaf-1", "leaf-2", "leaf-4"}, starLinks()[:2])

	require.NoError(t, ApplyLayout(a, ""))
	require.NoError(t, ApplyLayout(b, ""))
	assert.NotEqual(t, a.Nodes[0].Pos, b.Nodes[0].Pos)
}

func TestApplyLayout_CircularSpacesNodesOnRing(t *testing.T) {
	t.Parallel()
	g := makeGraph([]string{"a", "b", "c", "d"}, nil)
	require.NoError(t, ApplyLayout(g, LayoutCircular))

	seen := map[Position]bool{}
	for _, n := range g.Nodes {
		require.NotNil(t, n.Pos)
		r := math.Hypot(n.Pos.X-canvasSize/2, n.Pos.Y-canvasSize/2)
		assert.InDelta(t, canvasSize*0.4, r, 1e-9, "node %s sits on the ring", n.ID)
		assert.False(t, seen[*n.Pos])
		seen[*n.Pos] = true
	}
}

func TestApplyLayout_CircularSingleNodeCenters(t *testing.T) {
	t.Parallel()
	g := makeGraph([]string{"only"}, nil)
	require.NoError(t, ApplyLayout(g, LayoutCircular))
	require.NotNil(t, g.Nodes[0].Pos)
	assert.Equal(t, Position{X: canvasSize / 2, Y: canvasSize / 2}, *g.Nodes[0].Pos)
}

func TestApplyLayout_HierarchicalLayersByDegree(t *testing.T) {
	t.Parallel()
	g := makeGraph([]string{"hub", "leaf-1", "leaf-2", "leaf-3"}, starLinks())
	require.NoError(t, ApplyLayout(g, LayoutHierarchical))

	var hub Position
	var leafY []float64
	for _, n := range g.Nodes {
		require.NotNil(t, n.Pos)
		if n.ID == "hub" {
			hub = *n.Pos
			continue
		}
		leafY = append(leafY, n.Pos.Y)
	}
	require.Len(t, leafY, 3)
	for _, y := range leafY {
		assert.Equal(t, leafY[0], y, "equal-degree nodes share a layer")
		assert.Less(t, hub.Y, y, "the best-connected node sits above")
	}
}

func TestApplyLayout_UnknownAlgorithm(t *testing.T) {
	t.Parallel()
	g := makeGraph([]string{"a"}, nil)
	require.Error(t, ApplyLayout(g, "orbital"))
}

func TestApplyLayout_EmptyGraph(t *testing.T) {
	t.Parallel()
	require.NoError(t, ApplyLayout(&Graph{}, LayoutForceDirected))
}
