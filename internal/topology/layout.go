package topology

import (
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"sort"
)

const (
	LayoutForceDirected = "force_directed"
	LayoutHierarchical  = "hierarchical"
	LayoutCircular      = "circular"
)

const (
	canvasSize       = 1000.0
	layoutIterations = 50
)

// ApplyLayout assigns advisory positions to every node. The default is
// the force-directed layout.
func ApplyLayout(g *Graph, algorithm string) error {
	if len(g.Nodes) == 0 {
		return nil
	}
	switch algorithm {
	case "", LayoutForceDirected:
		forceDirected(g)
	case LayoutHierarchical:
		hierarchical(g)
	case LayoutCircular:
		circular(g)
	default:
		return fmt.Errorf("unknown layout algorithm %q", algorithm)
	}
	return nil
}

// graphSeed hashes the graph structure so an unchanged graph lays out
// identically across builds.
func graphSeed(g *Graph) int64 {
	h := fnv.New64a()
	for _, n := range g.Nodes {
		io.WriteString(h, n.ID)
		h.Write([]byte{0})
	}
	for _, l := range g.Links {
		io.WriteString(h, string(l.Type))
		io.WriteString(h, l.Source)
		io.WriteString(h, l.Target)
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// forceDirected is Fruchterman-Reingold spring relaxation over a fixed
// iteration count, seeded from the graph hash.
func forceDirected(g *Graph) {
	n := len(g.Nodes)
	rng := rand.New(rand.NewSource(graphSeed(g)))
	pos := make([]Position, n)
	for i := range pos {
		pos[i] = Position{X: rng.Float64() * canvasSize, Y: rng.Float64() * canvasSize}
	}
	byID := make(map[string]int, n)
	for i, node := range g.Nodes {
		byID[node.ID] = i
	}

	k := math.Sqrt(canvasSize * canvasSize / float64(n))
	temp := canvasSize / 10
	cool := temp / float64(layoutIterations+1)

	disp := make([]Position, n)
	for iter := 0; iter < layoutIterations; iter++ {
		for i := range disp {
			disp[i] = Position{}
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				dx := pos[i].X - pos[j].X
				dy := pos[i].Y - pos[j].Y
				d := math.Hypot(dx, dy)
				if d < 0.01 {
					d = 0.01
				}
				f := k * k / d
				disp[i].X += dx / d * f
				disp[i].Y += dy / d * f
				disp[j].X -= dx / d * f
				disp[j].Y -= dy / d * f
			}
		}
		for _, l := range g.Links {
			i, oki := byID[l.Source]
			j, okj := byID[l.Target]
			if !oki || !okj || i == j {
				continue
			}
			dx := pos[i].X - pos[j].X
			dy := pos[i].Y - pos[j].Y
			d := math.Hypot(dx, dy)
			if d < 0.01 {
				continue
			}
			f := d * d / k
			disp[i].X -= dx / d * f
			disp[i].Y -= dy / d * f
			disp[j].X += dx / d * f
			disp[j].Y += dy / d * f
		}
		for i := range pos {
			d := math.Hypot(disp[i].X, disp[i].Y)
			if d > 0 {
				step := math.Min(d, temp)
				pos[i].X += disp[i].X / d * step
				pos[i].Y += disp[i].Y / d * step
			}
			pos[i].X = clamp(pos[i].X, 0, canvasSize)
			pos[i].Y = clamp(pos[i].Y, 0, canvasSize)
		}
		if temp -= cool; temp < 1 {
			temp = 1
		}
	}
	for i := range g.Nodes {
		p := pos[i]
		g.Nodes[i].Pos = &p
	}
}

// hierarchical stacks nodes into rows by degree: the best-connected
// devices sit in the top layer.
func hierarchical(g *Graph) {
	degree := make(map[string]int, len(g.Nodes))
	for _, l := range g.Links {
		degree[l.Source]++
		degree[l.Target]++
	}
	var degrees []int
	seen := map[int]bool{}
	for _, node := range g.Nodes {
		if d := degree[node.ID]; !seen[d] {
			seen[d] = true
			degrees = append(degrees, d)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(degrees)))
	layerOf := make(map[int]int, len(degrees))
	for i, d := range degrees {
		layerOf[d] = i
	}

	layers := make([][]int, len(degrees))
	for i, node := range g.Nodes {
		l := layerOf[degree[node.ID]]
		layers[l] = append(layers[l], i)
	}
	rowGap := canvasSize / float64(len(layers)+1)
	for li, members := range layers {
		colGap := canvasSize / float64(len(members)+1)
		for ci, ni := range members {
			g.Nodes[ni].Pos = &Position{X: colGap * float64(ci+1), Y: rowGap * float64(li+1)}
		}
	}
}

// circular spaces nodes evenly around a ring, in node order.
func circular(g *Graph) {
	n := len(g.Nodes)
	if n == 1 {
		g.Nodes[0].Pos = &Position{X: canvasSize / 2, Y: canvasSize / 2}
		return
	}
	r := canvasSize * 0.4
	for i := range g.Nodes {
		a := 2 * math.Pi * float64(i) / float64(n)
		g.Nodes[i].Pos = &Position{
			X: canvasSize/2 + r*math.Cos(a),
			Y: canvasSize/2 + r*math.Sin(a),
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
