package framelayout

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/jitlink/internal/backend"
)

// InterferenceGraph records which locals are simultaneously live. Locals without a node are
// laid out conservatively in a private slot.
type InterferenceGraph struct {
	nodes map[backend.LocalID]*node
}

type node struct {
	id        backend.LocalID
	neighbors []*node
	// degree is the current degree during simplification.
	degree  int
	visited bool
	color   int
}

// NewInterferenceGraph returns an empty graph.
func NewInterferenceGraph() *InterferenceGraph {
	return &InterferenceGraph{nodes: make(map[backend.LocalID]*node)}
}

// AddNode adds a node for id. Adding a node twice is a no-op.
func (g *InterferenceGraph) AddNode(id backend.LocalID) {
	g.node(id)
}

func (g *InterferenceGraph) node(id backend.LocalID) *node {
	n, ok := g.nodes[id]
	if !ok {
		n = &node{id: id, color: -1}
		g.nodes[id] = n
	}
	return n
}

// AddEdge records that a and b are live at the same time.
func (g *InterferenceGraph) AddEdge(a, b backend.LocalID) {
	if a == b {
		panic(fmt.Sprintf("BUG: self interference of local %d", a))
	}
	na, nb := g.node(a), g.node(b)
	if na.interferes(nb) {
		return
	}
	na.neighbors = append(na.neighbors, nb)
	nb.neighbors = append(nb.neighbors, na)
}

// HasNode returns true if id has a node.
func (g *InterferenceGraph) HasNode(id backend.LocalID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Interferes returns true if a and b are live at the same time.
func (g *InterferenceGraph) Interferes(a, b backend.LocalID) bool {
	na, ok := g.nodes[a]
	if !ok {
		return false
	}
	nb, ok := g.nodes[b]
	if !ok {
		return false
	}
	return na.interferes(nb)
}

func (n *node) interferes(o *node) bool {
	for _, x := range n.neighbors {
		if x == o {
			return true
		}
	}
	return false
}

// LiveRange is the half-open interval [Begin, End) of instruction positions where a local is live.
type LiveRange struct {
	Begin, End int
}

func (r LiveRange) intersects(o LiveRange) bool {
	return r.Begin < o.End && o.Begin < r.End
}

// GraphFromLiveRanges builds the interference graph of locals given their live ranges.
// A local may have several disjoint ranges.
func GraphFromLiveRanges(ranges map[backend.LocalID][]LiveRange) *InterferenceGraph {
	ids := make([]backend.LocalID, 0, len(ranges))
	for id := range ranges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	g := NewInterferenceGraph()
	for i, a := range ids {
		g.AddNode(a)
		for _, b := range ids[i+1:] {
			if rangesIntersect(ranges[a], ranges[b]) {
				g.AddEdge(a, b)
			}
		}
	}
	return g
}

func rangesIntersect(a, b []LiveRange) bool {
	for _, x := range a {
		for _, y := range b {
			if x.intersects(y) {
				return true
			}
		}
	}
	return false
}
