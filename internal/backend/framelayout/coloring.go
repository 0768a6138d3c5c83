package framelayout

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// colorGroup colors the locals of one slot-size group and stores the colors into out, offset by
// base. It returns the number of colors used. The algorithm is Chaitin's simplify/select without
// spilling: there are as many colors as needed, and simplifying the lowest-degree node first keeps
// that number small.
//
// Locals which cannot share a slot get a fresh color each. Colors are numbered in the order of
// their first local in locals so that the layout is deterministic.
func colorGroup(locals []*Local, g *InterferenceGraph, sharing bool, out map[backend.LocalID]int, base int) int {
	if len(locals) == 0 {
		return 0
	}

	// Gather the shareable nodes of this group. Neighbors in other groups never share a slot
	// with these, so they are ignored.
	var nodes []*node
	inGroup := make(map[*node]struct{})
	if sharing && g != nil {
		for _, l := range locals {
			if l.Private != Shareable {
				continue
			}
			if n, ok := g.nodes[l.ID]; ok {
				n.color, n.visited = -1, false
				nodes = append(nodes, n)
				inGroup[n] = struct{}{}
			}
		}
	}

	for _, n := range nodes {
		n.degree = 0
		for _, neighbor := range n.neighbors {
			if _, ok := inGroup[neighbor]; ok {
				n.degree++
			}
		}
	}

	// Simplify: repeatedly remove the node with the smallest current degree.
	coloringStack := make([]*node, 0, len(nodes))
	for len(coloringStack) != len(nodes) {
		var top *node
		for _, n := range nodes {
			if !n.visited && (top == nil || n.degree < top.degree) {
				top = n
			}
		}
		top.visited = true
		for _, neighbor := range top.neighbors {
			if _, ok := inGroup[neighbor]; ok && !neighbor.visited {
				neighbor.degree--
			}
		}
		coloringStack = append(coloringStack, top)
	}

	// Select: pop the nodes and give each the lowest color none of its colored neighbors has.
	var used []bool
	numColors := 0
	for i := len(coloringStack) - 1; i >= 0; i-- {
		n := coloringStack[i]
		for j := range used {
			used[j] = false
		}
		for _, neighbor := range n.neighbors {
			if _, ok := inGroup[neighbor]; ok && neighbor.color >= 0 {
				used[neighbor.color] = true
			}
		}
		color := 0
		for color < numColors && used[color] {
			color++
		}
		if color == numColors {
			numColors++
			used = append(used, false)
		}
		n.color = color

		if jitapi.FrameLayoutLoggingEnabled {
			fmt.Printf("[framelayout] local%d: color %d\n", n.id, color)
		}
	}

	if jitapi.FrameLayoutValidationEnabled {
		for _, n := range coloringStack {
			for _, neighbor := range n.neighbors {
				if _, ok := inGroup[neighbor]; ok && n.color == neighbor.color {
					panic(fmt.Sprintf("BUG color conflict: local%d vs local%d", n.id, neighbor.id))
				}
			}
		}
	}

	// Renumber so that colors follow the order of locals, appending private slots.
	renumber := make(map[int]int, numColors)
	next := 0
	for _, l := range locals {
		if n, ok := g.lookup(l.ID); ok && n.color >= 0 && l.Private == Shareable && sharing {
			c, ok := renumber[n.color]
			if !ok {
				c = next
				renumber[n.color] = c
				next++
			}
			out[l.ID] = base + c
			continue
		}
		out[l.ID] = base + next
		next++
	}

	for _, n := range nodes {
		n.color = -1
	}
	return next
}

func (g *InterferenceGraph) lookup(id backend.LocalID) (*node, bool) {
	if g == nil {
		return nil, false
	}
	n, ok := g.nodes[id]
	return n, ok
}
