// Package dag parses a flow definition into a structural graph and validates
// that it is executable: unique node ids, resolvable edges, no directed
// cycles, a single entry point, and well-formed condition/loop handles.
//
// Parse is deterministic: identical definitions produce byte-identical
// results. Every tie-break (ready-set ordering in Kahn's algorithm, issue
// ordering) uses lexicographic node-id order.
package dag

import (
	"fmt"
	"sort"

	"github.com/n3nlabs/n3n/runtime/flow"
)

// Issue codes reported by Parse.
const (
	CodeEmptyNodeID     = "EMPTY_NODE_ID"
	CodeDuplicateNodeID = "DUPLICATE_NODE_ID"
	CodeDanglingEdge    = "DANGLING_EDGE"
	CodeDuplicateEdge   = "DUPLICATE_EDGE"
	CodeCycle           = "CYCLE"
	CodeNoEntry         = "NO_ENTRY"
	CodeMultipleEntries = "MULTIPLE_ENTRIES"
	CodeUnknownEntry    = "UNKNOWN_ENTRY"
	CodeBadHandles      = "BAD_HANDLES"
	CodeUnreachable     = "UNREACHABLE_NODE"
)

type (
	// Issue is one validation finding. Errors block execution; warnings do
	// not.
	Issue struct {
		Code    string `json:"code"`
		NodeID  string `json:"node_id,omitempty"`
		EdgeID  string `json:"edge_id,omitempty"`
		Message string `json:"message"`
	}

	// ParseResult reports whether the definition is executable, the
	// deterministic topological order the engine uses as a scheduling hint,
	// and every finding. ExecutionOrder is empty when Valid is false.
	ParseResult struct {
		Valid          bool     `json:"valid"`
		ExecutionOrder []string `json:"execution_order,omitempty"`
		Errors         []Issue  `json:"errors,omitempty"`
		Warnings       []Issue  `json:"warnings,omitempty"`
	}

	// Graph is the structural index built during parsing. The engine uses it
	// for readiness checks, skip propagation, and loop-body extraction.
	Graph struct {
		nodes   map[string]flow.Node
		succ    map[string][]flow.Edge
		pred    map[string][]flow.Edge
		topo    map[string]int
		order   []string
		entries []string
	}

	// Option adjusts parsing behavior.
	Option func(*options)

	options struct {
		entryNode string
	}
)

// WithEntryNode overrides entry detection: the execution starts at the given
// node id and the single-entry rule is not enforced.
func WithEntryNode(id string) Option {
	return func(o *options) { o.entryNode = id }
}

// Parse validates the definition and builds its structural graph. The graph
// is nil when the result is not valid.
func Parse(def flow.Definition, opts ...Option) (ParseResult, *Graph) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var res ParseResult
	g := &Graph{
		nodes: make(map[string]flow.Node, len(def.Nodes)),
		succ:  make(map[string][]flow.Edge),
		pred:  make(map[string][]flow.Edge),
		topo:  make(map[string]int),
	}

	// Check 1: non-empty unique node ids.
	for _, n := range def.Nodes {
		if n.ID == "" {
			res.Errors = append(res.Errors, Issue{Code: CodeEmptyNodeID, Message: "node with empty id"})
			continue
		}
		if _, dup := g.nodes[n.ID]; dup {
			res.Errors = append(res.Errors, Issue{Code: CodeDuplicateNodeID, NodeID: n.ID,
				Message: fmt.Sprintf("node id %q appears more than once", n.ID)})
			continue
		}
		g.nodes[n.ID] = n
	}

	// Check 2: edges reference extant nodes; multi-edges need distinct handles.
	// Edges are walked in id order so issue attribution does not depend on
	// input position: of two duplicates the lexicographically larger id is
	// flagged and the smaller one enters the adjacency lists.
	edges := make([]flow.Edge, len(def.Edges))
	copy(edges, def.Edges)
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	seenEdges := make(map[[4]string]string, len(edges))
	for _, e := range edges {
		if _, ok := g.nodes[e.Source]; !ok {
			res.Errors = append(res.Errors, Issue{Code: CodeDanglingEdge, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q references unknown source %q", e.ID, e.Source)})
			continue
		}
		if _, ok := g.nodes[e.Target]; !ok {
			res.Errors = append(res.Errors, Issue{Code: CodeDanglingEdge, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q references unknown target %q", e.ID, e.Target)})
			continue
		}
		key := [4]string{e.Source, e.Target, e.SourceHandle, e.TargetHandle}
		if prev, dup := seenEdges[key]; dup {
			res.Errors = append(res.Errors, Issue{Code: CodeDuplicateEdge, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q duplicates edge %q (same endpoints and handles)", e.ID, prev)})
			continue
		}
		seenEdges[key] = e.ID
		g.succ[e.Source] = append(g.succ[e.Source], e)
		g.pred[e.Target] = append(g.pred[e.Target], e)
	}

	// Deterministic adjacency ordering.
	for id := range g.succ {
		sortEdges(g.succ[id])
	}
	for id := range g.pred {
		sortEdges(g.pred[id])
	}

	// Check 4: entry detection.
	var entries []string
	for id, n := range g.nodes {
		if flow.IsEntryType(n.Type) {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	switch {
	case o.entryNode != "":
		if _, ok := g.nodes[o.entryNode]; !ok {
			res.Errors = append(res.Errors, Issue{Code: CodeUnknownEntry, NodeID: o.entryNode,
				Message: fmt.Sprintf("explicit entry node %q not in definition", o.entryNode)})
		} else {
			g.entries = []string{o.entryNode}
		}
	case len(entries) == 0:
		res.Errors = append(res.Errors, Issue{Code: CodeNoEntry,
			Message: "definition has no trigger, scheduleTrigger, or webhook node"})
	case len(entries) > 1:
		res.Errors = append(res.Errors, Issue{Code: CodeMultipleEntries, NodeID: entries[1],
			Message: fmt.Sprintf("definition has %d entry nodes, want exactly one", len(entries))})
	default:
		g.entries = entries
	}

	// Check 6: condition and loop handle shapes.
	for _, id := range sortedIDs(g.nodes) {
		n := g.nodes[id]
		switch n.Type {
		case flow.TypeCondition:
			counts := map[string]int{}
			for _, e := range g.succ[id] {
				counts[e.SourceHandle]++
			}
			for h, c := range counts {
				if h != flow.ConditionTrue && h != flow.ConditionFalse {
					res.Errors = append(res.Errors, Issue{Code: CodeBadHandles, NodeID: id,
						Message: fmt.Sprintf("condition node %q has outgoing handle %q, want %q or %q", id, h, flow.ConditionTrue, flow.ConditionFalse)})
				} else if c > 1 {
					res.Errors = append(res.Errors, Issue{Code: CodeBadHandles, NodeID: id,
						Message: fmt.Sprintf("condition node %q has %d edges on handle %q, want at most one", id, c, h)})
				}
			}
		case flow.TypeLoop:
			var body, after int
			for _, e := range g.succ[id] {
				switch e.SourceHandle {
				case flow.LoopBody:
					body++
				case flow.LoopAfter:
					after++
				default:
					res.Errors = append(res.Errors, Issue{Code: CodeBadHandles, NodeID: id,
						Message: fmt.Sprintf("loop node %q has outgoing handle %q, want %q or %q", id, e.SourceHandle, flow.LoopBody, flow.LoopAfter)})
				}
			}
			if body != 1 {
				res.Errors = append(res.Errors, Issue{Code: CodeBadHandles, NodeID: id,
					Message: fmt.Sprintf("loop node %q has %d body handles, want exactly one", id, body)})
			}
			if after > 1 {
				res.Errors = append(res.Errors, Issue{Code: CodeBadHandles, NodeID: id,
					Message: fmt.Sprintf("loop node %q has %d after handles, want at most one", id, after)})
			}
		}
	}

	// Check 3: acyclicity via Kahn's algorithm, lexicographic tie-break.
	order, acyclic := g.kahn()
	if !acyclic {
		res.Errors = append(res.Errors, Issue{Code: CodeCycle,
			Message: "definition contains a directed cycle"})
	}

	// Check 5: reachability from entries; unreachable nodes warn only.
	if len(g.entries) > 0 {
		reach := g.Reachable(nil)
		for _, id := range sortedIDs(g.nodes) {
			if !reach[id] {
				res.Warnings = append(res.Warnings, Issue{Code: CodeUnreachable, NodeID: id,
					Message: fmt.Sprintf("node %q is not reachable from any entry node", id)})
			}
		}
	}

	res.Valid = len(res.Errors) == 0
	if !res.Valid {
		return res, nil
	}
	g.order = order
	for i, id := range order {
		g.topo[id] = i
	}
	res.ExecutionOrder = order
	return res, g
}

// kahn computes a deterministic topological order. The second return is
// false when the graph has a cycle.
func (g *Graph) kahn() ([]string, bool) {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = 0
	}
	for _, edges := range g.succ {
		for _, e := range edges {
			indeg[e.Target]++
		}
	}
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var freed []string
		for _, e := range g.succ[id] {
			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				freed = append(freed, e.Target)
			}
		}
		if len(freed) > 0 {
			ready = append(ready, freed...)
			sort.Strings(ready)
		}
	}
	return order, len(order) == len(g.nodes)
}

// Entries returns the entry node ids in lexicographic order.
func (g *Graph) Entries() []string { return g.entries }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (flow.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns every node id in lexicographic order.
func (g *Graph) NodeIDs() []string { return sortedIDs(g.nodes) }

// Successors returns the outgoing edges of a node in deterministic order.
func (g *Graph) Successors(id string) []flow.Edge { return g.succ[id] }

// Predecessors returns the incoming edges of a node in deterministic order.
func (g *Graph) Predecessors(id string) []flow.Edge { return g.pred[id] }

// TopoIndex returns the node's position in the stable topological order.
func (g *Graph) TopoIndex(id string) int { return g.topo[id] }

// Reachable returns the set of nodes reachable from the entry nodes while
// skipping the given dead edges (keyed by edge id). A nil map means no edge
// is dead. The engine uses this for branch-skip propagation: a pending node
// that falls out of the reachable set has no surviving path and transitions
// to skipped.
func (g *Graph) Reachable(deadEdges map[string]bool) map[string]bool {
	reach := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), g.entries...)
	for _, id := range queue {
		reach[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.succ[id] {
			if deadEdges[e.ID] || reach[e.Target] {
				continue
			}
			reach[e.Target] = true
			queue = append(queue, e.Target)
		}
	}
	return reach
}

// LoopBody extracts the body subgraph of a loop node: the body entry ids and
// the set of nodes that belong to the body (reachable through the body handle
// but not through the after handle). The loop node itself is excluded.
func (g *Graph) LoopBody(loopID string) (heads []string, body map[string]bool) {
	var afterHeads []string
	for _, e := range g.succ[loopID] {
		switch e.SourceHandle {
		case flow.LoopBody:
			heads = append(heads, e.Target)
		case flow.LoopAfter:
			afterHeads = append(afterHeads, e.Target)
		}
	}
	sort.Strings(heads)
	afterSet := g.closure(afterHeads)
	body = make(map[string]bool)
	for id := range g.closure(heads) {
		if id != loopID && !afterSet[id] {
			body[id] = true
		}
	}
	return heads, body
}

// closure returns the forward closure of the given seed nodes.
func (g *Graph) closure(seeds []string) map[string]bool {
	out := make(map[string]bool, len(seeds))
	queue := append([]string(nil), seeds...)
	for _, id := range queue {
		out[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.succ[id] {
			if !out[e.Target] {
				out[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return out
}

func sortEdges(edges []flow.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.SourceHandle != b.SourceHandle {
			return a.SourceHandle < b.SourceHandle
		}
		return a.TargetHandle < b.TargetHandle
	})
}

func sortedIDs(nodes map[string]flow.Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
