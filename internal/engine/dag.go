package engine

import (
	"sort"

	"github.com/corvid-labs/weft/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a workflow
// version. Built from a GraphDefinition, used by the Executor to determine
// execution order and input routing.
type DAG struct {
	Nodes map[string]*schema.NodeDefinition // node ID → definition
	// Predecessors preserves edge-declaration order; the merge algorithm
	// depends on it.
	Predecessors map[string][]string
	Successors   map[string][]string
	Order        []string // topological visit order
}

// BuildDAG parses a GraphDefinition into an executable DAG. It performs
// topological sorting using Kahn's algorithm and rejects cycles — defense in
// depth beyond the validation pipeline, since a stored graph may predate it.
func BuildDAG(def *schema.GraphDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	dag := &DAG{
		Nodes:        make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Predecessors: make(map[string][]string, len(def.Nodes)),
		Successors:   make(map[string][]string, len(def.Nodes)),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "node with empty id")
		}
		if _, exists := dag.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		dag.Nodes[node.ID] = node
	}

	for _, e := range def.Edges {
		if _, ok := dag.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge source %q not declared", e.Source)
		}
		if _, ok := dag.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge target %q not declared", e.Target)
		}
		dag.Predecessors[e.Target] = append(dag.Predecessors[e.Target], e.Source)
		dag.Successors[e.Source] = append(dag.Successors[e.Source], e.Target)
	}

	// Kahn's algorithm with sorted tie-breaking for a deterministic order.
	inDegree := make(map[string]int, len(dag.Nodes))
	for id := range dag.Nodes {
		inDegree[id] = len(dag.Predecessors[id])
	}

	queue := make([]string, 0, len(dag.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		ready := make([]string, 0)
		for _, succ := range dag.Successors[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(dag.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "Graph cycle detected")
	}

	dag.Order = order
	return dag, nil
}

// DescendantsOf walks the successor graph from the given node with an
// explicit worklist (no recursion, so deep fan-out graphs cannot blow the
// stack) and marks every transitive descendant in the given set. Already
// marked nodes are not revisited, which also terminates diamond shapes.
func (d *DAG) DescendantsOf(nodeID string, marked map[string]bool) {
	stack := append([]string(nil), d.Successors[nodeID]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if marked[n] {
			continue
		}
		marked[n] = true
		stack = append(stack, d.Successors[n]...)
	}
}
