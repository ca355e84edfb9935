package validation

import (
	"fmt"
	"sort"

	"github.com/corvid-labs/weft/pkg/schema"
)

// GraphValidator runs the two-stage validation pipeline over a workflow graph:
// 1. Structural (JSON Schema: required fields, type enums, bounds)
// 2. Graph (unique ids, edge endpoints, cycle detection via Kahn's algorithm)
// No execution side effect may occur before both stages pass.
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewGraphValidator creates a GraphValidator with the graph schema pre-compiled.
func NewGraphValidator() (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the graph stage is skipped.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph definition is nil")
		return r
	}

	result := validateStructural(gv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateGraph(def))
	return result
}

// ValidateGraph satisfies the Validator interface.
func (gv *GraphValidator) ValidateGraph(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

// validateGraph performs the ordered structural checks JSON Schema cannot
// express, then cycle detection: every node has a non-empty id, ids are
// unique, every edge references declared nodes, and the predecessor relation
// admits a full topological ordering.
func validateGraph(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node at index %d has empty id", i))
			return result
		}
		if nodeIDs[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%s]", n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			return result
		}
		nodeIDs[n.ID] = true
	}

	for i, e := range def.Edges {
		if !nodeIDs[e.Source] {
			result.AddError(fmt.Sprintf("edges[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("edge source %q references an undeclared node", e.Source))
			return result
		}
		if !nodeIDs[e.Target] {
			result.AddError(fmt.Sprintf("edges[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("edge target %q references an undeclared node", e.Target))
			return result
		}
	}

	// predecessors[id] = nodes id depends on, successors[id] = nodes fed by id.
	predecessors := make(map[string][]string, len(def.Nodes))
	successors := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		predecessors[e.Target] = append(predecessors[e.Target], e.Source)
		successors[e.Source] = append(successors[e.Source], e.Target)
	}

	// Kahn's algorithm: failure to order every node signals a cycle.
	inDegree := make(map[string]int, len(def.Nodes))
	for id := range nodeIDs {
		inDegree[id] = len(predecessors[id])
	}

	queue := make([]string, 0, len(def.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("edges", schema.ErrCodeCycleDetected, "graph cycle detected")
	}

	return result
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	werr, ok := err.(*schema.WeftError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if werr.Details != nil {
		if violations, ok := werr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, werr.Message)
	return result
}
