package validation

import "github.com/corvid-labs/weft/pkg/schema"

// Validator checks workflow graphs for correctness before execution.
type Validator interface {
	ValidateGraph(def *schema.GraphDefinition) error
}
