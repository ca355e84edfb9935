package nodes

import (
	"context"
	"sync"

	"github.com/corvid-labs/weft/pkg/schema"
)

// Input carries everything a handler needs to execute one node: the node's
// identity and config from the graph definition, plus the merged input
// envelope (nil when the node has no predecessors and the run had no input).
type Input struct {
	NodeID  string
	Config  map[string]any
	Message *schema.Message
}

// Handler executes a single typed node. Implementations must honor context
// cancellation on any blocking work and return either an output envelope or
// an error, never both.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, in Input) (*schema.Message, error)
}

// Registry maps node types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register adds a handler, replacing any previous handler for the same type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given node type.
func (r *Registry) Get(t schema.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered node types.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// DefaultRegistry returns a registry with every built-in handler installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&TriggerHandler{})
	r.Register(&SkillHandler{})
	r.Register(&AgentHandler{})
	r.Register(&CommandHandler{})
	r.Register(&ScriptHandler{})
	r.Register(&ConditionalHandler{})
	r.Register(&TransformHandler{})
	return r
}
