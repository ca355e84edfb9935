package trigger

import (
	"context"
	"strconv"
	"sync"

	"github.com/corvid-labs/weft/internal/engine"
	"github.com/corvid-labs/weft/pkg/schema"
)

// maxChainDepth caps completion chains. A source run at this depth can no
// longer trigger another hop.
const maxChainDepth = 10

// completionRegistry maps (source_type, source_id) to the workflows that
// should run when that source finishes.
type completionRegistry struct {
	mu sync.Mutex
	// targets: source key → target workflow ids (insertion order preserved).
	targets map[string][]string
	// bySource: target workflow id → its registered source key, for
	// replace-on-reregister and unregister.
	bySource map[string]string
}

func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{
		targets:  make(map[string][]string),
		bySource: make(map[string]string),
	}
}

func sourceKey(sourceType, sourceID string) string {
	return sourceType + "/" + sourceID
}

func (r *completionRegistry) register(workflowID string, cfg schema.CompletionTriggerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sourceKey(cfg.SourceType, cfg.SourceID)
	if prev, ok := r.bySource[workflowID]; ok {
		if prev == key {
			return
		}
		r.removeTarget(prev, workflowID)
	}
	r.targets[key] = append(r.targets[key], workflowID)
	r.bySource[workflowID] = key
}

func (r *completionRegistry) unregister(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.bySource[workflowID]; ok {
		r.removeTarget(key, workflowID)
		delete(r.bySource, workflowID)
	}
}

// removeTarget must be called with the lock held.
func (r *completionRegistry) removeTarget(key, workflowID string) {
	remaining := r.targets[key][:0]
	for _, id := range r.targets[key] {
		if id != workflowID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(r.targets, key)
	} else {
		r.targets[key] = remaining
	}
}

func (r *completionRegistry) lookup(sourceType, sourceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets[sourceKey(sourceType, sourceID)]...)
}

// ExecutionCompleted implements engine.CompletionNotifier. Each registered
// target runs with the source's status and output as input. The chain_depth
// counter rides in message metadata; chains are refused once the next hop
// would exceed the cap, logged rather than raised.
func (m *Manager) ExecutionCompleted(ctx context.Context, event engine.CompletionEvent) {
	targets := m.completions.lookup(event.EntityType, event.EntityID)
	if len(targets) == 0 {
		return
	}

	nextDepth := event.ChainDepth + 1
	if nextDepth > maxChainDepth {
		m.logger.Warn("completion chain depth limit reached, refusing to trigger",
			"source_id", event.EntityID, "execution_id", event.ExecutionID, "chain_depth", event.ChainDepth)
		return
	}

	for _, target := range targets {
		input := completionInput(event, nextDepth)
		m.logger.Info("completion chain firing",
			"source_id", event.EntityID, "target_workflow_id", target, "chain_depth", nextDepth)
		m.fire(target, schema.TriggerTypeCompletion, input)
	}
}

// completionInput builds the envelope a chained run starts with: the source's
// output payload plus provenance and the hop counter.
func completionInput(event engine.CompletionEvent, depth int) *schema.Message {
	var input *schema.Message
	if event.Output != nil {
		input = event.Output.Clone()
	} else {
		input = schema.NewTextMessage("")
	}

	if input.Data == nil {
		input.Data = make(map[string]any)
	}
	input.Data["source_type"] = event.EntityType
	input.Data["source_id"] = event.EntityID
	input.Data["source_status"] = string(event.Status)

	if input.Metadata == nil {
		input.Metadata = make(map[string]string)
	}
	input.Metadata["chain_depth"] = strconv.Itoa(depth)
	input.Metadata["source_execution_id"] = event.ExecutionID
	return input
}
