package engine

import (
	"sync"
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

// DefaultCleanupDelay is how long a finished execution's in-memory state
// stays queryable before being dropped. Durable rows remain authoritative.
const DefaultCleanupDelay = 5 * time.Minute

// ExecutionState is the in-memory view of one run, kept current while the
// run is live and for a short window after it finishes.
type ExecutionState struct {
	ExecutionID string
	WorkflowID  string
	Status      schema.ExecutionStatus
	NodeStatus  map[string]schema.NodeStatus
	Error       string
	cancelled   bool
}

// ExecutionRegistry tracks live executions behind a single mutex. The lock is
// never held across I/O; callers copy state out and release.
type ExecutionRegistry struct {
	mu           sync.Mutex
	executions   map[string]*ExecutionState
	cleanupDelay time.Duration
}

func NewExecutionRegistry() *ExecutionRegistry {
	return &ExecutionRegistry{
		executions:   make(map[string]*ExecutionState),
		cleanupDelay: DefaultCleanupDelay,
	}
}

// SetCleanupDelay overrides the retention window for finished executions.
func (r *ExecutionRegistry) SetCleanupDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupDelay = d
}

// Track registers a new execution in pending state.
func (r *ExecutionRegistry) Track(executionID, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[executionID] = &ExecutionState{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      schema.ExecutionStatusPending,
		NodeStatus:  make(map[string]schema.NodeStatus),
	}
}

// SetStatus updates the run status.
func (r *ExecutionRegistry) SetStatus(executionID string, status schema.ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.executions[executionID]; ok {
		state.Status = status
	}
}

// SetError records the run-level error message.
func (r *ExecutionRegistry) SetError(executionID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.executions[executionID]; ok {
		state.Error = message
	}
}

// SetNodeStatus updates one node's status within a run.
func (r *ExecutionRegistry) SetNodeStatus(executionID, nodeID string, status schema.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.executions[executionID]; ok {
		state.NodeStatus[nodeID] = status
	}
}

// Cancel flags a live run for cooperative cancellation. Returns true only
// when the execution is currently running; unknown, still-pending, and
// terminal executions are not cancellable.
func (r *ExecutionRegistry) Cancel(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.executions[executionID]
	if !ok || state.Status != schema.ExecutionStatusRunning {
		return false
	}
	state.cancelled = true
	return true
}

// Cancelled reports whether a cancel was requested for the execution.
func (r *ExecutionRegistry) Cancelled(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.executions[executionID]
	return ok && state.cancelled
}

// Snapshot returns a copy of the execution state.
func (r *ExecutionRegistry) Snapshot(executionID string) (*ExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.executions[executionID]
	if !ok {
		return nil, false
	}
	copied := *state
	copied.NodeStatus = make(map[string]schema.NodeStatus, len(state.NodeStatus))
	for id, s := range state.NodeStatus {
		copied.NodeStatus[id] = s
	}
	return &copied, true
}

// ScheduleCleanup drops the execution's in-memory state after the retention
// window. Queries after that go to the store.
func (r *ExecutionRegistry) ScheduleCleanup(executionID string) {
	r.mu.Lock()
	delay := r.cleanupDelay
	r.mu.Unlock()

	time.AfterFunc(delay, func() {
		r.Remove(executionID)
	})
}

// Remove drops the execution's in-memory state immediately.
func (r *ExecutionRegistry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executions, executionID)
}
