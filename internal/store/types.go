package store

import (
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

// Workflow is the persisted workflow descriptor: identity, enable flag, and
// how runs of it are started. The executable graph lives in WorkflowVersion.
type Workflow struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Enabled       bool               `json:"enabled"`
	TriggerType   schema.TriggerType `json:"trigger_type"`
	TriggerConfig map[string]any     `json:"trigger_config,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// WorkflowVersion is an immutable graph snapshot. Version numbers are
// monotonic per workflow; only the latest executes by default.
type WorkflowVersion struct {
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	Graph      []byte    `json:"graph"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execution is the durable record of a single workflow run.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Version     int                    `json:"version"`
	Status      schema.ExecutionStatus `json:"status"`
	TriggerType schema.TriggerType     `json:"trigger_type,omitempty"`
	Input       *schema.Message        `json:"input,omitempty"`
	Output      *schema.Message        `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NodeExecution is the durable record of a single node visit within a run.
// Rows are created lazily, one per visited node (skipped nodes included).
type NodeExecution struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	NodeType    schema.NodeType   `json:"node_type"`
	Status      schema.NodeStatus `json:"status"`
	Input       *schema.Message   `json:"input,omitempty"`
	Output      *schema.Message   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Enabled     *bool               `json:"enabled,omitempty"`
	TriggerType *schema.TriggerType `json:"trigger_type,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name          *string             `json:"name,omitempty"`
	Enabled       *bool               `json:"enabled,omitempty"`
	TriggerType   *schema.TriggerType `json:"trigger_type,omitempty"`
	TriggerConfig map[string]any      `json:"trigger_config,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      *schema.Message         `json:"output,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// NodeExecutionUpdate specifies mutable fields of a node execution.
type NodeExecutionUpdate struct {
	Status      *schema.NodeStatus `json:"status,omitempty"`
	Output      *schema.Message    `json:"output,omitempty"`
	Error       *string            `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}
