package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Versions (immutable graph snapshots, monotonic per workflow)
	CreateVersion(ctx context.Context, workflowID string, graph []byte) (*WorkflowVersion, error)
	GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error)
	LatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Node executions
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
