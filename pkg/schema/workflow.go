package schema

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeTrigger     NodeType = "trigger"
	NodeTypeSkill       NodeType = "skill"
	NodeTypeCommand     NodeType = "command"
	NodeTypeAgent       NodeType = "agent"
	NodeTypeScript      NodeType = "script"
	NodeTypeConditional NodeType = "conditional"
	NodeTypeTransform   NodeType = "transform"
)

// NodeTypes lists every recognized node type.
var NodeTypes = []NodeType{
	NodeTypeTrigger,
	NodeTypeSkill,
	NodeTypeCommand,
	NodeTypeAgent,
	NodeTypeScript,
	NodeTypeConditional,
	NodeTypeTransform,
}

// ErrorMode is the per-node policy applied when a node's retries are exhausted.
type ErrorMode string

const (
	// ErrorModeStop fails the run and skips every downstream node.
	ErrorModeStop ErrorMode = "stop"
	// ErrorModeContinue skips downstream nodes but leaves the run alive.
	ErrorModeContinue ErrorMode = "continue"
	// ErrorModeContinueWithError feeds a synthesized error envelope downstream.
	ErrorModeContinueWithError ErrorMode = "continue_with_error"
)

// TriggerType identifies how a workflow run is started.
type TriggerType string

const (
	TriggerTypeManual     TriggerType = "manual"
	TriggerTypeCompletion TriggerType = "completion"
	TriggerTypeCron       TriggerType = "cron"
	TriggerTypePoll       TriggerType = "poll"
	TriggerTypeWatch      TriggerType = "watch"
)

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeStatus is the lifecycle state of a single node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// GraphDefinition is the JSON-serializable workflow graph format.
// An immutable snapshot of it is stored per workflow version.
type GraphDefinition struct {
	Nodes    []NodeDefinition `json:"nodes"`
	Edges    []EdgeDefinition `json:"edges,omitempty"`
	Settings GraphSettings    `json:"settings,omitempty"`
}

// GraphSettings holds graph-wide execution options.
type GraphSettings struct {
	// TimeoutSeconds bounds total run wall time. Zero means the engine default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// NodeDefinition describes a single typed step in a workflow graph.
type NodeDefinition struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Label  string         `json:"label,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	// OnError defaults to stop when empty.
	OnError             ErrorMode `json:"on_error,omitempty"`
	RetryMax            int       `json:"retry_max,omitempty"`
	RetryBackoffSeconds int       `json:"retry_backoff_seconds,omitempty"`
}

// EdgeDefinition is a directed data-flow dependency between two nodes.
type EdgeDefinition struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// --- Trigger configurations ---

// CronTriggerConfig configures a cron trigger.
type CronTriggerConfig struct {
	Expression string `json:"expression" validate:"required"`
}

// PollTriggerConfig configures a resource-polling trigger.
type PollTriggerConfig struct {
	URL             string            `json:"url"              validate:"required,url"`
	Method          string            `json:"method,omitempty" validate:"omitempty,oneof=GET HEAD POST"`
	Headers         map[string]string `json:"headers,omitempty"`
	IntervalSeconds int               `json:"interval_seconds" validate:"required,min=1"`
	// Mode is status_changed (fire on body hash change) or always.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=status_changed always"`
}

// WatchTriggerConfig configures a filesystem-watch trigger.
type WatchTriggerConfig struct {
	Path      string   `json:"path" validate:"required"`
	Recursive bool     `json:"recursive,omitempty"`
	// Patterns are shell globs matched against the changed file's base name.
	Patterns []string `json:"patterns,omitempty"`
}

// CompletionTriggerConfig configures a completion-chaining trigger.
type CompletionTriggerConfig struct {
	SourceType string `json:"source_type" validate:"required"`
	SourceID   string `json:"source_id"   validate:"required"`
}
