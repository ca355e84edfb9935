package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/weft/internal/logging"
	"github.com/corvid-labs/weft/internal/store"
	"github.com/corvid-labs/weft/internal/validation"
	"github.com/corvid-labs/weft/pkg/schema"
)

// DefaultWorkflowTimeout bounds total run wall time when neither the caller
// nor the graph settings specify one.
const DefaultWorkflowTimeout = 1800 * time.Second

// CompletionEvent describes a finished run for downstream trigger chaining.
type CompletionEvent struct {
	EntityType  string
	EntityID    string
	ExecutionID string
	Status      schema.ExecutionStatus
	Output      *schema.Message
	ChainDepth  int
}

// CompletionNotifier receives completion events after a run reaches a
// terminal status. Notification failures never alter the run's outcome.
type CompletionNotifier interface {
	ExecutionCompleted(ctx context.Context, event CompletionEvent)
}

// ExecuteOptions tunes a single run.
type ExecuteOptions struct {
	Input *schema.Message
	// TriggerType records how the run was started; empty means manual.
	TriggerType schema.TriggerType
	// TimeoutOverrideSeconds beats the graph settings timeout when positive.
	TimeoutOverrideSeconds int
}

// StatusReport is the queryable view of one run.
type StatusReport struct {
	ExecutionID string
	WorkflowID  string
	Status      schema.ExecutionStatus
	NodeStatus  map[string]schema.NodeStatus
	Error       string
	Output      *schema.Message
}

// Executor runs workflow graphs: it validates, persists run state, walks the
// topological order, and applies per-node retry and error-mode policy.
type Executor struct {
	store      store.Store
	registry   *ExecutionRegistry
	dispatcher *Dispatcher
	validator  validation.Validator
	logger     *slog.Logger

	mu             sync.Mutex
	notifier       CompletionNotifier
	defaultTimeout time.Duration
	wg             sync.WaitGroup
}

func NewExecutor(st store.Store, registry *ExecutionRegistry, dispatcher *Dispatcher, validator validation.Validator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      st,
		registry:   registry,
		dispatcher: dispatcher,
		validator:  validator,
		logger:     logger,
	}
}

// SetCompletionNotifier installs the completion callback. Injected after
// construction so the trigger layer can depend on the executor without a
// circular reference.
func (e *Executor) SetCompletionNotifier(n CompletionNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetDefaultTimeout replaces DefaultWorkflowTimeout for runs whose caller
// options and graph settings both leave the timeout unset. Non-positive
// values are ignored.
func (e *Executor) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultTimeout = d
}

func (e *Executor) fallbackTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.defaultTimeout > 0 {
		return e.defaultTimeout
	}
	return DefaultWorkflowTimeout
}

// Execute starts a run of the workflow's latest version and returns the
// execution id as soon as the run is admitted. Validation failures surface
// here, before any row is written; the run itself proceeds asynchronously.
func (e *Executor) Execute(ctx context.Context, workflowID string, opts ExecuteOptions) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !wf.Enabled {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is disabled", workflowID)
	}

	version, err := e.store.LatestVersion(ctx, workflowID)
	if err != nil {
		return "", err
	}

	var def schema.GraphDefinition
	if err := json.Unmarshal(version.Graph, &def); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "stored graph is not valid JSON: %v", err).WithCause(err)
	}
	if err := e.validator.ValidateGraph(&def); err != nil {
		return "", err
	}
	dag, err := BuildDAG(&def)
	if err != nil {
		return "", err
	}

	triggerType := opts.TriggerType
	if triggerType == "" {
		triggerType = schema.TriggerTypeManual
	}

	exec := &store.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Version:     version.Version,
		Status:      schema.ExecutionStatusPending,
		TriggerType: triggerType,
		Input:       opts.Input,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	e.registry.Track(exec.ID, workflowID)

	timeout := runTimeout(opts.TimeoutOverrideSeconds, def.Settings.TimeoutSeconds, e.fallbackTimeout())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(exec.ID, wf.ID, dag, opts.Input, timeout)
	}()

	return exec.ID, nil
}

func runTimeout(overrideSeconds, settingsSeconds int, fallback time.Duration) time.Duration {
	switch {
	case overrideSeconds > 0:
		return time.Duration(overrideSeconds) * time.Second
	case settingsSeconds > 0:
		return time.Duration(settingsSeconds) * time.Second
	default:
		return fallback
	}
}

// Wait blocks until every in-flight run finishes. Intended for shutdown and
// tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// run drives one execution to a terminal status. Runs on its own goroutine;
// all failures are absorbed into the run record.
func (e *Executor) run(executionID, workflowID string, dag *DAG, input *schema.Message, timeout time.Duration) {
	ctx := logging.WithWorkflowID(context.Background(), workflowID)
	ctx = logging.WithExecutionID(ctx, executionID)

	start := time.Now()
	e.setRunStatus(ctx, executionID, schema.ExecutionStatusRunning)
	e.logger.InfoContext(ctx, "execution started", "timeout", timeout.String())

	outputs := make(map[string]*schema.Message, len(dag.Order))
	skipped := make(map[string]bool)
	recorded := make(map[string]bool)

	status := schema.ExecutionStatusCompleted
	runErr := ""
	failed := false

	for _, nodeID := range dag.Order {
		if time.Since(start) > timeout {
			skipped[nodeID] = true
			status = schema.ExecutionStatusFailed
			runErr = fmt.Sprintf("workflow timed out after %d seconds", int(timeout.Seconds()))
			e.logger.WarnContext(ctx, "workflow timeout", "node_id", nodeID)
			break
		}
		if e.registry.Cancelled(executionID) {
			status = schema.ExecutionStatusCancelled
			runErr = "Cancelled by user"
			e.logger.InfoContext(ctx, "execution cancelled", "node_id", nodeID)
			break
		}

		node := dag.Nodes[nodeID]
		nodeCtx := logging.WithNodeID(ctx, nodeID)

		if skipped[nodeID] {
			e.recordSkipped(nodeCtx, executionID, node)
			recorded[nodeID] = true
			continue
		}

		msg := nodeInput(dag, nodeID, outputs, input)

		rowID := e.recordRunning(nodeCtx, executionID, node, msg)
		recorded[nodeID] = true

		out, err := e.dispatchWithRetry(nodeCtx, node, msg)
		if err == nil {
			e.recordCompleted(nodeCtx, executionID, rowID, node.ID, out)
			outputs[nodeID] = out
			continue
		}

		errMsg := err.Error()
		e.recordFailed(nodeCtx, executionID, rowID, node.ID, errMsg)

		mode := node.OnError
		if mode == "" {
			mode = schema.ErrorModeStop
		}
		switch mode {
		case schema.ErrorModeContinueWithError:
			synthetic := &schema.Message{
				ContentType: schema.ContentTypeError,
				Text:        errMsg,
				Data:        map[string]any{"error": errMsg, "node_id": nodeID},
				Metadata:    map[string]string{"node_id": nodeID, "error": "true"},
			}
			outputs[nodeID] = synthetic
		case schema.ErrorModeContinue:
			dag.DescendantsOf(nodeID, skipped)
		default: // stop
			dag.DescendantsOf(nodeID, skipped)
			failed = true
			runErr = fmt.Sprintf("Node %s failed: %s", nodeID, errMsg)
		}
		if mode == schema.ErrorModeStop {
			break
		}
	}

	// Nodes marked skipped but never visited (stop-mode descendants past the
	// break point, timeout's offending node) still get rows.
	for _, nodeID := range dag.Order {
		if skipped[nodeID] && !recorded[nodeID] {
			e.recordSkipped(logging.WithNodeID(ctx, nodeID), executionID, dag.Nodes[nodeID])
			recorded[nodeID] = true
		}
	}

	if failed && status == schema.ExecutionStatusCompleted {
		status = schema.ExecutionStatusFailed
	}

	output := finalOutput(dag.Order, outputs)
	e.finalize(ctx, executionID, workflowID, status, output, runErr, input)
}

// dispatchWithRetry runs up to 1+retry_max attempts with geometric backoff.
// Non-retryable errors short-circuit.
func (e *Executor) dispatchWithRetry(ctx context.Context, node *schema.NodeDefinition, msg *schema.Message) (*schema.Message, error) {
	attempts := 1 + node.RetryMax
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.dispatcher.Dispatch(ctx, node, msg)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt < attempts {
			delay := Backoff(node.RetryBackoffSeconds, attempt)
			e.logger.WarnContext(ctx, "node attempt failed, retrying",
				"attempt", attempt, "of", attempts, "backoff", delay.String(), "error", err.Error())
			if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "Cancelled by user").WithNode(node.ID)
			}
		}
	}

	if attempts > 1 {
		return nil, fmt.Errorf("%s (after %d attempts)", lastErr.Error(), attempts)
	}
	return nil, lastErr
}

// nodeInput selects the input envelope: zero predecessors see the run input,
// one predecessor's output passes through verbatim, fan-in merges outputs in
// edge-declaration order. Predecessors that produced nothing (skipped or
// failed without a synthetic envelope) contribute nothing.
func nodeInput(dag *DAG, nodeID string, outputs map[string]*schema.Message, runInput *schema.Message) *schema.Message {
	preds := dag.Predecessors[nodeID]
	if len(preds) == 0 {
		return runInput
	}

	incoming := make([]*schema.Message, 0, len(preds))
	for _, pred := range preds {
		if out, ok := outputs[pred]; ok {
			incoming = append(incoming, out)
		}
	}
	switch len(incoming) {
	case 0:
		return nil
	case 1:
		return incoming[0]
	default:
		return schema.Merge(incoming)
	}
}

// finalOutput is the output of the last node in visit order that produced one.
func finalOutput(order []string, outputs map[string]*schema.Message) *schema.Message {
	for i := len(order) - 1; i >= 0; i-- {
		if out, ok := outputs[order[i]]; ok {
			return out
		}
	}
	return nil
}

func (e *Executor) finalize(ctx context.Context, executionID, workflowID string, status schema.ExecutionStatus, output *schema.Message, runErr string, input *schema.Message) {
	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		Status:      &status,
		Output:      output,
		CompletedAt: &now,
	}
	if runErr != "" {
		update.Error = &runErr
	}
	if err := e.store.UpdateExecution(ctx, executionID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist execution result", "error", err.Error())
	}

	e.registry.SetStatus(executionID, status)
	if runErr != "" {
		e.registry.SetError(executionID, runErr)
	}
	e.registry.ScheduleCleanup(executionID)

	e.logger.InfoContext(ctx, "execution finished", "status", string(status))

	e.mu.Lock()
	notifier := e.notifier
	e.mu.Unlock()
	if notifier != nil {
		notifier.ExecutionCompleted(ctx, CompletionEvent{
			EntityType:  "workflow",
			EntityID:    workflowID,
			ExecutionID: executionID,
			Status:      status,
			Output:      output,
			ChainDepth:  chainDepth(input),
		})
	}
}

// chainDepth reads the completion-chain hop counter carried in the run input.
func chainDepth(input *schema.Message) int {
	if input == nil || input.Metadata == nil {
		return 0
	}
	depth, err := strconv.Atoi(input.Metadata["chain_depth"])
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

func (e *Executor) setRunStatus(ctx context.Context, executionID string, status schema.ExecutionStatus) {
	e.registry.SetStatus(executionID, status)
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &status}); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist execution status", "error", err.Error())
	}
}

// --- Node row bookkeeping ---

func (e *Executor) recordRunning(ctx context.Context, executionID string, node *schema.NodeDefinition, input *schema.Message) string {
	now := time.Now().UTC()
	row := &store.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      schema.NodeStatusRunning,
		Input:       input,
		StartedAt:   &now,
	}
	if err := e.store.CreateNodeExecution(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist node start", "error", err.Error())
	}
	e.registry.SetNodeStatus(executionID, node.ID, schema.NodeStatusRunning)
	return row.ID
}

func (e *Executor) recordCompleted(ctx context.Context, executionID, rowID, nodeID string, output *schema.Message) {
	now := time.Now().UTC()
	completed := schema.NodeStatusCompleted
	update := store.NodeExecutionUpdate{Status: &completed, Output: output, CompletedAt: &now}
	if err := e.store.UpdateNodeExecution(ctx, rowID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist node result", "error", err.Error())
	}
	e.registry.SetNodeStatus(executionID, nodeID, schema.NodeStatusCompleted)
}

func (e *Executor) recordFailed(ctx context.Context, executionID, rowID, nodeID, errMsg string) {
	now := time.Now().UTC()
	failedStatus := schema.NodeStatusFailed
	update := store.NodeExecutionUpdate{Status: &failedStatus, Error: &errMsg, CompletedAt: &now}
	if err := e.store.UpdateNodeExecution(ctx, rowID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist node failure", "error", err.Error())
	}
	e.registry.SetNodeStatus(executionID, nodeID, schema.NodeStatusFailed)
	e.logger.WarnContext(ctx, "node failed", "error", errMsg)
}

func (e *Executor) recordSkipped(ctx context.Context, executionID string, node *schema.NodeDefinition) {
	now := time.Now().UTC()
	row := &store.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      schema.NodeStatusSkipped,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := e.store.CreateNodeExecution(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist node skip", "error", err.Error())
	}
	e.registry.SetNodeStatus(executionID, node.ID, schema.NodeStatusSkipped)
}

// --- Queries and control ---

// Status reports a run's current state, preferring the live registry and
// falling back to durable rows once the in-memory state is gone.
func (e *Executor) Status(ctx context.Context, executionID string) (*StatusReport, error) {
	if state, ok := e.registry.Snapshot(executionID); ok {
		report := &StatusReport{
			ExecutionID: state.ExecutionID,
			WorkflowID:  state.WorkflowID,
			Status:      state.Status,
			NodeStatus:  state.NodeStatus,
			Error:       state.Error,
		}
		if state.Status.Terminal() {
			if exec, err := e.store.GetExecution(ctx, executionID); err == nil {
				report.Output = exec.Output
			}
		}
		return report, nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		NodeStatus:  make(map[string]schema.NodeStatus, len(rows)),
		Error:       exec.Error,
		Output:      exec.Output,
	}
	for _, row := range rows {
		report.NodeStatus[row.NodeID] = row.Status
	}
	return report, nil
}

// Cancel requests cooperative cancellation of a live run. The run stops at
// the next node boundary; the current node finishes its attempt.
func (e *Executor) Cancel(executionID string) bool {
	return e.registry.Cancel(executionID)
}

// Recover marks executions left in running state by a previous process as
// failed. Called once at startup, before triggers are reloaded.
func (e *Executor) Recover(ctx context.Context) error {
	running := schema.ExecutionStatusRunning
	stale, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		return err
	}

	for _, exec := range stale {
		now := time.Now().UTC()
		failedStatus := schema.ExecutionStatusFailed
		reason := "interrupted by restart"
		update := store.ExecutionUpdate{Status: &failedStatus, Error: &reason, CompletedAt: &now}
		if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
			e.logger.Error("failed to mark interrupted execution", "execution_id", exec.ID, "error", err.Error())
			continue
		}
		e.logger.Info("marked interrupted execution failed", "execution_id", exec.ID)
	}
	return nil
}
