package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/weft/internal/nodes"
	"github.com/corvid-labs/weft/internal/store"
	"github.com/corvid-labs/weft/internal/validation"
	"github.com/corvid-labs/weft/pkg/schema"
)

// stubHandler lets a test script a node type's behavior.
type stubHandler struct {
	nodeType schema.NodeType
	fn       func(ctx context.Context, in nodes.Input) (*schema.Message, error)
}

func (h *stubHandler) Type() schema.NodeType { return h.nodeType }

func (h *stubHandler) Execute(ctx context.Context, in nodes.Input) (*schema.Message, error) {
	return h.fn(ctx, in)
}

func okHandler(nodeType schema.NodeType) *stubHandler {
	return &stubHandler{nodeType: nodeType, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		out := schema.NewTextMessage("ok:" + in.NodeID)
		return out, nil
	}}
}

type testHarness struct {
	store    *store.LibSQLStore
	registry *ExecutionRegistry
	executor *Executor
}

func newHarness(t *testing.T, handlers *nodes.Registry) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "engine_test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	validator, err := validation.NewGraphValidator()
	require.NoError(t, err)

	registry := NewExecutionRegistry()
	executor := NewExecutor(st, registry, NewDispatcher(handlers), validator, nil)
	return &testHarness{store: st, registry: registry, executor: executor}
}

// createWorkflow persists a workflow plus one version holding the graph.
func (h *testHarness) createWorkflow(t *testing.T, def *schema.GraphDefinition) string {
	t.Helper()
	ctx := context.Background()

	wf := &store.Workflow{
		ID:          uuid.NewString(),
		Name:        "test-workflow",
		Enabled:     true,
		TriggerType: schema.TriggerTypeManual,
	}
	require.NoError(t, h.store.CreateWorkflow(ctx, wf))

	graph, err := json.Marshal(def)
	require.NoError(t, err)
	_, err = h.store.CreateVersion(ctx, wf.ID, graph)
	require.NoError(t, err)
	return wf.ID
}

// runToCompletion starts a run and waits for its goroutine to finish.
func (h *testHarness) runToCompletion(t *testing.T, workflowID string, opts ExecuteOptions) string {
	t.Helper()
	execID, err := h.executor.Execute(context.Background(), workflowID, opts)
	require.NoError(t, err)
	h.executor.Wait()
	return execID
}

func (h *testHarness) nodeRows(t *testing.T, execID string) map[string]*store.NodeExecution {
	t.Helper()
	rows, err := h.store.ListNodeExecutions(context.Background(), execID)
	require.NoError(t, err)
	byNode := make(map[string]*store.NodeExecution, len(rows))
	for _, row := range rows {
		byNode[row.NodeID] = row
	}
	return byNode
}

func transformNode(id string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Type: schema.NodeTypeTransform}
}

func TestExecute_LinearFlowCompletes(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(okHandler(schema.NodeTypeTrigger))
	handlers.Register(okHandler(schema.NodeTypeTransform))
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			transformNode("finish"),
		},
		Edges: []schema.EdgeDefinition{{Source: "start", Target: "finish"}},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.Output)
	assert.Equal(t, "ok:finish", exec.Output.Text)
	require.NotNil(t, exec.CompletedAt)

	rows := h.nodeRows(t, execID)
	require.Len(t, rows, 2)
	assert.Equal(t, schema.NodeStatusCompleted, rows["start"].Status)
	assert.Equal(t, schema.NodeStatusCompleted, rows["finish"].Status)
}

func TestExecute_VisitsTopologicalOrder(t *testing.T) {
	var mu sync.Mutex
	var visits []string
	record := &stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		mu.Lock()
		visits = append(visits, in.NodeID)
		mu.Unlock()
		return schema.NewTextMessage(in.NodeID), nil
	}}
	handlers := nodes.NewRegistry()
	handlers.Register(record)
	h := newHarness(t, handlers)

	// Diamond: root → {left, right} → sink. Siblings resolve lexicographically.
	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			transformNode("sink"),
			transformNode("right"),
			transformNode("left"),
			transformNode("root"),
		},
		Edges: []schema.EdgeDefinition{
			{Source: "root", Target: "left"},
			{Source: "root", Target: "right"},
			{Source: "left", Target: "sink"},
			{Source: "right", Target: "sink"},
		},
	})

	h.runToCompletion(t, wfID, ExecuteOptions{})
	assert.Equal(t, []string{"root", "left", "right", "sink"}, visits)
}

func TestExecute_CycleFailsBeforeAnyRow(t *testing.T) {
	h := newHarness(t, nodes.NewRegistry())

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{transformNode("a"), transformNode("b")},
		Edges: []schema.EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	})

	_, err := h.executor.Execute(context.Background(), wfID, ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	execs, err := h.store.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: wfID})
	require.NoError(t, err)
	assert.Empty(t, execs, "validation failure must not create rows")
}

func TestExecute_DisabledWorkflowRejected(t *testing.T) {
	h := newHarness(t, nodes.NewRegistry())
	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{transformNode("a")},
	})

	disabled := false
	require.NoError(t, h.store.UpdateWorkflow(context.Background(), wfID, store.WorkflowUpdate{Enabled: &disabled}))

	_, err := h.executor.Execute(context.Background(), wfID, ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	flaky := &stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, _ nodes.Input) (*schema.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, schema.NewError(schema.ErrCodeNodeFailed, "transient")
		}
		return schema.NewTextMessage("recovered"), nil
	}}
	handlers := nodes.NewRegistry()
	handlers.Register(flaky)
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "flaky", Type: schema.NodeTypeTransform, RetryMax: 2},
		},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
}

func TestExecute_RetryExhaustedReportsAttempts(t *testing.T) {
	failing := &stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, _ nodes.Input) (*schema.Message, error) {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "always broken")
	}}
	handlers := nodes.NewRegistry()
	handlers.Register(failing)
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "doomed", Type: schema.NodeTypeTransform, RetryMax: 1},
		},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "(after 2 attempts)")

	rows := h.nodeRows(t, execID)
	assert.Contains(t, rows["doomed"].Error, "(after 2 attempts)")
}

func TestExecute_StopModeSkipsDescendants(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(okHandler(schema.NodeTypeTrigger))
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		if in.NodeID == "breaks" {
			return nil, schema.NewError(schema.ErrCodeNodeFailed, "boom")
		}
		return schema.NewTextMessage(in.NodeID), nil
	}})
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			transformNode("breaks"),
			transformNode("after"),
			transformNode("last"),
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "breaks"},
			{Source: "breaks", Target: "after"},
			{Source: "after", Target: "last"},
		},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "Node breaks failed")

	rows := h.nodeRows(t, execID)
	assert.Equal(t, schema.NodeStatusFailed, rows["breaks"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, rows["after"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, rows["last"].Status)
}

func TestExecute_ContinueModeIsolatesBranch(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(okHandler(schema.NodeTypeTrigger))
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		if in.NodeID == "bad" {
			return nil, schema.NewError(schema.ErrCodeNodeFailed, "boom")
		}
		return schema.NewTextMessage(in.NodeID), nil
	}})
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "bad", Type: schema.NodeTypeTransform, OnError: schema.ErrorModeContinue},
			transformNode("bad-child"),
			transformNode("good"),
			transformNode("good-child"),
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "bad"},
			{Source: "start", Target: "good"},
			{Source: "bad", Target: "bad-child"},
			{Source: "good", Target: "good-child"},
		},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	rows := h.nodeRows(t, execID)
	assert.Equal(t, schema.NodeStatusFailed, rows["bad"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, rows["bad-child"].Status)
	assert.Equal(t, schema.NodeStatusCompleted, rows["good"].Status)
	assert.Equal(t, schema.NodeStatusCompleted, rows["good-child"].Status)
}

func TestExecute_ContinueWithErrorFeedsDownstream(t *testing.T) {
	var mu sync.Mutex
	var childInput *schema.Message
	handlers := nodes.NewRegistry()
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		switch in.NodeID {
		case "fails":
			return nil, schema.NewError(schema.ErrCodeNodeFailed, "deliberate")
		default:
			mu.Lock()
			childInput = in.Message
			mu.Unlock()
			return schema.NewTextMessage("consumed"), nil
		}
	}})
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "fails", Type: schema.NodeTypeTransform, OnError: schema.ErrorModeContinueWithError},
			transformNode("consumer"),
		},
		Edges: []schema.EdgeDefinition{{Source: "fails", Target: "consumer"}},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, childInput)
	assert.Equal(t, schema.ContentTypeError, childInput.ContentType)
	assert.Contains(t, childInput.Data["error"], "deliberate")
	assert.Equal(t, "fails", childInput.Data["node_id"])
}

func TestExecute_FanInMergesInEdgeOrder(t *testing.T) {
	var mu sync.Mutex
	var sinkInput *schema.Message
	handlers := nodes.NewRegistry()
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		switch in.NodeID {
		case "first":
			out := schema.NewTextMessage("a")
			out.Data = map[string]any{"x": float64(1), "keep": "yes"}
			return out, nil
		case "second":
			out := schema.NewTextMessage("c")
			out.Data = map[string]any{"x": float64(2)}
			return out, nil
		default:
			mu.Lock()
			sinkInput = in.Message
			mu.Unlock()
			return schema.NewTextMessage("done"), nil
		}
	}})
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			transformNode("first"),
			transformNode("second"),
			transformNode("sink"),
		},
		Edges: []schema.EdgeDefinition{
			{Source: "first", Target: "sink"},
			{Source: "second", Target: "sink"},
		},
	})

	h.runToCompletion(t, wfID, ExecuteOptions{})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, sinkInput)
	assert.Equal(t, schema.ContentTypeMerged, sinkInput.ContentType)
	assert.Equal(t, "a\nc", sinkInput.Text)
	assert.Equal(t, float64(2), sinkInput.Data["x"])
	assert.Equal(t, "yes", sinkInput.Data["keep"])
}

func TestExecute_UnknownNodeTypeFailsWithoutRetry(t *testing.T) {
	// Empty handler registry: dispatch fails for every type.
	h := newHarness(t, nodes.NewRegistry())

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "orphan", Type: schema.NodeTypeTransform, RetryMax: 3},
		},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "no handler")
	assert.NotContains(t, exec.Error, "attempts", "dispatch errors must not be retried")
}

func TestCancel_BetweenNodes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handlers := nodes.NewRegistry()
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(_ context.Context, in nodes.Input) (*schema.Message, error) {
		if in.NodeID == "slow" {
			close(started)
			<-release
		}
		return schema.NewTextMessage(in.NodeID), nil
	}})
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			transformNode("slow"),
			transformNode("never"),
		},
		Edges: []schema.EdgeDefinition{{Source: "slow", Target: "never"}},
	})

	execID, err := h.executor.Execute(context.Background(), wfID, ExecuteOptions{})
	require.NoError(t, err)

	<-started
	require.True(t, h.executor.Cancel(execID))
	close(release)
	h.executor.Wait()

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, "Cancelled by user", exec.Error)

	rows := h.nodeRows(t, execID)
	assert.Equal(t, schema.NodeStatusCompleted, rows["slow"].Status)
	assert.NotContains(t, rows, "never", "the node after the cancel point must never be recorded")
}

func TestExecute_WorkflowTimeoutSkipsCurrentNode(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(ctx context.Context, in nodes.Input) (*schema.Message, error) {
		if in.NodeID == "sleepy" {
			select {
			case <-time.After(1200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return schema.NewTextMessage(in.NodeID), nil
	}})
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			transformNode("sleepy"),
			transformNode("starved"),
		},
		Edges: []schema.EdgeDefinition{{Source: "sleepy", Target: "starved"}},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{TimeoutOverrideSeconds: 1})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "timed out")

	rows := h.nodeRows(t, execID)
	assert.Equal(t, schema.NodeStatusCompleted, rows["sleepy"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, rows["starved"].Status)
}

// SetDefaultTimeout governs runs that set no timeout themselves.
func TestExecute_ConfiguredDefaultTimeout(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(&stubHandler{nodeType: schema.NodeTypeTransform, fn: func(ctx context.Context, in nodes.Input) (*schema.Message, error) {
		if in.NodeID == "sleepy" {
			select {
			case <-time.After(1200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return schema.NewTextMessage(in.NodeID), nil
	}})
	h := newHarness(t, handlers)
	h.executor.SetDefaultTimeout(time.Second)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			transformNode("sleepy"),
			transformNode("starved"),
		},
		Edges: []schema.EdgeDefinition{{Source: "sleepy", Target: "starved"}},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})

	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "timed out after 1 seconds")
}

func TestRunTimeoutPrecedence(t *testing.T) {
	fallback := 30 * time.Second
	assert.Equal(t, 5*time.Second, runTimeout(5, 10, fallback), "caller override wins")
	assert.Equal(t, 10*time.Second, runTimeout(0, 10, fallback), "graph settings next")
	assert.Equal(t, fallback, runTimeout(0, 0, fallback))
}

func TestRecover_MarksRunningExecutionsFailed(t *testing.T) {
	h := newHarness(t, nodes.NewRegistry())
	ctx := context.Background()

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{transformNode("a")},
	})

	stale := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wfID,
		Version:    1,
		Status:     schema.ExecutionStatusRunning,
		StartedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateExecution(ctx, stale))

	require.NoError(t, h.executor.Recover(ctx))

	got, err := h.store.GetExecution(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestStatus_FallsBackToStoreAfterCleanup(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(okHandler(schema.NodeTypeTransform))
	h := newHarness(t, handlers)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{transformNode("solo")},
	})

	execID := h.runToCompletion(t, wfID, ExecuteOptions{})
	h.registry.Remove(execID)

	report, err := h.executor.Status(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, report.Status)
	assert.Equal(t, schema.NodeStatusCompleted, report.NodeStatus["solo"])
	require.NotNil(t, report.Output)
	assert.Equal(t, "ok:solo", report.Output.Text)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []CompletionEvent
}

func (n *captureNotifier) ExecutionCompleted(_ context.Context, event CompletionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestExecute_NotifiesOnCompletion(t *testing.T) {
	handlers := nodes.NewRegistry()
	handlers.Register(okHandler(schema.NodeTypeTransform))
	h := newHarness(t, handlers)

	notifier := &captureNotifier{}
	h.executor.SetCompletionNotifier(notifier)

	wfID := h.createWorkflow(t, &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{transformNode("only")},
	})

	input := schema.NewTextMessage("begin")
	input.Metadata = map[string]string{"chain_depth": "3"}
	execID := h.runToCompletion(t, wfID, ExecuteOptions{Input: input})

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, "workflow", event.EntityType)
	assert.Equal(t, wfID, event.EntityID)
	assert.Equal(t, execID, event.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusCompleted, event.Status)
	assert.Equal(t, 3, event.ChainDepth)
}
