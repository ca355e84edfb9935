package engine

import (
	"context"
	"time"

	"github.com/corvid-labs/weft/internal/nodes"
	"github.com/corvid-labs/weft/pkg/schema"
)

// handlerJoinGrace is how long Dispatch waits for a handler to return after
// its deadline expires before abandoning it.
const handlerJoinGrace = 500 * time.Millisecond

// Dispatcher routes one node execution to the handler registered for its
// type. The node type vocabulary is closed; an unknown type is a
// non-retryable dispatch error.
type Dispatcher struct {
	handlers *nodes.Registry
}

func NewDispatcher(handlers *nodes.Registry) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Dispatch executes a single attempt of the given node. When the node config
// carries timeout_seconds the handler runs under a deadline; the handler
// receives the deadline context so blocking work (including child processes)
// is cancelled. The post-deadline join is bounded: a handler that never
// observes its context cannot stall the run.
func (d *Dispatcher) Dispatch(ctx context.Context, node *schema.NodeDefinition, msg *schema.Message) (*schema.Message, error) {
	handler, ok := d.handlers.Get(node.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "no handler for node type %q", node.Type).WithNode(node.ID)
	}

	in := nodes.Input{NodeID: node.ID, Config: node.Config, Message: msg}

	timeout := nodeTimeout(node)
	if timeout <= 0 {
		return handler.Execute(ctx, in)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out *schema.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := handler.Execute(runCtx, in)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "Cancelled by user").WithNode(node.ID)
		}
		// Give the handler a moment to observe the expired context. A handler
		// that ignores it is abandoned; the buffered channel lets its
		// eventual send complete without leaking the goroutine.
		grace := time.NewTimer(handlerJoinGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"node timed out after %s", timeout).WithNode(node.ID)
	}
}

func nodeTimeout(node *schema.NodeDefinition) time.Duration {
	if v, ok := node.Config["timeout_seconds"]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Second
		case float64:
			return time.Duration(n) * time.Second
		}
	}
	return 0
}
