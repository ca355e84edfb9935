package nodes

import (
	"context"
	"strconv"
	"strings"

	"github.com/corvid-labs/weft/pkg/schema"
)

// ConditionalHandler evaluates a fixed-vocabulary predicate against the input
// envelope and emits the boolean outcome plus a "true"/"false" branch tag.
// Both successor branches are still visited downstream; routing on the tag is
// left to the consuming nodes.
type ConditionalHandler struct{}

func (h *ConditionalHandler) Type() schema.NodeType { return schema.NodeTypeConditional }

func (h *ConditionalHandler) Execute(_ context.Context, in Input) (*schema.Message, error) {
	condition := stringParam(in.Config, "condition", "")
	if condition == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "conditional node requires condition config").WithNode(in.NodeID)
	}

	var result bool
	switch condition {
	case "has_text":
		result = in.Message != nil && strings.TrimSpace(in.Message.Text) != ""
	case "exit_code_zero":
		result = in.Message != nil && in.Message.ExitCode != nil && *in.Message.ExitCode == 0
	case "contains":
		value := stringParam(in.Config, "value", "")
		if value == "" {
			return nil, schema.NewError(schema.ErrCodeNodeFailed, "contains condition requires value config").WithNode(in.NodeID)
		}
		result = in.Message != nil && strings.Contains(in.Message.Text, value)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "unknown condition %q", condition).WithNode(in.NodeID)
	}

	branch := strconv.FormatBool(result)
	out := schema.NewDataMessage(map[string]any{
		"condition": condition,
		"result":    result,
		"branch":    branch,
	})
	out.Metadata = map[string]string{"node_id": in.NodeID, "branch": branch}
	if in.Message != nil {
		// Text rides along so chained conditionals keep working.
		out.Text = in.Message.Text
	}
	return out, nil
}
