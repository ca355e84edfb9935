package nodes

import (
	"context"
	"fmt"

	"github.com/corvid-labs/weft/pkg/schema"
)

// AgentHandler acknowledges an agent delegation. Like SkillHandler it is a
// placeholder until an agent runtime is wired in.
type AgentHandler struct{}

func (h *AgentHandler) Type() schema.NodeType { return schema.NodeTypeAgent }

func (h *AgentHandler) Execute(_ context.Context, in Input) (*schema.Message, error) {
	name := stringParam(in.Config, "agent_name", "")
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "agent node requires agent_name config").WithNode(in.NodeID)
	}

	out := schema.NewTextMessage(fmt.Sprintf("Agent %q invoked", name))
	out.Data = map[string]any{"agent_name": name}
	out.Metadata = map[string]string{"node_id": in.NodeID}
	return out, nil
}
