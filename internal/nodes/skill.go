package nodes

import (
	"context"
	"fmt"

	"github.com/corvid-labs/weft/pkg/schema"
)

// SkillHandler acknowledges a skill invocation. Real skill integration lives
// outside the engine; the handler records which skill the graph asked for so
// downstream nodes and the run record stay meaningful.
type SkillHandler struct{}

func (h *SkillHandler) Type() schema.NodeType { return schema.NodeTypeSkill }

func (h *SkillHandler) Execute(_ context.Context, in Input) (*schema.Message, error) {
	name := stringParam(in.Config, "skill_name", "")
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "skill node requires skill_name config").WithNode(in.NodeID)
	}

	out := schema.NewTextMessage(fmt.Sprintf("Skill %q invoked", name))
	out.Data = map[string]any{"skill_name": name}
	out.Metadata = map[string]string{"node_id": in.NodeID}
	return out, nil
}
