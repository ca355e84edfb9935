package nodes

import (
	"context"

	"github.com/corvid-labs/weft/pkg/schema"
)

// TriggerHandler is the graph entry point. It emits the configured literal
// data when present, otherwise it forwards the run's input unchanged.
type TriggerHandler struct{}

func (h *TriggerHandler) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (h *TriggerHandler) Execute(_ context.Context, in Input) (*schema.Message, error) {
	var out *schema.Message
	if data := mapParam(in.Config, "data"); data != nil {
		out = schema.NewDataMessage(data)
	} else if in.Message != nil {
		out = in.Message.Clone()
	} else {
		out = schema.NewTextMessage("")
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	out.Metadata["node_id"] = in.NodeID
	return out, nil
}
