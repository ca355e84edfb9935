package nodes

import (
	"context"
	"os"
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

// ScriptHandler writes an inline script body to a temp file and runs it with
// the configured interpreter. The temp file is removed even when the run
// fails or times out.
type ScriptHandler struct{}

func (h *ScriptHandler) Type() schema.NodeType { return schema.NodeTypeScript }

func (h *ScriptHandler) Execute(ctx context.Context, in Input) (*schema.Message, error) {
	script := stringParam(in.Config, "script", "")
	if script == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "script node requires script config").WithNode(in.NodeID)
	}

	extension := stringParam(in.Config, "extension", ".sh")
	interpreter := stringParam(in.Config, "interpreter", "")
	if interpreter == "" {
		// Suffix heuristic covers the two supported script flavors.
		if extension == ".py" {
			interpreter = "python3"
		} else {
			interpreter = "sh"
		}
	}

	file, err := os.CreateTemp("", "weft-script-*"+extension)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "create script file: %v", err).WithNode(in.NodeID)
	}
	defer os.Remove(file.Name())

	if _, err := file.WriteString(script); err != nil {
		file.Close()
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "write script file: %v", err).WithNode(in.NodeID)
	}
	if err := file.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "close script file: %v", err).WithNode(in.NodeID)
	}

	timeout := time.Duration(intParam(in.Config, "timeout_seconds", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	workDir := stringParam(in.Config, "working_dir", "")

	result, err := runProcess(ctx, []string{interpreter, file.Name()}, workDir, timeout)
	if err != nil {
		return nil, processError(err, in.NodeID, script, timeout)
	}
	if result.exitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"script exited with code %d: %s", result.exitCode, summarize(result.stderr)).WithNode(in.NodeID)
	}

	out := &schema.Message{
		ContentType: schema.ContentTypeText,
		Text:        result.stdout,
		Data:        map[string]any{"interpreter": interpreter, "exit_code": result.exitCode},
		Metadata:    map[string]string{"node_id": in.NodeID},
		ExitCode:    &result.exitCode,
		Stdout:      result.stdout,
		Stderr:      result.stderr,
	}
	return out, nil
}
