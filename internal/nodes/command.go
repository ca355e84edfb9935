package nodes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

const (
	// defaultProcessTimeout bounds a single command or script run.
	defaultProcessTimeout = 60 * time.Second
	// maxCaptureChars caps stored stdout/stderr so a chatty process cannot
	// bloat the run record.
	maxCaptureChars = 10000
)

// CommandHandler runs a shell command line through `sh -c`.
type CommandHandler struct{}

func (h *CommandHandler) Type() schema.NodeType { return schema.NodeTypeCommand }

func (h *CommandHandler) Execute(ctx context.Context, in Input) (*schema.Message, error) {
	command := stringParam(in.Config, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "command node requires command config").WithNode(in.NodeID)
	}

	timeout := time.Duration(intParam(in.Config, "timeout_seconds", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	workDir := stringParam(in.Config, "working_dir", "")

	result, err := runProcess(ctx, []string{"sh", "-c", command}, workDir, timeout)
	if err != nil {
		return nil, processError(err, in.NodeID, command, timeout)
	}
	if result.exitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"command exited with code %d: %s", result.exitCode, summarize(result.stderr)).WithNode(in.NodeID)
	}

	out := &schema.Message{
		ContentType: schema.ContentTypeText,
		Text:        result.stdout,
		Data:        map[string]any{"command": command, "exit_code": result.exitCode},
		Metadata:    map[string]string{"node_id": in.NodeID},
		ExitCode:    &result.exitCode,
		Stdout:      result.stdout,
		Stderr:      result.stderr,
	}
	return out, nil
}

type processResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// runProcess executes argv with captured output and a hard deadline. The
// context carries the deadline into exec so the child process group is
// killed rather than abandoned when time runs out.
func runProcess(ctx context.Context, argv []string, dir string, timeout time.Duration) (*processResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil {
		return nil, runCtx.Err()
	}

	result := &processResult{
		stdout: truncateOutput(stdout.String()),
		stderr: truncateOutput(stderr.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.exitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	return result, nil
}

func processError(err error, nodeID, source string, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"timed out after %s: %s", timeout, summarize(source)).WithNode(nodeID)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "Cancelled by user").WithNode(nodeID)
	}
	return schema.NewErrorf(schema.ErrCodeNodeFailed, "process failed to start: %v", err).WithNode(nodeID)
}

func truncateOutput(s string) string {
	if len(s) <= maxCaptureChars {
		return s
	}
	return s[:maxCaptureChars] + "\n... (truncated)"
}

// summarize shortens text for inclusion in an error message.
func summarize(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s...", s[:limit])
}
