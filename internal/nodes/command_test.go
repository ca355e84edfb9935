package nodes

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHandler_CapturesOutput(t *testing.T) {
	h := &CommandHandler{}

	out, err := h.Execute(context.Background(), Input{
		NodeID: "cmd",
		Config: map[string]any{"command": "echo hello; echo oops >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.Equal(t, "hello\n", out.Text)
}

func TestCommandHandler_NonZeroExitFails(t *testing.T) {
	h := &CommandHandler{}

	_, err := h.Execute(context.Background(), Input{
		NodeID: "cmd",
		Config: map[string]any{"command": "echo broken >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "broken")
}

func TestCommandHandler_MissingCommand(t *testing.T) {
	h := &CommandHandler{}
	_, err := h.Execute(context.Background(), Input{NodeID: "cmd", Config: map[string]any{}})
	require.Error(t, err)
}

func TestCommandHandler_Timeout(t *testing.T) {
	h := &CommandHandler{}

	start := time.Now()
	_, err := h.Execute(context.Background(), Input{
		NodeID: "cmd",
		Config: map[string]any{"command": "sleep 10", "timeout_seconds": float64(1)},
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCommandHandler_WorkingDir(t *testing.T) {
	h := &CommandHandler{}
	dir := t.TempDir()

	out, err := h.Execute(context.Background(), Input{
		NodeID: "cmd",
		Config: map[string]any{"command": "pwd", "working_dir": dir},
	})
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(out.Stdout))
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", maxCaptureChars+500)
	got := truncateOutput(long)
	assert.Len(t, got, maxCaptureChars+len("\n... (truncated)"))
	assert.True(t, strings.HasSuffix(got, "(truncated)"))

	short := "fits"
	assert.Equal(t, short, truncateOutput(short))
}
