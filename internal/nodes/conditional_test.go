package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/weft/pkg/schema"
)

func TestConditionalHandler(t *testing.T) {
	zero := 0
	one := 1

	tests := []struct {
		name    string
		config  map[string]any
		input   *schema.Message
		want    bool
		wantErr bool
	}{
		{
			name:   "has_text true",
			config: map[string]any{"condition": "has_text"},
			input:  schema.NewTextMessage("something"),
			want:   true,
		},
		{
			name:   "has_text false on whitespace",
			config: map[string]any{"condition": "has_text"},
			input:  schema.NewTextMessage("   "),
			want:   false,
		},
		{
			name:   "has_text false on nil input",
			config: map[string]any{"condition": "has_text"},
			input:  nil,
			want:   false,
		},
		{
			name:   "exit_code_zero true",
			config: map[string]any{"condition": "exit_code_zero"},
			input:  &schema.Message{ExitCode: &zero},
			want:   true,
		},
		{
			name:   "exit_code_zero false on nonzero",
			config: map[string]any{"condition": "exit_code_zero"},
			input:  &schema.Message{ExitCode: &one},
			want:   false,
		},
		{
			name:   "exit_code_zero false without exit code",
			config: map[string]any{"condition": "exit_code_zero"},
			input:  schema.NewTextMessage("no process ran"),
			want:   false,
		},
		{
			name:   "contains match is case sensitive",
			config: map[string]any{"condition": "contains", "value": "Error"},
			input:  schema.NewTextMessage("fatal Error occurred"),
			want:   true,
		},
		{
			name:   "contains no match",
			config: map[string]any{"condition": "contains", "value": "Error"},
			input:  schema.NewTextMessage("fatal error occurred"),
			want:   false,
		},
		{
			name:    "contains without value",
			config:  map[string]any{"condition": "contains"},
			input:   schema.NewTextMessage("x"),
			wantErr: true,
		},
		{
			name:    "unknown condition",
			config:  map[string]any{"condition": "is_sunny"},
			input:   schema.NewTextMessage("x"),
			wantErr: true,
		},
		{
			name:    "missing condition",
			config:  map[string]any{},
			input:   schema.NewTextMessage("x"),
			wantErr: true,
		},
	}

	h := &ConditionalHandler{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.Execute(context.Background(), Input{NodeID: "cond", Config: tt.config, Message: tt.input})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Data["result"])
			wantBranch := "false"
			if tt.want {
				wantBranch = "true"
			}
			assert.Equal(t, wantBranch, out.Data["branch"])
			assert.Equal(t, wantBranch, out.Metadata["branch"])
		})
	}
}
