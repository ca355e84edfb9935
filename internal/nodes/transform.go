package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/corvid-labs/weft/pkg/schema"
)

// TransformHandler reshapes the input envelope with a fixed vocabulary of
// operations: extract_field, template, json_parse, uppercase, lowercase.
// Anything else passes the input through unchanged.
// Thread-safe: compiled jq code is cached and reused across goroutines.
type TransformHandler struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func (h *TransformHandler) Type() schema.NodeType { return schema.NodeTypeTransform }

func (h *TransformHandler) Execute(ctx context.Context, in Input) (*schema.Message, error) {
	transform := stringParam(in.Config, "transform", "")

	switch transform {
	case "extract_field":
		return h.extractField(ctx, in)
	case "template":
		return renderTemplate(in), nil
	case "json_parse":
		return jsonParse(in)
	case "uppercase":
		return mapText(in, strings.ToUpper), nil
	case "lowercase":
		return mapText(in, strings.ToLower), nil
	default:
		if in.Message != nil {
			return in.Message.Clone(), nil
		}
		return schema.NewTextMessage(""), nil
	}
}

// extractField evaluates a jq path over the input's data map. A path that
// resolves to nothing is a node failure, not an empty output.
func (h *TransformHandler) extractField(ctx context.Context, in Input) (*schema.Message, error) {
	field := stringParam(in.Config, "field", "")
	if field == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "extract_field requires field config").WithNode(in.NodeID)
	}

	query := field
	if !strings.HasPrefix(query, ".") {
		query = "." + query
	}

	code, err := h.getOrCompile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "invalid field path %q: %v", field, err).WithNode(in.NodeID)
	}

	var data map[string]any
	if in.Message != nil {
		data = in.Message.Data
	}
	if data == nil {
		data = map[string]any{}
	}

	var input any = data
	iter := code.RunWithContext(ctx, input)
	value, ok := iter.Next()
	if !ok {
		value = nil
	}
	if evalErr, isErr := value.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "field path %q: %v", field, evalErr).WithNode(in.NodeID)
	}
	if value == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "field %q not found in input data", field).WithNode(in.NodeID)
	}

	out := schema.NewDataMessage(map[string]any{"field": field, "value": value})
	if s, isString := value.(string); isString {
		out.Text = s
	} else {
		out.Text = stringifyValue(value)
	}
	out.Metadata = map[string]string{"node_id": in.NodeID}
	return out, nil
}

func (h *TransformHandler) getOrCompile(query string) (*gojq.Code, error) {
	h.mu.RLock()
	code, ok := h.cache[query]
	h.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err = gojq.Compile(parsed)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.cache == nil {
		h.cache = make(map[string]*gojq.Code)
	}
	h.cache[query] = code
	h.mu.Unlock()
	return code, nil
}

// renderTemplate substitutes {{token}} references against the input envelope.
// Recognized tokens: text, stdout, stderr, exit_code, data.<path>. A token
// that cannot be resolved leaves the raw template text intact rather than
// failing the node.
func renderTemplate(in Input) *schema.Message {
	template := stringParam(in.Config, "template", "")

	var builder strings.Builder
	rest := template
	failed := false
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			builder.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			builder.WriteString(rest)
			break
		}

		builder.WriteString(rest[:start])
		token := strings.TrimSpace(rest[start+2 : start+end])
		value, ok := resolveToken(token, in.Message)
		if !ok {
			failed = true
			break
		}
		builder.WriteString(value)
		rest = rest[start+end+2:]
	}

	text := builder.String()
	if failed {
		text = template
	}

	out := schema.NewTextMessage(text)
	out.Metadata = map[string]string{"node_id": in.NodeID}
	return out
}

func resolveToken(token string, msg *schema.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	switch {
	case token == "text":
		return msg.Text, true
	case token == "stdout":
		return msg.Stdout, true
	case token == "stderr":
		return msg.Stderr, true
	case token == "exit_code":
		if msg.ExitCode == nil {
			return "", false
		}
		return strconv.Itoa(*msg.ExitCode), true
	case strings.HasPrefix(token, "data."):
		return resolveDataPath(msg.Data, strings.Split(token[len("data."):], "."))
	default:
		return "", false
	}
}

func resolveDataPath(data map[string]any, path []string) (string, bool) {
	var current any = data
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[key]
		if !ok {
			return "", false
		}
	}
	return stringifyValue(current), true
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func jsonParse(in Input) (*schema.Message, error) {
	if in.Message == nil || strings.TrimSpace(in.Message.Text) == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "json_parse requires text input").WithNode(in.NodeID)
	}

	var parsed any
	if err := json.Unmarshal([]byte(in.Message.Text), &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "json_parse: invalid JSON: %v", err).WithNode(in.NodeID)
	}

	data, ok := parsed.(map[string]any)
	if !ok {
		data = map[string]any{"value": parsed}
	}

	out := schema.NewDataMessage(data)
	out.Metadata = map[string]string{"node_id": in.NodeID}
	return out, nil
}

func mapText(in Input, fn func(string) string) *schema.Message {
	text := ""
	if in.Message != nil {
		text = in.Message.Text
	}
	out := schema.NewTextMessage(fn(text))
	out.Metadata = map[string]string{"node_id": in.NodeID}
	return out
}
