package schema

// Message content type tags.
const (
	ContentTypeText   = "text"
	ContentTypeData   = "data"
	ContentTypeMerged = "merged"
	ContentTypeError  = "error"
)

// Message is the envelope passed between workflow nodes. It is the only type
// that flows along edges and is treated as immutable once a node produces it.
type Message struct {
	ContentType string            `json:"content_type"`
	Text        string            `json:"text,omitempty"`
	Data        map[string]any    `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
}

// NewTextMessage builds a plain text envelope.
func NewTextMessage(text string) *Message {
	return &Message{ContentType: ContentTypeText, Text: text}
}

// NewDataMessage builds a structured data envelope.
func NewDataMessage(data map[string]any) *Message {
	return &Message{ContentType: ContentTypeData, Data: data}
}

// Clone returns a copy with fresh Data and Metadata maps so handlers can
// annotate their input without mutating the producer's envelope.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ContentType: m.ContentType,
		Text:        m.Text,
		Stdout:      m.Stdout,
		Stderr:      m.Stderr,
	}
	if m.ExitCode != nil {
		code := *m.ExitCode
		out.ExitCode = &code
	}
	if m.Data != nil {
		out.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			out.Data[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Merge combines predecessor envelopes in the given order into one envelope
// tagged "merged": non-empty texts join with newlines, data and metadata maps
// shallow-merge with later entries winning, and the last non-empty process
// fields (exit_code, stdout, stderr) are kept.
func Merge(msgs []*Message) *Message {
	merged := &Message{ContentType: ContentTypeMerged}

	var texts []string
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
		for k, v := range m.Data {
			if merged.Data == nil {
				merged.Data = make(map[string]any)
			}
			merged.Data[k] = v
		}
		for k, v := range m.Metadata {
			if merged.Metadata == nil {
				merged.Metadata = make(map[string]string)
			}
			merged.Metadata[k] = v
		}
		if m.ExitCode != nil {
			code := *m.ExitCode
			merged.ExitCode = &code
		}
		if m.Stdout != "" {
			merged.Stdout = m.Stdout
		}
		if m.Stderr != "" {
			merged.Stderr = m.Stderr
		}
	}

	if len(texts) > 0 {
		merged.Text = joinLines(texts)
	}
	return merged
}

func joinLines(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
