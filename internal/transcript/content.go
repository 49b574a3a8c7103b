package transcript

import (
	"encoding/json"
	"fmt"
)

// Content kinds as they appear in the serialized form.
const (
	KindText       = "text"
	KindCode       = "code"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindThinking   = "thinking"
)

// Content is one piece of an entry. Text, Code, ToolUse, ToolResult and
// Thinking are the only implementations.
type Content interface {
	Kind() string
}

// Text is plain prose.
type Text struct {
	Text string `json:"text"`
}

// Code is a fenced snippet.
type Code struct {
	Language string `json:"language,omitempty"`
	Text     string `json:"content"`
}

// ToolUse records a tool invocation.
type ToolUse struct {
	Call ToolCall `json:"tool_call"`
}

// ToolResult is the output of a tool run, echoed back by the agent.
type ToolResult struct {
	ToolID  string `json:"tool_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// Thinking is model reasoning.
type Thinking struct {
	Text string `json:"thought"`
}

func (Text) Kind() string       { return KindText }
func (Code) Kind() string       { return KindCode }
func (ToolUse) Kind() string    { return KindToolUse }
func (ToolResult) Kind() string { return KindToolResult }
func (Thinking) Kind() string   { return KindThinking }

// MarshalContent encodes c as an object with a "type" field naming its kind
// alongside the kind's own fields.
func MarshalContent(c Content) (json.RawMessage, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", c.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", c.Kind(), err)
	}
	kind, _ := json.Marshal(c.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// UnmarshalContent decodes a piece written by MarshalContent.
func UnmarshalContent(raw json.RawMessage) (Content, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case KindText:
		var c Text
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindCode:
		var c Code
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindToolUse:
		var c ToolUse
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindToolResult:
		var c ToolResult
		err := json.Unmarshal(raw, &c)
		return c, err
	case KindThinking:
		var c Thinking
		err := json.Unmarshal(raw, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown content type %q", head.Type)
	}
}
