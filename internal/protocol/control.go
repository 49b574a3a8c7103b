package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound record types.
const (
	TypeUserMessage = "user_message"
	TypeToolResult  = "tool_result"
)

// ControlRecord is anything that can be written to the agent's stdin.
type ControlRecord interface {
	recordType() string
}

// UserMessage sends conversational text to the agent.
type UserMessage struct {
	Content string
}

func (UserMessage) recordType() string { return TypeUserMessage }

// MarshalJSON implements json.Marshaler.
func (m UserMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{TypeUserMessage, m.Content})
}

// ToolResponse carries an approve/deny decision for a pending tool call.
type ToolResponse struct {
	ToolUseID string
	Approved  bool
}

func (ToolResponse) recordType() string { return TypeToolResult }

// MarshalJSON implements json.Marshaler.
func (r ToolResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		ToolUseID string `json:"tool_use_id"`
		Approved  bool   `json:"approved"`
	}{TypeToolResult, r.ToolUseID, r.Approved})
}

// EncodingError is returned when a control record cannot be serialized.
type EncodingError struct {
	Record string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s record: %v", e.Record, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// EncodeLine serializes rec as one JSON object followed by a newline.
func EncodeLine(rec ControlRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, &EncodingError{Record: rec.recordType(), Err: err}
	}
	return append(b, '\n'), nil
}
