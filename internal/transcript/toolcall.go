package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/zjrosen/perch/internal/jsonvalue"
)

// ToolStatus is the lifecycle stage of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolApproved  ToolStatus = "approved"
	ToolDenied    ToolStatus = "denied"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// IsValid returns true if the status is a recognized tool status.
func (s ToolStatus) IsValid() bool {
	switch s {
	case ToolPending, ToolApproved, ToolDenied, ToolExecuting, ToolCompleted, ToolFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s ToolStatus) IsTerminal() bool {
	return s == ToolDenied || s == ToolCompleted || s == ToolFailed
}

// ToolCall is a tool invocation requested by the agent. Input is always an
// object; unparseable arguments are recorded as {}.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  jsonvalue.Value `json:"input"`
	Status ToolStatus      `json:"status"`
	Output *string         `json:"output,omitempty"`
}

// NewToolCall returns a pending call with an empty input object.
func NewToolCall(id, name string) ToolCall {
	return ToolCall{
		ID:     id,
		Name:   name,
		Input:  jsonvalue.EmptyObject(),
		Status: ToolPending,
	}
}

// UnmarshalJSON validates the status and coerces non-object input to {}.
func (c *ToolCall) UnmarshalJSON(data []byte) error {
	type plain ToolCall
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = ToolPending
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("transcript: invalid tool status %q", p.Status)
	}
	if p.Input.Kind() != jsonvalue.KindObject {
		p.Input = jsonvalue.EmptyObject()
	}
	*c = ToolCall(p)
	return nil
}
