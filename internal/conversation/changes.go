package conversation

import (
	"github.com/zjrosen/perch/internal/protocol"
	"github.com/zjrosen/perch/internal/pubsub"
	"github.com/zjrosen/perch/internal/supervisor"
	"github.com/zjrosen/perch/internal/transcript"
)

// ChangeKind names what changed in the conversation.
type ChangeKind string

const (
	// ChangeEntryAppended carries a newly finalized transcript entry.
	ChangeEntryAppended ChangeKind = "entry_appended"
	// ChangeToolCallPending carries a tool call awaiting a decision.
	ChangeToolCallPending ChangeKind = "tool_call_pending"
	// ChangeToolCallResolved carries a tool call that was approved or
	// denied. Its status records which.
	ChangeToolCallResolved ChangeKind = "tool_call_resolved"
	// ChangeSessionIdentified carries the session id the agent announced.
	ChangeSessionIdentified ChangeKind = "session_identified"
	// ChangeStreamingFinished marks the end of a turn (Result set) or of
	// the whole run (Completion set).
	ChangeStreamingFinished ChangeKind = "streaming_finished"
	// ChangeStreamError carries a stream I/O failure.
	ChangeStreamError ChangeKind = "stream_error"
)

// Change is published on the assembler's broker.
type Change struct {
	Kind       ChangeKind
	Entry      *transcript.Entry
	ToolCall   *transcript.ToolCall
	SessionID  string
	Result     *protocol.Result
	Completion *supervisor.Completion
	Err        error
}

func (k ChangeKind) eventType() pubsub.EventType {
	switch k {
	case ChangeEntryAppended, ChangeToolCallPending:
		return pubsub.CreatedEvent
	case ChangeToolCallResolved:
		return pubsub.DeletedEvent
	default:
		return pubsub.UpdatedEvent
	}
}
