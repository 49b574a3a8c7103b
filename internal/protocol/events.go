// Package protocol models the agent's stream-json wire format.
//
// Inbound, each stdout line is one JSON object that Decode turns into an
// Event. Outbound, control records (user messages and tool decisions) are
// encoded as single JSON lines for the agent's stdin.
package protocol

// Event is one decoded stdout record. The concrete types below are the only
// implementations; switch on them with a type switch.
type Event interface {
	isEvent()
}

// SystemInit announces the session the agent is running under.
type SystemInit struct {
	SessionID string
	Tools     []string
	Model     *string
}

// AssistantMessageStart opens an assistant message.
type AssistantMessageStart struct {
	MessageID  string
	StopReason *string
}

// UserMessageEcho is the agent echoing a user-role message, which is how
// tool results come back.
type UserMessageEcho struct {
	MessageID   string
	ToolResults []ToolResultBlock
}

// ToolResultBlock is one tool_result piece of an echoed user message.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ContentBlockStart opens the content block at Index.
type ContentBlockStart struct {
	Index int
	Block BlockKind
}

// ContentBlockDelta carries an incremental fragment for the block at Index.
type ContentBlockDelta struct {
	Index int
	Delta Delta
}

// ContentBlockStop closes the block at Index.
type ContentBlockStop struct {
	Index int
}

// Result ends a turn.
type Result struct {
	Subtype    *string
	DurationMS *int64
	NumTurns   *int64
	Result     *string
	SessionID  *string
	IsError    bool
}

// Unknown is any line that is not a recognized, well-formed record. Raw is
// the line unchanged.
type Unknown struct {
	Raw string
}

func (SystemInit) isEvent()            {}
func (AssistantMessageStart) isEvent() {}
func (UserMessageEcho) isEvent()       {}
func (ContentBlockStart) isEvent()     {}
func (ContentBlockDelta) isEvent()     {}
func (ContentBlockStop) isEvent()      {}
func (Result) isEvent()                {}
func (Unknown) isEvent()               {}

// BlockKind is the kind of content block being opened.
type BlockKind interface {
	isBlockKind()
}

// TextBlock is a plain text block.
type TextBlock struct{}

// ToolUseBlock is a tool invocation. ID and Name are empty when the agent
// omits them.
type ToolUseBlock struct {
	ID   string
	Name string
}

// ThinkingBlock is model reasoning.
type ThinkingBlock struct{}

func (TextBlock) isBlockKind()     {}
func (ToolUseBlock) isBlockKind()  {}
func (ThinkingBlock) isBlockKind() {}

// Delta is an incremental content fragment.
type Delta interface {
	isDelta()
}

// TextDelta appends text to a text block.
type TextDelta struct {
	Text string
}

// ToolInputDelta appends a fragment of a tool call's JSON arguments.
// Fragments are not valid JSON on their own.
type ToolInputDelta struct {
	PartialJSON string
}

// ThinkingDelta appends reasoning text to a thinking block.
type ThinkingDelta struct {
	Thinking string
}

func (TextDelta) isDelta()      {}
func (ToolInputDelta) isDelta() {}
func (ThinkingDelta) isDelta()  {}

// EventName is a short label for logs and span attributes.
func EventName(ev Event) string {
	switch ev.(type) {
	case SystemInit:
		return "system_init"
	case AssistantMessageStart:
		return "assistant_message"
	case UserMessageEcho:
		return "user_message"
	case ContentBlockStart:
		return "content_block_start"
	case ContentBlockDelta:
		return "content_block_delta"
	case ContentBlockStop:
		return "content_block_stop"
	case Result:
		return "result"
	default:
		return "unknown"
	}
}
