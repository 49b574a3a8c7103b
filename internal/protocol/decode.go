package protocol

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zjrosen/perch/internal/log"
)

// Wire discriminators.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"

	SubtypeInit              = "init"
	SubtypeMessage           = "message"
	SubtypeContentBlockStart = "content_block_start"
	SubtypeContentBlockDelta = "content_block_delta"
	SubtypeContentBlockStop  = "content_block_stop"

	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockThinking   = "thinking"
	BlockToolResult = "tool_result"

	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
)

// Decode classifies one line. It never fails: anything that is not valid
// JSON, not an object, carries an unrecognized discriminator, or lacks a
// field its variant requires comes back as Unknown carrying the line.
func Decode(line string) Event {
	if !gjson.Valid(line) {
		return unknown(line, "invalid json")
	}
	root := gjson.Parse(line)
	if !root.IsObject() {
		return unknown(line, "not an object")
	}

	var (
		ev Event
		ok bool
	)
	switch str(root.Get("type")) {
	case TypeSystem:
		ev, ok = decodeSystem(root)
	case TypeAssistant:
		ev, ok = decodeAssistant(root)
	case TypeUser:
		ev, ok = decodeUser(root)
	case TypeResult:
		ev, ok = decodeResult(root), true
	}
	if !ok {
		return unknown(line, "unrecognized record")
	}
	return ev
}

func unknown(line, reason string) Unknown {
	log.Debug(log.CatProto, "Unrecognized stream line", "reason", reason, "bytes", len(line))
	return Unknown{Raw: line}
}

func decodeSystem(root gjson.Result) (Event, bool) {
	if str(root.Get("subtype")) != SubtypeInit {
		return nil, false
	}
	id := root.Get("session_id")
	if id.Type != gjson.String {
		return nil, false
	}

	ev := SystemInit{SessionID: id.Str, Tools: []string{}}
	tools := root.Get("tools")
	if !tools.IsArray() {
		tools = gjson.Result{}
	}
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Type == gjson.String {
			ev.Tools = append(ev.Tools, tool.Str)
		}
		return true
	})
	ev.Model = optString(root.Get("model"))
	return ev, true
}

func decodeAssistant(root gjson.Result) (Event, bool) {
	switch str(root.Get("subtype")) {
	case SubtypeMessage:
		msg := root.Get("message")
		id := msg.Get("id")
		if id.Type != gjson.String {
			return nil, false
		}
		return AssistantMessageStart{
			MessageID:  id.Str,
			StopReason: optString(msg.Get("stop_reason")),
		}, true

	case SubtypeContentBlockStart:
		index, ok := intField(root.Get("index"))
		if !ok {
			return nil, false
		}
		block := root.Get("content_block")
		var kind BlockKind
		switch str(block.Get("type")) {
		case BlockText:
			kind = TextBlock{}
		case BlockToolUse:
			kind = ToolUseBlock{
				ID:   block.Get("id").String(),
				Name: block.Get("name").String(),
			}
		case BlockThinking:
			kind = ThinkingBlock{}
		default:
			return nil, false
		}
		return ContentBlockStart{Index: index, Block: kind}, true

	case SubtypeContentBlockDelta:
		index, ok := intField(root.Get("index"))
		if !ok {
			return nil, false
		}
		delta := root.Get("delta")
		var d Delta
		switch str(delta.Get("type")) {
		case DeltaText:
			d = TextDelta{Text: delta.Get("text").String()}
		case DeltaInputJSON:
			d = ToolInputDelta{PartialJSON: delta.Get("partial_json").String()}
		case DeltaThinking:
			d = ThinkingDelta{Thinking: delta.Get("thinking").String()}
		default:
			return nil, false
		}
		return ContentBlockDelta{Index: index, Delta: d}, true

	case SubtypeContentBlockStop:
		index, ok := intField(root.Get("index"))
		if !ok {
			return nil, false
		}
		return ContentBlockStop{Index: index}, true
	}
	return nil, false
}

func decodeUser(root gjson.Result) (Event, bool) {
	msg := root.Get("message")
	id := msg.Get("id")
	if !msg.IsObject() || id.Type != gjson.String {
		return nil, false
	}

	ev := UserMessageEcho{MessageID: id.Str}
	content := msg.Get("content")
	if !content.IsArray() {
		return ev, true
	}
	content.ForEach(func(_, block gjson.Result) bool {
		if str(block.Get("type")) != BlockToolResult {
			return true
		}
		ev.ToolResults = append(ev.ToolResults, ToolResultBlock{
			ToolUseID: block.Get("tool_use_id").String(),
			Content:   resultText(block.Get("content")),
			IsError:   block.Get("is_error").Bool(),
		})
		return true
	})
	return ev, true
}

// resultText flattens tool_result content, which is either a string or an
// array of text blocks.
func resultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return content.Raw
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Type == gjson.String {
			parts = append(parts, t.Str)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func decodeResult(root gjson.Result) Event {
	return Result{
		Subtype:    optString(root.Get("subtype")),
		DurationMS: optInt(root.Get("duration_ms")),
		NumTurns:   optInt(root.Get("num_turns")),
		Result:     optString(root.Get("result")),
		SessionID:  optString(root.Get("session_id")),
		IsError:    root.Get("is_error").Bool(),
	}
}

func str(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}

func optString(r gjson.Result) *string {
	if r.Type != gjson.String {
		return nil
	}
	s := r.Str
	return &s
}

func optInt(r gjson.Result) *int64 {
	if r.Type != gjson.Number || r.Num != math.Trunc(r.Num) {
		return nil
	}
	n := r.Int()
	return &n
}

// intField accepts non-negative integral numbers only.
func intField(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number || r.Num != math.Trunc(r.Num) || r.Num < 0 || r.Num > math.MaxInt32 {
		return 0, false
	}
	return int(r.Int()), true
}
