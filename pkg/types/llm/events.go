package llm

import "encoding/json"

// EventKind discriminates stream events
type EventKind string

const (
	EventTextDelta      EventKind = "text_delta"
	EventThinkingDelta  EventKind = "thinking_delta"
	EventSignatureDelta EventKind = "signature_delta"
	EventToolUse        EventKind = "tool_use"
	EventMessageStop    EventKind = "message_stop"
)

// ToolUse is one complete tool invocation requested by the model
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// MessageStop closes a streamed call. Blocks carries the assistant's
// content blocks verbatim, thinking signatures included, so the next
// request can replay them unchanged.
type MessageStop struct {
	StopReason StopReason      `json:"stop_reason"`
	Usage      Usage           `json:"usage"`
	Blocks     json.RawMessage `json:"blocks"`
	Text       string          `json:"text"`
}

// Event is one element of the stream iterator. Exactly one payload field
// is set for its kind; Delta carries the text for the three delta kinds.
// A non-nil Err is the stream's final element and means the call failed
// after the events already delivered.
type Event struct {
	Kind  EventKind
	Delta string
	Tool  *ToolUse
	Stop  *MessageStop
	Err   error
}
