package chat

// EventType names one entry of the streamed chat response.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
)

// Event is streamed to the client while a turn runs.
type Event struct {
	Type       EventType      `json:"type"`
	Delta      string         `json:"delta,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	MessageID  string         `json:"messageId,omitempty"`
	Text       string         `json:"text,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func TextDelta(delta string) Event { return Event{Type: EventTextDelta, Delta: delta} }

func ToolCallEvent(id, name string, input map[string]any) Event {
	return Event{Type: EventToolCall, ToolCallID: id, ToolName: name, Input: input}
}

func ToolResultEvent(id, name string, output map[string]any) Event {
	return Event{Type: EventToolResult, ToolCallID: id, ToolName: name, Output: output}
}

func FinishEvent(messageID, text string) Event {
	return Event{Type: EventFinish, MessageID: messageID, Text: text}
}

func ErrorEvent(msg string) Event { return Event{Type: EventError, Error: msg} }
