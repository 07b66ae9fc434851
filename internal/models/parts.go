package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolState is the lifecycle state of a recorded tool invocation.
type ToolState string

const (
	ToolStateOutputAvailable ToolState = "output-available"
	ToolStateOutputError     ToolState = "output-error"
)

// Part is one segment of an assistant turn: a TextPart or a ToolCallPart.
type Part interface {
	partType() string
}

// TextPart is a run of answer text.
type TextPart struct {
	Text string
}

// ToolCallPart records a tool the model called during the turn.
type ToolCallPart struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any
	State      ToolState
}

func (TextPart) partType() string       { return "text" }
func (p ToolCallPart) partType() string { return "tool-" + p.ToolName }

// Parts is the ordered trace stored with an assistant message.
type Parts []Part

type partEnvelope struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	State      ToolState      `json:"state,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

func (p Parts) MarshalJSON() ([]byte, error) {
	out := make([]partEnvelope, 0, len(p))
	for _, part := range p {
		switch v := part.(type) {
		case TextPart:
			out = append(out, partEnvelope{Type: v.partType(), Text: v.Text})
		case ToolCallPart:
			out = append(out, partEnvelope{
				Type:       v.partType(),
				ToolCallID: v.ToolCallID,
				ToolName:   v.ToolName,
				State:      v.State,
				Input:      v.Input,
			})
		default:
			return nil, fmt.Errorf("unsupported message part %T", part)
		}
	}
	return json.Marshal(out)
}

func (p *Parts) UnmarshalJSON(data []byte) error {
	var raw []partEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts := make(Parts, 0, len(raw))
	for i, env := range raw {
		switch {
		case env.Type == "text":
			parts = append(parts, TextPart{Text: env.Text})
		case strings.HasPrefix(env.Type, "tool-"):
			name := env.ToolName
			if name == "" {
				name = strings.TrimPrefix(env.Type, "tool-")
			}
			parts = append(parts, ToolCallPart{
				ToolCallID: env.ToolCallID,
				ToolName:   name,
				State:      env.State,
				Input:      env.Input,
			})
		default:
			return fmt.Errorf("part %d: unknown type %q", i, env.Type)
		}
	}
	*p = parts
	return nil
}
