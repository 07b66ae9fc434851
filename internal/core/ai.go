package core

import "context"

type EmbeddingProvider interface {
	// EmbedTexts returns one vector per text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder embeds a search query into the same space as stored chunks.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// PageExtractor turns PDF bytes into a source that can be asked for markdown one page range at a time.
type PageExtractor interface {
	Open(ctx context.Context, pdf []byte) (PageSource, error)
}

// PageSource is an opened PDF. ExtractPages may return "" when the pages hold nothing readable.
type PageSource interface {
	ExtractPages(ctx context.Context, startPage, endPage int) (string, error)
	Close(ctx context.Context) error
}

// TurnRole identifies who produced a ChatTurn.
type TurnRole string

const (
	TurnUser  TurnRole = "user"
	TurnModel TurnRole = "model"
	TurnTool  TurnRole = "tool"
)

// Image is an inline image attached to a user turn.
type Image struct {
	MIMEType string
	Data     []byte
}

// ToolCall is a structured request from the model to run a named tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID string
	Name   string
	Output map[string]any
}

// ChatTurn is one entry of the transcript sent to a ChatModel.
type ChatTurn struct {
	Role        TurnRole
	Text        string
	Image       *Image
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolParam describes one argument of a tool.
type ToolParam struct {
	Name        string
	Type        string // "string" | "integer"
	Description string
	Required    bool
}

// ToolSpec is the model-facing declaration of a tool.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

// StepRequest is everything a ChatModel needs for one step.
type StepRequest struct {
	System string
	Turns  []ChatTurn
	Tools  []ToolSpec
}

// StepResponse is the model output for one step.
type StepResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// ChatModel runs a single tool-calling step. onDelta receives streamed text as it arrives.
type ChatModel interface {
	Step(ctx context.Context, req *StepRequest, onDelta func(string)) (*StepResponse, error)
}
