package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"

	"github.com/markdave123-py/pagewise/internal/core"
)

// GeminiChat runs one streamed, tool-calling generation step per call.
type GeminiChat struct {
	client    *genai.Client
	modelName string
}

func NewGeminiChat(client *genai.Client, modelName string) *GeminiChat {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &GeminiChat{client: client, modelName: modelName}
}

func (g *GeminiChat) Step(ctx context.Context, req *core.StepRequest, onDelta func(string)) (*core.StepResponse, error) {
	contents := toContents(req.Turns)
	if len(contents) == 0 {
		return nil, errors.New("gemini chat: empty transcript")
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, fmt.Errorf("gemini chat: transcript must end with a user or tool turn, got %q", last.Role)
	}

	model := g.client.GenerativeModel(g.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(req.Tools)}}
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]

	out := &core.StepResponse{}
	iter := cs.SendMessageStream(ctx, last.Parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gemini chat stream: %w", err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				switch v := p.(type) {
				case genai.Text:
					out.Text += string(v)
					if onDelta != nil && v != "" {
						onDelta(string(v))
					}
				case genai.FunctionCall:
					out.ToolCalls = append(out.ToolCalls, core.ToolCall{Name: v.Name, Args: v.Args})
				}
			}
		}
	}
	return out, nil
}

// toContents maps the transcript onto Gemini roles. Tool results travel as user-role function responses.
func toContents(turns []core.ChatTurn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		var c genai.Content
		switch t.Role {
		case core.TurnUser:
			c.Role = "user"
			if t.Text != "" {
				c.Parts = append(c.Parts, genai.Text(t.Text))
			}
			if t.Image != nil {
				c.Parts = append(c.Parts, genai.Blob{MIMEType: t.Image.MIMEType, Data: t.Image.Data})
			}
		case core.TurnModel:
			c.Role = "model"
			if t.Text != "" {
				c.Parts = append(c.Parts, genai.Text(t.Text))
			}
			for _, call := range t.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: call.Name, Args: call.Args})
			}
		case core.TurnTool:
			c.Role = "user"
			for _, res := range t.ToolResults {
				c.Parts = append(c.Parts, genai.FunctionResponse{Name: res.Name, Response: res.Output})
			}
		}
		if len(c.Parts) > 0 {
			out = append(out, &c)
		}
	}
	return out
}

func toDeclarations(specs []core.ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, p := range s.Params {
			schema.Properties[p.Name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  schema,
		})
	}
	return decls
}

func schemaType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

var _ core.ChatModel = (*GeminiChat)(nil)
