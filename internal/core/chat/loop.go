// Package chat runs the bounded tool-calling loop behind a document conversation.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
)

// DefaultMaxSteps caps model steps per turn.
const DefaultMaxSteps = 5

type Loop struct {
	model    core.ChatModel
	maxSteps int
	logger   *zap.Logger
}

func NewLoop(model core.ChatModel, log *zap.Logger) *Loop {
	return &Loop{model: model, maxSteps: DefaultMaxSteps, logger: logger.OrNop(log).Named("chat")}
}

// Result is the outcome of one turn. Parts holds every tool call in order followed by one text part.
type Result struct {
	Text  string
	Parts models.Parts
	Steps int
}

// Run lets the model call tools for up to maxSteps steps. It stops at the first step without tool calls;
// when the cap is hit the last non-empty text is the answer. emit may be nil.
func (l *Loop) Run(ctx context.Context, system string, turns []core.ChatTurn, tools []Tool, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	specs := make([]core.ToolSpec, len(tools))
	byName := make(map[string]Tool, len(tools))
	for n, t := range tools {
		specs[n] = t.Spec()
		byName[specs[n].Name] = t
	}

	transcript := append([]core.ChatTurn(nil), turns...)
	res := &Result{}
	for step := 1; step <= l.maxSteps; step++ {
		res.Steps = step
		resp, err := l.model.Step(ctx, &core.StepRequest{System: system, Turns: transcript, Tools: specs},
			func(delta string) { emit(TextDelta(delta)) })
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		if strings.TrimSpace(resp.Text) != "" {
			res.Text = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		calls := make([]core.ToolCall, len(resp.ToolCalls))
		for n, c := range resp.ToolCalls {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			calls[n] = c
			emit(ToolCallEvent(c.ID, c.Name, c.Args))
		}

		outcomes := l.runTools(ctx, calls, byName)
		results := make([]core.ToolResult, len(calls))
		for n, c := range calls {
			o := outcomes[n]
			results[n] = core.ToolResult{CallID: c.ID, Name: c.Name, Output: o.output}
			res.Parts = append(res.Parts, models.ToolCallPart{
				ToolCallID: c.ID,
				ToolName:   c.Name,
				Input:      c.Args,
				State:      o.state,
			})
			emit(ToolResultEvent(c.ID, c.Name, o.output))
		}

		transcript = append(transcript,
			core.ChatTurn{Role: core.TurnModel, Text: resp.Text, ToolCalls: calls},
			core.ChatTurn{Role: core.TurnTool, ToolResults: results},
		)
		l.logger.Debug("step finished", zap.Int("step", step), zap.Int("tool_calls", len(calls)))
	}

	res.Parts = append(res.Parts, models.TextPart{Text: res.Text})
	return res, nil
}

type toolOutcome struct {
	output map[string]any
	state  models.ToolState
}

// runTools executes one step's calls concurrently. A failing tool becomes an error payload for the model
// and never cancels its siblings.
func (l *Loop) runTools(ctx context.Context, calls []core.ToolCall, byName map[string]Tool) []toolOutcome {
	out := make([]toolOutcome, len(calls))
	var g errgroup.Group
	for n, c := range calls {
		g.Go(func() error {
			t, ok := byName[c.Name]
			if !ok {
				out[n] = toolOutcome{output: map[string]any{"error": "unknown tool " + c.Name}, state: models.ToolStateOutputError}
				return nil
			}
			output, err := runTool(ctx, t, c.Args)
			if err != nil {
				l.logger.Warn("tool failed", zap.String("tool", c.Name), zap.Error(err))
				out[n] = toolOutcome{output: map[string]any{"error": err.Error()}, state: models.ToolStateOutputError}
				return nil
			}
			out[n] = toolOutcome{output: output, state: models.ToolStateOutputAvailable}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func runTool(ctx context.Context, t Tool, args map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return t.Run(ctx, args)
}
