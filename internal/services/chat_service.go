package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/chat"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
)

// ChatMessage is one prior turn as the client sends it.
type ChatMessage struct {
	Role    models.Role
	Content string
}

// ChatRequest carries one user turn. The last message must come from the user.
type ChatRequest struct {
	ConversationID string
	Messages       []ChatMessage
	CurrentPage    int
	Image          *core.Image
}

type ChatService struct {
	convs  *ConversationService
	lookup chat.Lookup
	loop   *chat.Loop
	logger *zap.Logger
}

func NewChatService(convs *ConversationService, lookup chat.Lookup, model core.ChatModel, log *zap.Logger) *ChatService {
	log = logger.OrNop(log)
	return &ChatService{convs: convs, lookup: lookup, loop: chat.NewLoop(model, log), logger: log.Named("chat-service")}
}

// Turn is a validated chat turn whose user message is already stored.
type Turn struct {
	svc        *ChatService
	conv       *models.Conversation
	documentID string
	userID     string
	req        ChatRequest
}

// Begin checks ownership and input and saves the user message. Errors here happen before any streaming.
func (s *ChatService) Begin(ctx context.Context, documentID, userID string, req ChatRequest) (*Turn, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", core.ErrInvalidInput)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != models.RoleUser || (strings.TrimSpace(last.Content) == "" && req.Image == nil) {
		return nil, fmt.Errorf("%w: the last message must be a user message", core.ErrInvalidInput)
	}

	conv, err := s.convs.owned(ctx, documentID, req.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.SaveUserMessage(ctx, conv, last.Content); err != nil {
		return nil, err
	}
	return &Turn{svc: s, conv: conv, documentID: documentID, userID: userID, req: req}, nil
}

// Run drives the tool loop, stores the assistant message and emits finish. emit may be nil.
func (t *Turn) Run(ctx context.Context, emit func(chat.Event)) (*models.Message, error) {
	if emit == nil {
		emit = func(chat.Event) {}
	}
	s := t.svc
	tools := chat.DocumentTools(s.lookup, t.documentID, t.userID)
	res, err := s.loop.Run(ctx, chat.BuildSystemPrompt(t.req.CurrentPage), toTurns(t.req), tools, emit)
	if err != nil {
		return nil, fmt.Errorf("chat turn: %w", err)
	}

	msg, err := s.convs.SaveAssistantMessage(context.WithoutCancel(ctx), t.conv, res.Text, res.Parts)
	if err != nil {
		return nil, err
	}
	s.logger.Info("chat turn finished",
		zap.String("conversation_id", t.conv.ID),
		zap.Int("steps", res.Steps),
		zap.Int("parts", len(res.Parts)))
	emit(chat.FinishEvent(msg.ID, msg.Content))
	return msg, nil
}

// Conversation returns the conversation the turn belongs to.
func (t *Turn) Conversation() *models.Conversation { return t.conv }

func toTurns(req ChatRequest) []core.ChatTurn {
	turns := make([]core.ChatTurn, 0, len(req.Messages))
	for n, m := range req.Messages {
		turn := core.ChatTurn{Role: core.TurnUser, Text: m.Content}
		if m.Role == models.RoleAssistant {
			turn.Role = core.TurnModel
		}
		if n == len(req.Messages)-1 {
			turn.Image = req.Image
		}
		if turn.Text == "" && turn.Image == nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}
