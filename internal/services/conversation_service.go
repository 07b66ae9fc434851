package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
)

const (
	defaultConversationTitle = "New conversation"
	titleLength              = 80
)

type ConversationService struct {
	db     core.DbClient
	docs   *DocumentService
	logger *zap.Logger
}

func NewConversationService(db core.DbClient, docs *DocumentService, log *zap.Logger) *ConversationService {
	return &ConversationService{db: db, docs: docs, logger: logger.OrNop(log).Named("conversations")}
}

// Create opens a conversation on a ready document.
func (s *ConversationService) Create(ctx context.Context, documentID, userID string) (*models.Conversation, error) {
	doc, err := s.docs.Get(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc.IngestionStatus != models.StatusReady {
		return nil, fmt.Errorf("%w: status is %s", core.ErrNotReady, doc.IngestionStatus)
	}
	conv := &models.Conversation{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     userID,
		Title:      defaultConversationTitle,
	}
	if err := s.db.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// List returns the document's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, documentID, userID string) ([]models.Conversation, error) {
	if _, err := s.docs.Get(ctx, documentID, userID); err != nil {
		return nil, err
	}
	return s.db.ListConversationsByDocument(ctx, documentID, userID)
}

// Get returns a conversation with its messages in order.
func (s *ConversationService) Get(ctx context.Context, documentID, conversationID, userID string) (*models.Conversation, []models.Message, error) {
	conv, err := s.owned(ctx, documentID, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.db.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// SaveUserMessage appends a user message. The first message of a conversation also names it.
func (s *ConversationService) SaveUserMessage(ctx context.Context, conv *models.Conversation, text string) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
	}
	if err := s.db.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	n, err := s.db.CountMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		if title := titleFromMessage(text); title != "" {
			if err := s.db.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
				return nil, fmt.Errorf("set conversation title: %w", err)
			}
			conv.Title = title
		}
	}
	return msg, nil
}

// SaveAssistantMessage stores the answer with its step trace and bumps the conversation.
func (s *ConversationService) SaveAssistantMessage(ctx context.Context, conv *models.Conversation, text string, parts models.Parts) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        text,
		Parts:          parts,
	}
	if err := s.db.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	if err := s.db.TouchConversation(ctx, conv.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

// owned hides conversations of other users and other documents behind ErrNotFound.
func (s *ConversationService) owned(ctx context.Context, documentID, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID || conv.DocumentID != documentID {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, core.ErrNotFound)
	}
	return conv, nil
}

func titleFromMessage(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) > titleLength {
		r = r[:titleLength]
	}
	return string(r)
}
