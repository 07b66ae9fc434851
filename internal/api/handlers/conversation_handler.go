package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
	"github.com/markdave123-py/pagewise/internal/services"
)

type ConversationHandler struct {
	convs  *services.ConversationService
	logger *zap.Logger
}

func NewConversationHandler(convs *services.ConversationService, log *zap.Logger) *ConversationHandler {
	return &ConversationHandler{convs: convs, logger: logger.OrNop(log)}
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	conv, err := h.convs.Create(r.Context(), chi.URLParam(r, "documentID"), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	convs, err := h.convs.List(r.Context(), chi.URLParam(r, "documentID"), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type conversationResponse struct {
	*models.Conversation
	Messages []models.Message `json:"messages"`
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	conv, msgs, err := h.convs.Get(r.Context(), chi.URLParam(r, "documentID"), chi.URLParam(r, "conversationID"), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}
