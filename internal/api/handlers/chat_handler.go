package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/chat"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
	"github.com/markdave123-py/pagewise/internal/services"
)

const maxImageBytes = 10 << 20

type ChatHandler struct {
	chat   *services.ChatService
	logger *zap.Logger
}

func NewChatHandler(chat *services.ChatService, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, logger: logger.OrNop(log)}
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Messages       []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	CurrentPage int `json:"currentPage"`
	Image       *struct {
		MIMEType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"image"`
}

func (c *chatRequest) toService() (services.ChatRequest, error) {
	out := services.ChatRequest{ConversationID: c.ConversationID, CurrentPage: c.CurrentPage}
	for _, m := range c.Messages {
		out.Messages = append(out.Messages, services.ChatMessage{Role: models.Role(m.Role), Content: m.Content})
	}
	if c.Image != nil && c.Image.Data != "" {
		// accept data URLs as well as bare base64
		data := c.Image.Data
		if i := strings.Index(data, ","); strings.HasPrefix(data, "data:") && i > 0 {
			data = data[i+1:]
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return out, fmt.Errorf("%w: image is not valid base64", core.ErrInvalidInput)
		}
		if len(raw) > maxImageBytes {
			return out, fmt.Errorf("%w: image is too large", core.ErrInvalidInput)
		}
		mimeType := c.Image.MIMEType
		if mimeType == "" {
			mimeType = http.DetectContentType(raw)
		}
		out.Image = &core.Image{MIMEType: mimeType, Data: raw}
	}
	return out, nil
}

// Chat answers one user turn as a server-sent event stream.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req, err := body.toService()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	turn, err := h.chat.Begin(r.Context(), chi.URLParam(r, "documentID"), userID, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	stream := newEventStream(w)
	if _, err := turn.Run(r.Context(), stream.send); err != nil {
		h.logger.Error("chat turn failed", zap.String("conversation_id", turn.Conversation().ID), zap.Error(err))
		stream.send(chat.ErrorEvent("The assistant could not answer. Please try again."))
	}
}

type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) *eventStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher}
}

func (s *eventStream) send(e chat.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		data, _ = json.Marshal(chat.ErrorEvent("unencodable event"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
