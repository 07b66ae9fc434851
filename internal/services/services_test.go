package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/chat"
	db "github.com/markdave123-py/pagewise/internal/core/database"
	"github.com/markdave123-py/pagewise/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/pagewise/internal/core/object-client"
	"github.com/markdave123-py/pagewise/internal/core/retrieval"
	"github.com/markdave123-py/pagewise/internal/models"
)

var samplePDF = []byte("%PDF-1.4\n%fake body\n%%EOF\n")

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
	return e.err
}

type answerModel struct {
	mu       sync.Mutex
	requests []*core.StepRequest
}

// Step calls semanticSearch once, then answers.
func (m *answerModel) Step(_ context.Context, req *core.StepRequest, onDelta func(string)) (*core.StepResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.requests) == 1 {
		return &core.StepResponse{ToolCalls: []core.ToolCall{{Name: chat.SemanticSearchTool, Args: map[string]any{"query": "intro"}}}}, nil
	}
	onDelta("The intro says hello [Pages 1-5]")
	return &core.StepResponse{Text: "The intro says hello [Pages 1-5]"}, nil
}

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }

type harness struct {
	store  *db.SQLiteClient
	queue  *recordingEnqueuer
	docs   *DocumentService
	convs  *ConversationService
	users  *UserService
	model  *answerModel
	chat   *ChatService
	userID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewSQLiteClient(ctx, filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	objects, err := objectclient.NewLocalClient(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{store: store, queue: &recordingEnqueuer{}, model: &answerModel{}, userID: "alice"}
	h.docs = NewDocumentService(store, objects, h.queue, nil)
	h.convs = NewConversationService(store, h.docs, nil)
	h.users = NewUserService(store, "test-secret", nil)
	h.chat = NewChatService(h.convs, retrieval.New(store, fixedEmbedder{}, nil), h.model, nil)

	for _, id := range []string{"alice", "bob"} {
		if err := store.CreateUser(ctx, &models.User{ID: id, Email: id + "@example.com", PasswordHash: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

// readyDocument uploads a PDF and drives it to ready with one embedded chunk.
func (h *harness) readyDocument(t *testing.T) *models.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := h.docs.Upload(ctx, h.userID, "Guide.pdf", "application/pdf", samplePDF)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.TransitionDocumentStatus(ctx, doc.ID, models.StatusExtracting); err != nil {
		t.Fatal(err)
	}
	chunk := &models.DocumentChunk{ID: doc.ID + "-chunk-0", DocumentID: doc.ID, UserID: h.userID, Content: "hello", StartPage: 1, EndPage: 5}
	if err := h.store.UpsertDocumentChunk(ctx, chunk); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpdateChunkEmbedding(ctx, chunk.ID, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	for _, st := range []models.IngestionStatus{models.StatusEmbedding, models.StatusReady} {
		if err := h.store.TransitionDocumentStatus(ctx, doc.ID, st); err != nil {
			t.Fatal(err)
		}
	}
	doc.IngestionStatus = models.StatusReady
	return doc
}

func TestDocumentService_Upload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc, err := h.docs.Upload(ctx, "alice", "Annual Report.PDF", "application/pdf", samplePDF)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Annual Report" || doc.IngestionStatus != models.StatusPending || doc.FileSize != int64(len(samplePDF)) {
		t.Errorf("document = %+v", doc)
	}
	if len(h.queue.ids) != 1 || h.queue.ids[0] != doc.ID {
		t.Errorf("enqueued = %v", h.queue.ids)
	}
	stored, err := h.docs.Get(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stored.StorageURL, doc.ID) {
		t.Errorf("storage handle %q lacks the document id", stored.StorageURL)
	}
}

func TestDocumentService_UploadRejects(t *testing.T) {
	h := newHarness(t)
	big := make([]byte, MaxUploadBytes+1)
	tests := []struct {
		name, file, contentType string
		data                    []byte
	}{
		{"not a pdf", "a.png", "image/png", samplePDF},
		{"empty", "a.pdf", "application/pdf", nil},
		{"too large", "a.pdf", "application/pdf", big},
		{"bad content type", "a.pdf", "", samplePDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.docs.Upload(context.Background(), "alice", tt.file, tt.contentType, tt.data)
			if !errors.Is(err, core.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if len(h.queue.ids) != 0 {
		t.Errorf("rejected uploads were enqueued: %v", h.queue.ids)
	}
}

func TestDocumentService_FullQueueLeavesDocumentForSweep(t *testing.T) {
	h := newHarness(t)
	h.queue.err = fmt.Errorf("document x: %w", ingestion_engine.ErrQueueFull)
	ctx := context.Background()

	doc, err := h.docs.Upload(ctx, "alice", "a.pdf", "application/pdf", samplePDF)
	if err != nil {
		t.Fatal(err)
	}
	st, err := h.docs.Status(ctx, doc.ID, "alice")
	if err != nil || st != models.StatusPending {
		t.Fatalf("status = %s, %v", st, err)
	}
	unfinished, err := h.store.ListDocumentsByStatus(ctx, models.StatusPending, models.StatusExtracting, models.StatusEmbedding)
	if err != nil {
		t.Fatal(err)
	}
	if len(unfinished) != 1 || unfinished[0].ID != doc.ID {
		t.Errorf("sweep would see %+v", unfinished)
	}
}

func TestDocumentService_OwnershipIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.docs.Upload(ctx, "alice", "a.pdf", "application/pdf", samplePDF)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.docs.Status(ctx, doc.ID, "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Status as bob: %v", err)
	}
	if _, err := h.docs.Retry(ctx, doc.ID, "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Retry as bob: %v", err)
	}
	list, err := h.docs.List(ctx, "bob")
	if err != nil || len(list) != 0 {
		t.Errorf("bob lists %d documents, %v", len(list), err)
	}
}

func TestDocumentService_Retry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.docs.Upload(ctx, "alice", "a.pdf", "application/pdf", samplePDF)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.docs.Retry(ctx, doc.ID, "alice"); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("retry of a pending document: %v", err)
	}

	if err := h.store.TransitionDocumentStatus(ctx, doc.ID, models.StatusFailed); err != nil {
		t.Fatal(err)
	}
	got, err := h.docs.Retry(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.IngestionStatus != models.StatusPending {
		t.Errorf("status after retry = %s", got.IngestionStatus)
	}
	if len(h.queue.ids) != 2 {
		t.Errorf("enqueued = %v, want upload and retry", h.queue.ids)
	}
}

func TestConversationService_RequiresReadyDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, err := h.docs.Upload(ctx, "alice", "a.pdf", "application/pdf", samplePDF)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.convs.Create(ctx, doc.ID, "alice"); !errors.Is(err, core.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestConversationService_TitleFromFirstMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.readyDocument(t)

	conv, err := h.convs.Create(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "New conversation" {
		t.Errorf("initial title = %q", conv.Title)
	}

	first := strings.Repeat("é", 100)
	if _, err := h.convs.SaveUserMessage(ctx, conv, first); err != nil {
		t.Fatal(err)
	}
	if _, err := h.convs.SaveUserMessage(ctx, conv, "second question"); err != nil {
		t.Fatal(err)
	}

	got, msgs, err := h.convs.Get(ctx, doc.ID, conv.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != strings.Repeat("é", 80) {
		t.Errorf("title = %q (%d runes)", got.Title, len([]rune(got.Title)))
	}
	if len(msgs) != 2 || msgs[0].Content != first {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestConversationService_ScopedToOwnerAndDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.readyDocument(t)
	other := h.readyDocument(t)
	conv, err := h.convs.Create(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := h.convs.Get(ctx, doc.ID, conv.ID, "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("other user: %v", err)
	}
	if _, _, err := h.convs.Get(ctx, other.ID, conv.ID, "alice"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("other document: %v", err)
	}
	if _, err := h.convs.List(ctx, doc.ID, "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("list as bob: %v", err)
	}
}

func TestChatService_Turn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.readyDocument(t)
	conv, err := h.convs.Create(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	turn, err := h.chat.Begin(ctx, doc.ID, "alice", ChatRequest{
		ConversationID: conv.ID,
		Messages:       []ChatMessage{{Role: models.RoleUser, Content: "What does the intro say?"}},
		CurrentPage:    3,
	})
	if err != nil {
		t.Fatal(err)
	}
	var events []chat.Event
	msg, err := turn.Run(ctx, func(e chat.Event) { events = append(events, e) })
	if err != nil {
		t.Fatal(err)
	}

	if msg.Content != "The intro says hello [Pages 1-5]" || len(msg.Parts) != 2 {
		t.Fatalf("assistant message = %+v", msg)
	}
	if last := events[len(events)-1]; last.Type != chat.EventFinish || last.MessageID != msg.ID {
		t.Errorf("last event = %+v", last)
	}
	if !strings.Contains(h.model.requests[0].System, "page 3") {
		t.Error("current page hint missing from system prompt")
	}

	got, msgs, err := h.convs.Get(ctx, doc.ID, conv.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "What does the intro say?" {
		t.Errorf("title = %q", got.Title)
	}
	if len(msgs) != 2 || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
	call, ok := msgs[1].Parts[0].(models.ToolCallPart)
	if !ok || call.ToolName != chat.SemanticSearchTool || call.Input["query"] != "intro" {
		t.Errorf("stored tool part = %+v", msgs[1].Parts[0])
	}
}

func TestChatService_BeginValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.readyDocument(t)
	conv, err := h.convs.Create(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.chat.Begin(ctx, doc.ID, "alice", ChatRequest{
		ConversationID: conv.ID,
		Messages:       []ChatMessage{{Role: models.RoleAssistant, Content: "hi"}},
	})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("assistant last: %v", err)
	}

	_, err = h.chat.Begin(ctx, doc.ID, "bob", ChatRequest{
		ConversationID: conv.ID,
		Messages:       []ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("foreign conversation: %v", err)
	}

	n, err := h.store.CountMessages(ctx, conv.ID)
	if err != nil || n != 0 {
		t.Errorf("rejected turns stored %d messages, %v", n, err)
	}
}

func TestToTurnsAttachesImageToLastTurn(t *testing.T) {
	img := &core.Image{MIMEType: "image/png", Data: []byte{1}}
	turns := toTurns(ChatRequest{
		Messages: []ChatMessage{
			{Role: models.RoleUser, Content: "first"},
			{Role: models.RoleAssistant, Content: ""},
			{Role: models.RoleAssistant, Content: "answer"},
			{Role: models.RoleUser, Content: ""},
		},
		Image: img,
	})
	if len(turns) != 3 {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[1].Role != core.TurnModel || turns[2].Image != img {
		t.Errorf("turns = %+v", turns)
	}
}

func TestUserService_SignupLoginToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, token, err := h.users.Signup(ctx, "Carol", " Carol@Example.com ", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if user.Email != "carol@example.com" || user.PasswordHash == "correct horse" {
		t.Errorf("user = %+v", user)
	}
	if id, err := h.users.ParseToken(token); err != nil || id != user.ID {
		t.Errorf("ParseToken = %q, %v", id, err)
	}

	if _, _, err := h.users.Signup(ctx, "Carol", "carol@example.com", "another pass"); !errors.Is(err, core.ErrAlreadyExists) {
		t.Errorf("duplicate signup: %v", err)
	}
	if _, _, err := h.users.Signup(ctx, "D", "not-an-email", "long enough"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("bad email: %v", err)
	}
	if _, _, err := h.users.Signup(ctx, "D", "d@example.com", "short"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("short password: %v", err)
	}

	if _, _, err := h.users.Login(ctx, "carol@example.com", "wrong password"); !errors.Is(err, core.ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, _, err := h.users.Login(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, core.ErrInvalidCredentials) {
		t.Errorf("unknown email: %v", err)
	}
	if _, _, err := h.users.Login(ctx, "CAROL@example.com", "correct horse"); err != nil {
		t.Errorf("login: %v", err)
	}
}

func TestUserService_RejectsForeignAndExpiredTokens(t *testing.T) {
	h := newHarness(t)
	_, token, err := h.users.Signup(context.Background(), "E", "e@example.com", "password1")
	if err != nil {
		t.Fatal(err)
	}

	other := NewUserService(h.store, "other-secret", nil)
	if _, err := other.ParseToken(token); err == nil {
		t.Error("token signed with another secret accepted")
	}

	h.users.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := h.users.ParseToken(token); err == nil {
		t.Error("expired token accepted")
	}
}
