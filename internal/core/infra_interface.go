package core

import (
	"context"
	"io"

	"github.com/markdave123-py/pagewise/internal/models"
)

// DbClient defines all persistence operations the services need.
// Postgres/pgvector and SQLite both implement it so higher layers never depend on a specific DB.
// Lookups of a missing row return ErrNotFound.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	ListDocumentsByStatus(ctx context.Context, statuses ...models.IngestionStatus) ([]models.Document, error)
	// TransitionDocumentStatus enforces models.ValidateTransition at the write boundary.
	TransitionDocumentStatus(ctx context.Context, id string, to models.IngestionStatus) error
	// ResetDocumentIngestion moves a failed document back to pending and drops its chunks and checkpoints.
	ResetDocumentIngestion(ctx context.Context, id string) error

	// UpsertDocumentChunk inserts or updates by chunk id. Changed content clears the embedding.
	// The document must be extracting, otherwise ErrStatusConflict.
	UpsertDocumentChunk(ctx context.Context, chunk *models.DocumentChunk) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	ListChunksMissingEmbedding(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	CountChunksMissingEmbedding(ctx context.Context, documentID string) (int, error)
	UpdateChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error
	GetChunksByPage(ctx context.Context, documentID string, page int) ([]models.DocumentChunk, error)
	// SearchDocumentChunks ranks embedded chunks of one document by cosine similarity, best first.
	SearchDocumentChunks(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error

	SaveCheckpoint(ctx context.Context, documentID, stage string, output []byte) error
	LoadCheckpoint(ctx context.Context, documentID, stage string) ([]byte, bool, error)
	ClearCheckpoints(ctx context.Context, documentID string) error

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversationsByDocument(ctx context.Context, documentID, userID string) ([]models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	TouchConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, msg *models.Message) error
	CountMessages(ctx context.Context, conversationID string) (int, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	Close() error
}

// ObjectClient stores and fetches original uploads by an opaque handle.
// It's abstract so S3 can be swapped for a local directory, MinIO, GCS, etc.
type ObjectClient interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (handle string, err error)
	Fetch(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}
