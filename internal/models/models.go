package models

import (
	"time"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	FirstName    string    `db:"first_name" json:"first_name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Document represents an uploaded PDF and its ingestion state.
type Document struct {
	ID              string          `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"user_id"`
	Title           string          `db:"title" json:"title"`
	FileName        string          `db:"file_name" json:"file_name"`
	StorageURL      string          `db:"storage_url" json:"-"` // opaque retrieval handle
	FileSize        int64           `db:"file_size" json:"file_size"`
	LastPage        int             `db:"last_page" json:"last_page"`
	IngestionStatus IngestionStatus `db:"ingestion_status" json:"ingestion_status"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// DocumentChunk is one contiguous page range of extracted markdown.
type DocumentChunk struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	Content    string    `db:"content" json:"content"`
	StartPage  int       `db:"start_page" json:"start_page"`
	EndPage    int       `db:"end_page" json:"end_page"`
	ChunkIndex int       `db:"chunk_index" json:"chunk_index"`
	TokenCount int       `db:"token_count" json:"token_count"`
	Embedding  []float32 `db:"embedding" json:"-"` // nil until the embedding stage fills it
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ScoredChunk is a chunk returned by a similarity search.
type ScoredChunk struct {
	DocumentChunk
	Similarity float64 `json:"similarity"`
}

// Conversation is one chat thread about a document.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	Title      string    `db:"title" json:"title"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents an individual chat message (user or assistant).
// Content holds the plain text; Parts holds the replayable trace of an assistant turn.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Role           Role      `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	Parts          Parts     `db:"parts" json:"parts,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
