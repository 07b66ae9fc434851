package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/vector"
	"github.com/markdave123-py/pagewise/internal/models"
)

// SQLiteClient is the single-node store used for local development and tests.
// Embeddings are kept as JSON arrays and ranked in process.
type SQLiteClient struct {
	db *sql.DB
}

// NewSQLiteClient opens or creates the database at path and applies the schema.
// Parent directories are created if they do not exist.
func NewSQLiteClient(ctx context.Context, path string) (*SQLiteClient, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers; pipeline fan-out would otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := bootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteClient{db: db}, nil
}

func (c *SQLiteClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *SQLiteClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	stamp(&user.CreatedAt, &user.UpdatedAt)
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.FirstName, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	return err
}

func (c *SQLiteClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(c.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email))
	if err != nil {
		return nil, notFound(err, "user", email)
	}
	return u, nil
}

func (c *SQLiteClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	stamp(&doc.CreatedAt, &doc.UpdatedAt)
	if doc.IngestionStatus == "" {
		doc.IngestionStatus = models.StatusPending
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, doc.Title, doc.FileName, doc.StorageURL, doc.FileSize, doc.LastPage,
		string(doc.IngestionStatus), doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (c *SQLiteClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanDocument(c.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return d, nil
}

func (c *SQLiteClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentCols+` FROM documents WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDocument)
}

func (c *SQLiteClient) ListDocumentsByStatus(ctx context.Context, statuses ...models.IngestionStatus) ([]models.Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentCols+` FROM documents WHERE ingestion_status IN (`+placeholders+`) ORDER BY created_at ASC`,
		args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDocument)
}

func (c *SQLiteClient) TransitionDocumentStatus(ctx context.Context, id string, to models.IngestionStatus) error {
	var current string
	if err := c.db.QueryRowContext(ctx, `SELECT ingestion_status FROM documents WHERE id = ?`, id).Scan(&current); err != nil {
		return notFound(err, "document", id)
	}
	from, write, err := checkTransition(current, to)
	if err != nil || !write {
		return err
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET ingestion_status = ?, updated_at = ? WHERE id = ? AND ingestion_status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrStatusConflict)
	}
	return nil
}

func (c *SQLiteClient) ResetDocumentIngestion(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT ingestion_status FROM documents WHERE id = ?`, id).Scan(&current); err != nil {
		return notFound(err, "document", id)
	}
	from, err := models.ParseIngestionStatus(current)
	if err != nil {
		return err
	}
	if err := models.ValidateReset(from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingestion_checkpoints WHERE document_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET ingestion_status = ?, updated_at = ? WHERE id = ?`,
		string(models.StatusPending), time.Now().UTC(), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *SQLiteClient) UpsertDocumentChunk(ctx context.Context, ch *models.DocumentChunk) error {
	if ch == nil {
		return errors.New("nil chunk")
	}
	stamp(&ch.CreatedAt, nil)
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO document_chunks (`+chunkCols+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM documents WHERE id = ? AND ingestion_status = ?)
		 ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			token_count = excluded.token_count,
			start_page = excluded.start_page,
			end_page = excluded.end_page,
			embedding = CASE WHEN document_chunks.content = excluded.content
				THEN document_chunks.embedding ELSE NULL END`,
		ch.ID, ch.DocumentID, ch.UserID, ch.Content, ch.StartPage, ch.EndPage, ch.ChunkIndex, ch.TokenCount, ch.CreatedAt,
		ch.DocumentID, string(models.StatusExtracting))
	if err != nil {
		return err
	}
	return chunkWritten(res, ch)
}

func (c *SQLiteClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkCols+` FROM document_chunks WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChunkRow)
}

func (c *SQLiteClient) ListChunksMissingEmbedding(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkCols+` FROM document_chunks
		 WHERE document_id = ? AND embedding IS NULL ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChunkRow)
}

func (c *SQLiteClient) CountChunksMissingEmbedding(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = ? AND embedding IS NULL`, documentID).Scan(&n)
	return n, err
}

func (c *SQLiteClient) UpdateChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `UPDATE document_chunks SET embedding = ? WHERE id = ?`, string(raw), chunkID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, core.ErrNotFound)
	}
	return nil
}

func (c *SQLiteClient) GetChunksByPage(ctx context.Context, documentID string, page int) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkCols+` FROM document_chunks
		 WHERE document_id = ? AND start_page <= ? AND end_page >= ?
		 ORDER BY chunk_index ASC`, documentID, page, page)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChunkRow)
}

// SearchDocumentChunks loads the document's embedded chunks and ranks them by cosine similarity.
func (c *SQLiteClient) SearchDocumentChunks(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkCols+`, embedding FROM document_chunks
		 WHERE document_id = ? AND embedding IS NOT NULL ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	chunks, err := collect(rows, func(s scanner) (*models.DocumentChunk, error) {
		var raw string
		ch, err := scanChunk(s, &raw)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &ch.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %s: %w", ch.ID, err)
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}

	candidates := make([][]float32, len(chunks))
	for i := range chunks {
		candidates[i] = chunks[i].Embedding
	}
	ranked := vector.TopK(queryVec, candidates, limit)
	out := make([]models.ScoredChunk, 0, len(ranked))
	for _, r := range ranked {
		ch := chunks[r.Index]
		ch.Embedding = nil
		out = append(out, models.ScoredChunk{DocumentChunk: ch, Similarity: r.Similarity})
	}
	return out, nil
}

func (c *SQLiteClient) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID)
	return err
}

func (c *SQLiteClient) SaveCheckpoint(ctx context.Context, documentID, stage string, output []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO ingestion_checkpoints (document_id, stage, output, completed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (document_id, stage) DO UPDATE SET output = excluded.output, completed_at = excluded.completed_at`,
		documentID, stage, nullableJSON(output), time.Now().UTC())
	return err
}

func (c *SQLiteClient) LoadCheckpoint(ctx context.Context, documentID, stage string) ([]byte, bool, error) {
	var out sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT output FROM ingestion_checkpoints WHERE document_id = ? AND stage = ?`, documentID, stage).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(out.String), true, nil
}

func (c *SQLiteClient) ClearCheckpoints(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM ingestion_checkpoints WHERE document_id = ?`, documentID)
	return err
}

func (c *SQLiteClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("nil conversation")
	}
	stamp(&conv.CreatedAt, &conv.UpdatedAt)
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.DocumentID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	return err
}

func (c *SQLiteClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := scanConversation(c.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return conv, nil
}

func (c *SQLiteClient) ListConversationsByDocument(ctx context.Context, documentID, userID string) ([]models.Conversation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE document_id = ? AND user_id = ? ORDER BY updated_at DESC`, documentID, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanConversation)
}

func (c *SQLiteClient) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (c *SQLiteClient) TouchConversation(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (c *SQLiteClient) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	stamp(&msg.CreatedAt, nil)
	parts, err := encodeParts(msg.Parts)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, parts, msg.CreatedAt)
	return err
}

func (c *SQLiteClient) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

func (c *SQLiteClient) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMessage)
}

var _ core.DbClient = (*SQLiteClient)(nil)
