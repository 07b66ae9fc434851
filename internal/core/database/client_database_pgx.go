package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/config"
	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/models"
)

// PostgresClient is the production store: Postgres with pgvector for chunk similarity.
type PostgresClient struct {
	db *sql.DB
}

func NewPostgresClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PostgresClient, error) {
	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.Ingest.EmbedDim, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

func (c *PostgresClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *PostgresClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	stamp(&user.CreatedAt, &user.UpdatedAt)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.FirstName, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	return err
}

func (c *PostgresClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, "user", email)
	}
	return u, nil
}

// Documents

func (c *PostgresClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	stamp(&doc.CreatedAt, &doc.UpdatedAt)
	if doc.IngestionStatus == "" {
		doc.IngestionStatus = models.StatusPending
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.UserID, doc.Title, doc.FileName, doc.StorageURL, doc.FileSize, doc.LastPage,
		string(doc.IngestionStatus), doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (c *PostgresClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return d, nil
}

func (c *PostgresClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+documentCols+` FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDocument)
}

func (c *PostgresClient) ListDocumentsByStatus(ctx context.Context, statuses ...models.IngestionStatus) ([]models.Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+documentCols+` FROM documents
		WHERE ingestion_status = ANY($1)
		ORDER BY created_at ASC`, vals)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDocument)
}

func (c *PostgresClient) TransitionDocumentStatus(ctx context.Context, id string, to models.IngestionStatus) error {
	var current string
	if err := c.db.QueryRowContext(ctx, `SELECT ingestion_status FROM documents WHERE id = $1`, id).Scan(&current); err != nil {
		return notFound(err, "document", id)
	}
	from, write, err := checkTransition(current, to)
	if err != nil || !write {
		return err
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE documents SET ingestion_status = $3, updated_at = now()
		WHERE id = $1 AND ingestion_status = $2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrStatusConflict)
	}
	return nil
}

func (c *PostgresClient) ResetDocumentIngestion(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT ingestion_status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		return notFound(err, "document", id)
	}
	from, err := models.ParseIngestionStatus(current)
	if err != nil {
		return err
	}
	if err := models.ValidateReset(from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingestion_checkpoints WHERE document_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET ingestion_status = $2, updated_at = now() WHERE id = $1`,
		id, string(models.StatusPending)); err != nil {
		return err
	}
	return tx.Commit()
}

// Chunks

func (c *PostgresClient) UpsertDocumentChunk(ctx context.Context, ch *models.DocumentChunk) error {
	if ch == nil {
		return errors.New("nil chunk")
	}
	stamp(&ch.CreatedAt, nil)
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO document_chunks (`+chunkCols+`)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::int, $6::int, $7::int, $8::int, $9::timestamptz
		WHERE EXISTS (SELECT 1 FROM documents WHERE id = $2::text AND ingestion_status = $10::text)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			token_count = EXCLUDED.token_count,
			start_page = EXCLUDED.start_page,
			end_page = EXCLUDED.end_page,
			embedding = CASE WHEN document_chunks.content = EXCLUDED.content
				THEN document_chunks.embedding ELSE NULL END`,
		ch.ID, ch.DocumentID, ch.UserID, ch.Content, ch.StartPage, ch.EndPage, ch.ChunkIndex, ch.TokenCount, ch.CreatedAt,
		string(models.StatusExtracting))
	if err != nil {
		return err
	}
	return chunkWritten(res, ch)
}

func (c *PostgresClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+chunkCols+` FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChunkRow)
}

func (c *PostgresClient) ListChunksMissingEmbedding(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+chunkCols+` FROM document_chunks
		WHERE document_id = $1 AND embedding IS NULL
		ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChunkRow)
}

func (c *PostgresClient) CountChunksMissingEmbedding(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_chunks
		WHERE document_id = $1 AND embedding IS NULL`, documentID).Scan(&n)
	return n, err
}

func (c *PostgresClient) UpdateChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	res, err := c.db.ExecContext(ctx, `UPDATE document_chunks SET embedding = $2 WHERE id = $1`,
		chunkID, pgvector.NewVector(embedding))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, core.ErrNotFound)
	}
	return nil
}

func (c *PostgresClient) GetChunksByPage(ctx context.Context, documentID string, page int) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+chunkCols+` FROM document_chunks
		WHERE document_id = $1 AND start_page <= $2 AND end_page >= $2
		ORDER BY chunk_index ASC`, documentID, page)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChunkRow)
}

// SearchDocumentChunks uses the pgvector cosine operator; similarity is 1 - distance.
func (c *PostgresClient) SearchDocumentChunks(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+chunkCols+`, 1 - (embedding <=> $2) AS similarity
		FROM document_chunks
		WHERE document_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, documentID, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(s scanner) (*models.ScoredChunk, error) {
		var sim float64
		ch, err := scanChunk(s, &sim)
		if err != nil {
			return nil, err
		}
		return &models.ScoredChunk{DocumentChunk: *ch, Similarity: sim}, nil
	})
}

func (c *PostgresClient) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	return err
}

// Checkpoints

func (c *PostgresClient) SaveCheckpoint(ctx context.Context, documentID, stage string, output []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO ingestion_checkpoints (document_id, stage, output, completed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_id, stage) DO UPDATE SET output = EXCLUDED.output, completed_at = now()`,
		documentID, stage, nullableJSON(output))
	return err
}

func (c *PostgresClient) LoadCheckpoint(ctx context.Context, documentID, stage string) ([]byte, bool, error) {
	var out sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT output FROM ingestion_checkpoints WHERE document_id = $1 AND stage = $2`,
		documentID, stage).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(out.String), true, nil
}

func (c *PostgresClient) ClearCheckpoints(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM ingestion_checkpoints WHERE document_id = $1`, documentID)
	return err
}

// Conversations

func (c *PostgresClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("nil conversation")
	}
	stamp(&conv.CreatedAt, &conv.UpdatedAt)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.DocumentID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	return err
}

func (c *PostgresClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return conv, nil
}

func (c *PostgresClient) ListConversationsByDocument(ctx context.Context, documentID, userID string) ([]models.Conversation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+conversationCols+` FROM conversations
		WHERE document_id = $1 AND user_id = $2
		ORDER BY updated_at DESC`, documentID, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanConversation)
}

func (c *PostgresClient) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (c *PostgresClient) TouchConversation(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id)
	return err
}

// Messages

func (c *PostgresClient) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	stamp(&msg.CreatedAt, nil)
	parts, err := encodeParts(msg.Parts)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, parts, msg.CreatedAt)
	return err
}

func (c *PostgresClient) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	return n, err
}

func (c *PostgresClient) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMessage)
}

var _ core.DbClient = (*PostgresClient)(nil)
