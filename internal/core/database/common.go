package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/config"
	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/models"
)

const sqlitePrefix = "sqlite://"

// NewDatabaseClient picks the store from DATABASE_URL: sqlite://<path> opens a local SQLite file,
// anything else is treated as a Postgres DSN.
func NewDatabaseClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	if path, ok := strings.CutPrefix(cfg.DatabaseURL, sqlitePrefix); ok {
		logger.Info("using sqlite store", zap.String("path", path))
		return NewSQLiteClient(ctx, path)
	}
	logger.Info("using postgres store")
	return NewPostgresClient(ctx, cfg, logger)
}

const (
	userCols         = `id, first_name, email, password_hash, created_at, updated_at`
	documentCols     = `id, user_id, title, file_name, storage_url, file_size, last_page, ingestion_status, created_at, updated_at`
	chunkCols        = `id, document_id, user_id, content, start_page, end_page, chunk_index, token_count, created_at`
	conversationCols = `id, document_id, user_id, title, created_at, updated_at`
	messageCols      = `id, conversation_id, role, content, parts, created_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
	}
	return err
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created != nil && created.IsZero() {
		*created = now
	}
	if updated != nil && updated.IsZero() {
		*updated = now
	}
}

func scanUser(s scanner) (*models.User, error) {
	var u models.User
	if err := s.Scan(&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanDocument(s scanner) (*models.Document, error) {
	var (
		d      models.Document
		status string
	)
	if err := s.Scan(&d.ID, &d.UserID, &d.Title, &d.FileName, &d.StorageURL, &d.FileSize,
		&d.LastPage, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := models.ParseIngestionStatus(status)
	if err != nil {
		return nil, err
	}
	d.IngestionStatus = st
	return &d, nil
}

func scanChunk(s scanner, extra ...any) (*models.DocumentChunk, error) {
	var ch models.DocumentChunk
	dest := []any{&ch.ID, &ch.DocumentID, &ch.UserID, &ch.Content, &ch.StartPage, &ch.EndPage,
		&ch.ChunkIndex, &ch.TokenCount, &ch.CreatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &ch, nil
}

func scanConversation(s scanner) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(s scanner) (*models.Message, error) {
	var (
		m     models.Message
		role  string
		parts sql.NullString
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &parts, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	if parts.Valid && parts.String != "" {
		if err := m.Parts.UnmarshalJSON([]byte(parts.String)); err != nil {
			return nil, fmt.Errorf("decode parts of message %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

// encodeParts returns nil for an empty trace so the column stays NULL.
func encodeParts(p models.Parts) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// checkTransition reads the current status and validates the move. It reports whether a write is needed.
func checkTransition(current string, to models.IngestionStatus) (models.IngestionStatus, bool, error) {
	from, err := models.ParseIngestionStatus(current)
	if err != nil {
		return "", false, err
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return from, false, err
	}
	return from, from != to, nil
}

func scanChunkRow(s scanner) (*models.DocumentChunk, error) { return scanChunk(s) }

// chunkWritten turns a zero-row chunk upsert into ErrStatusConflict: chunk content only changes while extracting.
func chunkWritten(res sql.Result, ch *models.DocumentChunk) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %s: document %s is not extracting: %w", ch.ID, ch.DocumentID, core.ErrStatusConflict)
	}
	return nil
}
