package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed scripts/initdb.sql scripts/initdb_sqlite.sql
var bootstrapFS embed.FS

const (
	schemaVersion  = 1
	embedDimMarker = "{{EMBED_DIM}}"
)

// EnsureBootstrapped creates the Postgres schema unless the meta table already records the current version,
// then checks that the chunk vector column matches embedDim.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, embedDim int, logger *zap.Logger) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'pagewise_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	hasVersion := false
	if exists {
		if err := db.QueryRowContext(ctxBoot, `SELECT EXISTS (SELECT 1 FROM pagewise_meta WHERE version = $1)`, schemaVersion).Scan(&hasVersion); err != nil {
			return fmt.Errorf("meta version check failed: %w", err)
		}
	}
	if !hasVersion {
		logger.Info("bootstrapping database schema", zap.Int("version", schemaVersion), zap.Int("embed_dim", embedDim))
		if err := runBootstrap(ctxBoot, db, "scripts/initdb.sql", embedDim); err != nil {
			return err
		}
	} else {
		logger.Debug("database schema up to date", zap.Int("version", schemaVersion))
	}

	// pgvector stores the declared dimension as the column typmod; -1 means unconstrained.
	var typmod int
	err = db.QueryRowContext(ctxBoot, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'document_chunks'::regclass AND attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("embedding column check failed: %w", err)
	}
	return checkEmbeddingDim(typmod, embedDim)
}

func checkEmbeddingDim(columnDim, embedDim int) error {
	if columnDim > 0 && columnDim != embedDim {
		return fmt.Errorf("document_chunks.embedding is vector(%d) but EMBED_DIM is %d", columnDim, embedDim)
	}
	return nil
}

// bootstrapSQLite applies the SQLite schema. Every statement is idempotent.
func bootstrapSQLite(ctx context.Context, db *sql.DB) error {
	return runBootstrap(ctx, db, "scripts/initdb_sqlite.sql", 0)
}

// renderSchema fills the embedding dimension into a bootstrap script.
func renderSchema(script []byte, embedDim int) (string, error) {
	s := string(script)
	if !strings.Contains(s, embedDimMarker) {
		return s, nil
	}
	if embedDim < 1 {
		return "", fmt.Errorf("embedding dimension must be positive, got %d", embedDim)
	}
	return strings.ReplaceAll(s, embedDimMarker, strconv.Itoa(embedDim)), nil
}

func runBootstrap(ctx context.Context, db *sql.DB, script string, embedDim int) error {
	sqlBytes, err := bootstrapFS.ReadFile(script)
	if err != nil {
		return fmt.Errorf("read %s: %w", script, err)
	}
	ddl, err := renderSchema(sqlBytes, embedDim)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
