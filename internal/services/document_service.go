package services

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/retrieval"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
)

// MaxUploadBytes is the largest PDF accepted for ingestion.
const MaxUploadBytes = 50 << 20

const pdfContentType = "application/pdf"

// Enqueuer hands a stored document to the ingestion pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID string) error
}

type DocumentService struct {
	db      core.DbClient
	storage core.ObjectClient
	ingest  Enqueuer
	logger  *zap.Logger
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, ingest Enqueuer, log *zap.Logger) *DocumentService {
	return &DocumentService{db: db, storage: storage, ingest: ingest, logger: logger.OrNop(log).Named("documents")}
}

// Upload stores a PDF, records it as pending and schedules ingestion.
// A failed enqueue leaves the document pending for startup recovery.
func (s *DocumentService) Upload(ctx context.Context, userID, filename, contentType string, data []byte) (*models.Document, error) {
	if err := validateUpload(filename, contentType, data); err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	handle, err := s.storage.Put(ctx, s.objectKey(userID, docID, filename), bytes.NewReader(data), pdfContentType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := &models.Document{
		ID:              docID,
		UserID:          userID,
		Title:           titleFromFilename(filename),
		FileName:        filepath.Base(filename),
		StorageURL:      handle,
		FileSize:        int64(len(data)),
		LastPage:        1,
		IngestionStatus: models.StatusPending,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		if derr := s.storage.Delete(context.WithoutCancel(ctx), handle); derr != nil {
			s.logger.Warn("orphaned upload", zap.String("handle", handle), zap.Error(derr))
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	if err := s.ingest.Enqueue(ctx, doc.ID); err != nil {
		s.logger.Warn("enqueue failed, document left for the recovery sweep", zap.String("document_id", doc.ID), zap.Error(err))
	}
	s.logger.Info("document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("user_id", userID),
		zap.Int64("size", doc.FileSize))
	return doc, nil
}

// Get returns the document when userID owns it.
func (s *DocumentService) Get(ctx context.Context, documentID, userID string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !retrieval.Owns(doc, userID) {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	return doc, nil
}

func (s *DocumentService) Status(ctx context.Context, documentID, userID string) (models.IngestionStatus, error) {
	doc, err := s.Get(ctx, documentID, userID)
	if err != nil {
		return "", err
	}
	return doc.IngestionStatus, nil
}

func (s *DocumentService) List(ctx context.Context, userID string) ([]models.Document, error) {
	return s.db.ListDocumentsByUser(ctx, userID)
}

// Retry resets a failed document to pending and schedules a fresh run.
// Any other status yields core.ErrInvalidTransition.
func (s *DocumentService) Retry(ctx context.Context, documentID, userID string) (*models.Document, error) {
	if _, err := s.Get(ctx, documentID, userID); err != nil {
		return nil, err
	}
	if err := s.db.ResetDocumentIngestion(ctx, documentID); err != nil {
		return nil, err
	}
	if err := s.ingest.Enqueue(ctx, documentID); err != nil {
		s.logger.Warn("enqueue failed, document left for the recovery sweep", zap.String("document_id", documentID), zap.Error(err))
	}
	s.logger.Info("ingestion retried", zap.String("document_id", documentID))
	return s.db.GetDocumentByID(ctx, documentID)
}

// objectKey creates a consistent storage key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	filename = strings.TrimSpace(filepath.Base(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, filename)
}

func validateUpload(filename, contentType string, data []byte) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != pdfContentType {
		return fmt.Errorf("%w: only PDF files are allowed", core.ErrInvalidInput)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: file is empty", core.ErrInvalidInput)
	}
	if len(data) > MaxUploadBytes {
		return fmt.Errorf("%w: file exceeds %d MB", core.ErrInvalidInput, MaxUploadBytes>>20)
	}
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: file name is required", core.ErrInvalidInput)
	}
	return nil
}

func titleFromFilename(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".pdf") {
		name = name[:len(name)-len(ext)]
	}
	return name
}
