// Package retrieval answers page and topic questions over one document's chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/models"
)

// DefaultTopK is how many chunks a semantic lookup returns at most.
const DefaultTopK = 3

// Result is the model-facing view of a chunk: its text and page range only.
type Result struct {
	Content   string `json:"content"`
	StartPage int    `json:"startPage"`
	EndPage   int    `json:"endPage"`
}

type Retriever struct {
	db       core.DbClient
	embedder core.QueryEmbedder
	topK     int
	logger   *zap.Logger
}

func New(db core.DbClient, embedder core.QueryEmbedder, log *zap.Logger) *Retriever {
	return &Retriever{db: db, embedder: embedder, topK: DefaultTopK, logger: logger.OrNop(log).Named("retrieval")}
}

// PageLookup returns every chunk whose page range contains page.
// It returns core.ErrNoContent when none does.
func (r *Retriever) PageLookup(ctx context.Context, documentID, userID string, page int) ([]Result, error) {
	if err := r.authorize(ctx, documentID, userID); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, fmt.Errorf("page %d: %w", page, core.ErrNoContent)
	}
	chunks, err := r.db.GetChunksByPage(ctx, documentID, page)
	if err != nil {
		return nil, fmt.Errorf("page lookup: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("page %d: %w", page, core.ErrNoContent)
	}
	out := make([]Result, len(chunks))
	for n, ch := range chunks {
		out[n] = Result{Content: ch.Content, StartPage: ch.StartPage, EndPage: ch.EndPage}
	}
	return out, nil
}

// SemanticLookup ranks the document's embedded chunks by cosine similarity to query and keeps the best three.
// It returns core.ErrNoContent when the document has no embedded chunks.
func (r *Retriever) SemanticLookup(ctx context.Context, documentID, userID, query string) ([]Result, error) {
	if err := r.authorize(ctx, documentID, userID); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is empty")
	}
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.db.SearchDocumentChunks(ctx, documentID, vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("semantic lookup: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.DocumentID != documentID {
			continue
		}
		out = append(out, Result{Content: h.Content, StartPage: h.StartPage, EndPage: h.EndPage})
		if len(out) == r.topK {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("query %q: %w", query, core.ErrNoContent)
	}
	r.logger.Debug("semantic lookup", zap.String("document_id", documentID), zap.Int("hits", len(out)))
	return out, nil
}

// authorize hides documents owned by someone else behind the same error as missing ones.
func (r *Retriever) authorize(ctx context.Context, documentID, userID string) error {
	doc, err := r.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if !Owns(doc, userID) {
		return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	return nil
}

// Owns reports whether userID owns doc.
func Owns(doc *models.Document, userID string) bool {
	return doc != nil && userID != "" && doc.UserID == userID
}
