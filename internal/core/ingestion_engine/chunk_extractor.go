package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/fanout"
	"github.com/markdave123-py/pagewise/internal/core/retry"
	"github.com/markdave123-py/pagewise/internal/models"
)

// PageGroup is a contiguous, 1-based, inclusive page range extracted as one chunk.
type PageGroup struct {
	Index     int
	StartPage int
	EndPage   int
}

// PageGroups splits totalPages into ceil(totalPages/size) contiguous groups. Only the last may be shorter.
func PageGroups(totalPages, size int) []PageGroup {
	if totalPages <= 0 || size <= 0 {
		return nil
	}
	groups := make([]PageGroup, 0, (totalPages+size-1)/size)
	for idx, start := 0, 1; start <= totalPages; idx, start = idx+1, start+size {
		end := min(start+size-1, totalPages)
		groups = append(groups, PageGroup{Index: idx, StartPage: start, EndPage: end})
	}
	return groups
}

// ChunkID is the deterministic key of the chunk produced by group index of a document.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s-chunk-%d", documentID, index)
}

type extractSummary struct {
	PageCount   int   `json:"pageCount"`
	TotalGroups int   `json:"totalGroups"`
	Chunks      int   `json:"chunks"`
	EmptyGroups int   `json:"emptyGroups"`
	DurationMs  int64 `json:"totalExtractMs"`
}

// extractPages is the "extract-pages" stage: fetch, count, fan out one model call per group, upsert chunks.
func (i *DocumentIngestor) extractPages(ctx context.Context, doc *models.Document) (extractSummary, error) {
	start := time.Now()
	var sum extractSummary

	if err := i.advance(ctx, doc.ID, models.StatusExtracting); err != nil {
		return sum, err
	}

	pdf, err := i.obj.Fetch(ctx, doc.StorageURL)
	if err != nil {
		return sum, core.NonRetriable(fmt.Errorf("failed to fetch source pdf: %w", err))
	}
	if len(pdf) == 0 {
		return sum, core.NonRetriable(fmt.Errorf("source pdf is empty"))
	}
	pages, err := i.counter.CountPages(pdf)
	if err != nil {
		return sum, core.NonRetriable(fmt.Errorf("failed to read pdf: %w", err))
	}
	if pages == 0 {
		return sum, core.NonRetriable(fmt.Errorf("pdf has no pages"))
	}

	groups := PageGroups(pages, i.cfg.PagesPerGroup)
	sum.PageCount, sum.TotalGroups = pages, len(groups)
	i.logger.Info("extracting pages",
		zap.String("document_id", doc.ID), zap.Int("pages", pages), zap.Int("groups", len(groups)))

	src, err := retry.Do(ctx, i.callPolicy(), func(ctx context.Context) (core.PageSource, error) {
		return i.extractor.Open(ctx, pdf)
	})
	if err != nil {
		return sum, fmt.Errorf("open pdf for extraction: %w", err)
	}
	defer func() {
		if err := src.Close(context.WithoutCancel(ctx)); err != nil {
			i.logger.Warn("failed to release extraction source", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}()

	var chunks, empty atomic.Int64
	tasks := make([]fanout.Task, len(groups))
	for n, g := range groups {
		tasks[n] = func(ctx context.Context) error {
			callStart := time.Now()
			text, err := retry.Do(ctx, i.callPolicy(), func(ctx context.Context) (string, error) {
				return src.ExtractPages(ctx, g.StartPage, g.EndPage)
			})
			if err != nil {
				return fmt.Errorf("group %d (pages %d-%d): %w", g.Index, g.StartPage, g.EndPage, err)
			}
			modelMs := time.Since(callStart).Milliseconds()

			if strings.TrimSpace(text) == "" {
				empty.Add(1)
				i.logger.Info("group produced no content",
					zap.String("document_id", doc.ID), zap.Int("group", g.Index), zap.Int64("model_ms", modelMs))
				return nil
			}

			dbStart := time.Now()
			if err := i.db.UpsertDocumentChunk(ctx, &models.DocumentChunk{
				ID:         ChunkID(doc.ID, g.Index),
				DocumentID: doc.ID,
				UserID:     doc.UserID,
				Content:    text,
				StartPage:  g.StartPage,
				EndPage:    g.EndPage,
				ChunkIndex: g.Index,
				TokenCount: approxTokens(text),
			}); err != nil {
				err = fmt.Errorf("persist group %d: %w", g.Index, err)
				if errors.Is(err, core.ErrStatusConflict) {
					return core.NonRetriable(err)
				}
				return err
			}
			chunks.Add(1)
			i.logger.Debug("group extracted",
				zap.String("document_id", doc.ID),
				zap.Int("group", g.Index),
				zap.Int("of", len(groups)),
				zap.Int64("model_ms", modelMs),
				zap.Int64("db_ms", time.Since(dbStart).Milliseconds()),
				zap.Int("content_len", len(text)))
			return nil
		}
	}

	errs := fanout.NewExecutor(fanout.NewGate(i.cfg.ExtractConcurrency)).Run(ctx, tasks)
	sum.Chunks, sum.EmptyGroups = int(chunks.Load()), int(empty.Load())
	sum.DurationMs = time.Since(start).Milliseconds()
	if failed := fanout.Failed(errs); failed > 0 {
		return sum, fmt.Errorf("%d of %d groups failed: %w", failed, len(groups), fanout.Join(errs))
	}

	i.logger.Info("extraction complete",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", sum.Chunks),
		zap.Int("empty_groups", sum.EmptyGroups),
		zap.Int64("total_ms", sum.DurationMs))
	return sum, nil
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
