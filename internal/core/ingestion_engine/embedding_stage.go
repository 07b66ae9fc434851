package ingestion_engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/fanout"
	"github.com/markdave123-py/pagewise/internal/core/retry"
	"github.com/markdave123-py/pagewise/internal/models"
)

type embedSummary struct {
	TotalChunks  int   `json:"totalChunks"`
	TotalBatches int   `json:"totalBatches"`
	DurationMs   int64 `json:"totalEmbedMs"`
}

// generateEmbeddings is the "generate-embeddings" stage. Batches run one after another;
// the row updates inside a batch run concurrently.
func (i *DocumentIngestor) generateEmbeddings(ctx context.Context, doc *models.Document) (embedSummary, error) {
	start := time.Now()
	var sum embedSummary

	if err := i.advance(ctx, doc.ID, models.StatusEmbedding); err != nil {
		return sum, err
	}

	chunks, err := i.db.ListChunksMissingEmbedding(ctx, doc.ID)
	if err != nil {
		return sum, fmt.Errorf("list chunks to embed: %w", err)
	}
	size := i.cfg.EmbedBatchSize
	sum.TotalChunks = len(chunks)
	sum.TotalBatches = (len(chunks) + size - 1) / size
	i.logger.Info("embedding chunks",
		zap.String("document_id", doc.ID), zap.Int("chunks", len(chunks)), zap.Int("batches", sum.TotalBatches))

	exec := fanout.NewExecutor(fanout.NewGate(i.cfg.ExtractConcurrency))
	for b := 0; b*size < len(chunks); b++ {
		batch := chunks[b*size : min((b+1)*size, len(chunks))]
		texts := make([]string, len(batch))
		for n, ch := range batch {
			texts[n] = ch.Content
		}

		apiStart := time.Now()
		vecs, err := retry.Do(ctx, i.callPolicy(), func(ctx context.Context) ([][]float32, error) {
			vecs, err := i.embedder.EmbedTexts(ctx, texts)
			if err != nil {
				return nil, err
			}
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
			}
			for n, v := range vecs {
				if len(v) != i.cfg.EmbedDim {
					return nil, core.NonRetriable(fmt.Errorf("embedding %d has dimension %d, want %d", n, len(v), i.cfg.EmbedDim))
				}
			}
			return vecs, nil
		})
		if err != nil {
			return sum, fmt.Errorf("embed batch %d: %w", b, err)
		}
		apiMs := time.Since(apiStart).Milliseconds()

		dbStart := time.Now()
		tasks := make([]fanout.Task, len(batch))
		for n := range batch {
			id, vec := batch[n].ID, vecs[n]
			tasks[n] = func(ctx context.Context) error {
				return i.db.UpdateChunkEmbedding(ctx, id, vec)
			}
		}
		if errs := exec.Run(ctx, tasks); fanout.Failed(errs) > 0 {
			return sum, fmt.Errorf("store embeddings of batch %d: %w", b, fanout.Join(errs))
		}
		i.logger.Debug("batch embedded",
			zap.String("document_id", doc.ID),
			zap.Int("batch", b),
			zap.Int("of", sum.TotalBatches),
			zap.Int("chunks", len(batch)),
			zap.Int64("api_ms", apiMs),
			zap.Int64("db_ms", time.Since(dbStart).Milliseconds()))
	}

	missing, err := i.db.CountChunksMissingEmbedding(ctx, doc.ID)
	if err != nil {
		return sum, fmt.Errorf("verify embeddings: %w", err)
	}
	if missing > 0 {
		return sum, fmt.Errorf("%d chunks still lack an embedding", missing)
	}

	sum.DurationMs = time.Since(start).Milliseconds()
	i.logger.Info("embedding complete",
		zap.String("document_id", doc.ID), zap.Int("chunks", sum.TotalChunks), zap.Int64("total_ms", sum.DurationMs))
	return sum, nil
}
