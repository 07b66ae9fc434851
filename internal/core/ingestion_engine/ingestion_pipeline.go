package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/retry"
	"github.com/markdave123-py/pagewise/internal/models"
)

// Start launches MaxConcurrentRuns workers reading from the jobs channel, plus a sweep that
// re-queues unfinished documents every RecoverInterval.
// Workers stop when ctx is done; Wait blocks until they have.
func (i *DocumentIngestor) Start(ctx context.Context) {
	for w := 1; w <= i.cfg.MaxConcurrentRuns; w++ {
		i.wg.Add(1)
		go func(w int) {
			defer i.wg.Done()
			for {
				select {
				case <-ctx.Done():
					i.logger.Debug("worker shutting down", zap.Int("worker", w))
					return
				case docID := <-i.jobs:
					i.dequeued(docID)
					i.logger.Info("processing document", zap.String("document_id", docID), zap.Int("worker", w))
					if err := i.ProcessOne(ctx, docID); err != nil {
						i.logger.Error("ingestion failed", zap.String("document_id", docID), zap.Error(err))
					}
				}
			}
		}(w)
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.cfg.RecoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := i.RecoverPending(ctx); err != nil && ctx.Err() == nil {
					i.logger.Warn("recovery sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (i *DocumentIngestor) Wait() { i.wg.Wait() }

// Enqueue schedules a document ID for ingestion without blocking.
// A document already in the queue is not added twice. When the queue is full it returns
// ErrQueueFull and the document waits for the next recovery sweep.
func (i *DocumentIngestor) Enqueue(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.queued[docID]; ok {
		return nil
	}
	select {
	case i.jobs <- docID:
		i.queued[docID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("document %s: %w", docID, ErrQueueFull)
	}
}

// RecoverPending queues every unfinished document that is neither queued nor running.
// Completed stages are skipped through their checkpoints. It stops early when the queue fills;
// the rest are picked up by a later sweep.
func (i *DocumentIngestor) RecoverPending(ctx context.Context) (int, error) {
	docs, err := i.db.ListDocumentsByStatus(ctx, models.StatusPending, models.StatusExtracting, models.StatusEmbedding)
	if err != nil {
		return 0, fmt.Errorf("list unfinished documents: %w", err)
	}
	n := 0
	for _, d := range docs {
		if i.tracked(d.ID) {
			continue
		}
		if err := i.Enqueue(ctx, d.ID); err != nil {
			if errors.Is(err, ErrQueueFull) {
				i.logger.Info("queue full, deferring recovery",
					zap.Int("queued", n), zap.Int("remaining", len(docs)-n))
				break
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		i.logger.Info("recovered unfinished ingestions", zap.Int("documents", n))
	}
	return n, nil
}

// ProcessOne runs the pipeline for one document under the outer retry budget.
// When the budget is spent the failure hook marks the document failed.
// A request for a document that is already running makes the owning run go again once it
// finishes, so a reset during a run is never lost.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, docID string) error {
	if !i.claim(docID) {
		i.logger.Info("document already being ingested, rerun scheduled", zap.String("document_id", docID))
		return nil
	}
	for {
		err := i.runOnce(ctx, docID)
		if !i.release(docID, ctx.Err() == nil) {
			return err
		}
		if err != nil {
			i.logger.Error("ingestion failed", zap.String("document_id", docID), zap.Error(err))
		}
		i.logger.Info("document requested again during ingestion, rerunning", zap.String("document_id", docID))
	}
}

func (i *DocumentIngestor) runOnce(ctx context.Context, docID string) error {
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.IngestionStatus.Terminal() {
		i.logger.Info("document already terminal, skipping",
			zap.String("document_id", docID), zap.String("status", string(doc.IngestionStatus)))
		return nil
	}

	start := time.Now()
	err = retry.Run(ctx, i.pipelinePolicy(docID), func(ctx context.Context) error {
		return i.runPipeline(ctx, doc)
	})
	if err == nil {
		i.logger.Info("document ready", zap.String("document_id", docID), zap.Duration("took", time.Since(start)))
		return nil
	}

	// Shutdown leaves the document in progress for RecoverPending.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if hookErr := i.FailDocument(context.WithoutCancel(ctx), docID, err); hookErr != nil {
		return errors.Join(err, hookErr)
	}
	return err
}

func (i *DocumentIngestor) runPipeline(ctx context.Context, doc *models.Document) error {
	if _, err := runStep(ctx, i, doc.ID, StageExtract, func(ctx context.Context) (extractSummary, error) {
		return i.extractPages(ctx, doc)
	}); err != nil {
		return err
	}
	if _, err := runStep(ctx, i, doc.ID, StageEmbed, func(ctx context.Context) (embedSummary, error) {
		return i.generateEmbeddings(ctx, doc)
	}); err != nil {
		return err
	}
	_, err := runStep(ctx, i, doc.ID, StageReady, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, i.advance(ctx, doc.ID, models.StatusReady)
	})
	return err
}

// FailDocument is the failure hook. It moves the document to failed and removes partial output,
// so a failed document never exposes chunks. Running it again is a no-op; a ready document is left alone.
func (i *DocumentIngestor) FailDocument(ctx context.Context, docID string, cause error) error {
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("failure hook: %w", err)
	}
	if doc.IngestionStatus == models.StatusReady {
		i.logger.Warn("failure hook skipped for ready document", zap.String("document_id", docID))
		return nil
	}
	if doc.IngestionStatus != models.StatusFailed {
		if err := i.db.TransitionDocumentStatus(ctx, docID, models.StatusFailed); err != nil {
			return fmt.Errorf("failure hook: %w", err)
		}
	}
	if err := i.db.DeleteChunksByDocument(ctx, docID); err != nil {
		return fmt.Errorf("failure hook: drop chunks: %w", err)
	}
	if err := i.db.ClearCheckpoints(ctx, docID); err != nil {
		return fmt.Errorf("failure hook: clear checkpoints: %w", err)
	}
	i.logger.Error("document marked failed", zap.String("document_id", docID), zap.Error(cause))
	return nil
}

// advance writes a pipeline status. An illegal move is a bug, not a transient fault.
func (i *DocumentIngestor) advance(ctx context.Context, docID string, to models.IngestionStatus) error {
	err := i.db.TransitionDocumentStatus(ctx, docID, to)
	if errors.Is(err, core.ErrInvalidTransition) {
		return core.NonRetriable(err)
	}
	return err
}

// callPolicy is the inner scope around a single model call.
func (i *DocumentIngestor) callPolicy() retry.Policy {
	p := retry.Cyclic()
	p.MaxAttempts = i.cfg.CallAttempts
	p.Sleep = i.sleep
	p.OnRetry = func(attempt int, err error, d time.Duration) {
		i.logger.Warn("model call failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("wait", d), zap.Error(err))
	}
	return p
}

// pipelinePolicy is the outer scope around a whole pipeline run.
func (i *DocumentIngestor) pipelinePolicy(docID string) retry.Policy {
	return retry.Policy{
		MaxAttempts: i.cfg.PipelineAttempts,
		Delay:       retry.ConstantDelay(i.cfg.PipelineRetryDelay),
		Sleep:       i.sleep,
		OnRetry: func(attempt int, err error, d time.Duration) {
			i.logger.Warn("pipeline attempt failed",
				zap.String("document_id", docID), zap.Int("attempt", attempt+1), zap.Duration("wait", d), zap.Error(err))
		},
	}
}
