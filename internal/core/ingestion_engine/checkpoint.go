package ingestion_engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Stage names double as checkpoint keys.
const (
	StageExtract = "extract-pages"
	StageEmbed   = "generate-embeddings"
	StageReady   = "mark-ready"
)

// runStep executes fn unless the stage already has a checkpoint, in which case the saved summary is returned.
// The summary is saved only after fn succeeds, so a crash inside fn re-runs it on resume.
func runStep[T any](ctx context.Context, i *DocumentIngestor, docID, stage string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, done, err := i.db.LoadCheckpoint(ctx, docID, stage)
	if err != nil {
		return out, fmt.Errorf("load checkpoint %s: %w", stage, err)
	}
	if done {
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return out, fmt.Errorf("decode checkpoint %s: %w", stage, err)
			}
		}
		i.logger.Info("stage already completed, skipping", zap.String("document_id", docID), zap.String("stage", stage))
		return out, nil
	}

	out, err = fn(ctx)
	if err != nil {
		return out, fmt.Errorf("%s: %w", stage, err)
	}

	raw, err = json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode checkpoint %s: %w", stage, err)
	}
	if err := i.db.SaveCheckpoint(ctx, docID, stage, raw); err != nil {
		return out, fmt.Errorf("save checkpoint %s: %w", stage, err)
	}
	return out, nil
}
