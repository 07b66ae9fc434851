package llm

import (
	"context"
	"fmt"
	"math"

	"github.com/google/generative-ai-go/genai"

	"github.com/markdave123-py/pagewise/internal/core"
)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
}

// NewGeminiEmbedder returns vectors of exactly dim values. Longer model output is truncated
// and re-normalised, which gemini-embedding-001 supports.
func NewGeminiEmbedder(client *genai.Client, modelName string, dim int) *GeminiEmbedder {
	if modelName == "" {
		modelName = "gemini-embedding-001"
	}
	return &GeminiEmbedder{client: client, modelName: modelName, dim: dim}
}

// EmbedTexts batches all texts in one request via EmbeddingBatch.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalDocument

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, fitDim(e.Values, g.dim))
	}
	return out, nil
}

// EmbedQuery embeds a single search query.
func (g *GeminiEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalQuery

	resp, err := em.EmbedContent(ctx, genai.Text(query))
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("gemini embed: empty response")
	}
	return fitDim(resp.Embedding.Values, g.dim), nil
}

// fitDim leaves short vectors alone so the caller's dimension check can reject them.
func fitDim(v []float32, dim int) []float32 {
	if dim <= 0 || len(v) <= dim {
		return v
	}
	v = v[:dim]
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, dim)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
