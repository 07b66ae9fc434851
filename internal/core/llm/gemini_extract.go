package llm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/logger"
)

const extractPrompt = "Convert PDF pages %d to %d of the attached document to structured Markdown. " +
	"Preserve all headings, paragraphs, lists, tables, code blocks, and equations. " +
	"Return only the Markdown content for those pages."

// GeminiExtractor uploads a PDF once through the File API and asks the model for markdown page range by page range.
type GeminiExtractor struct {
	client       *genai.Client
	modelName    string
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewGeminiExtractor(client *genai.Client, modelName string, log *zap.Logger) *GeminiExtractor {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &GeminiExtractor{client: client, modelName: modelName, pollInterval: 2 * time.Second, logger: logger.OrNop(log)}
}

// Open uploads the PDF and waits until the service reports it active.
func (g *GeminiExtractor) Open(ctx context.Context, pdf []byte) (core.PageSource, error) {
	file, err := g.client.UploadFile(ctx, "", bytes.NewReader(pdf), &genai.UploadFileOptions{MIMEType: "application/pdf"})
	if err != nil {
		return nil, fmt.Errorf("gemini upload: %w", err)
	}

	name := file.Name
	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			g.discard(ctx, name)
			return nil, ctx.Err()
		case <-time.After(g.pollInterval):
		}
		if file, err = g.client.GetFile(ctx, name); err != nil {
			g.discard(ctx, name)
			return nil, fmt.Errorf("gemini file status: %w", err)
		}
	}
	if file.State != genai.FileStateActive {
		g.discard(ctx, name)
		return nil, fmt.Errorf("gemini file %s ended in state %v", name, file.State)
	}

	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(0)

	g.logger.Debug("pdf uploaded for extraction", zap.String("file", file.Name), zap.Int("bytes", len(pdf)))
	return &geminiPageSource{client: g.client, model: model, file: file, logger: g.logger}, nil
}

// discard deletes an upload that never became usable. It runs even when ctx is done.
func (g *GeminiExtractor) discard(ctx context.Context, name string) {
	if err := g.client.DeleteFile(context.WithoutCancel(ctx), name); err != nil {
		g.logger.Warn("failed to delete uploaded pdf", zap.String("file", name), zap.Error(err))
	}
}

type geminiPageSource struct {
	client *genai.Client
	model  *genai.GenerativeModel
	file   *genai.File
	logger *zap.Logger
}

func (s *geminiPageSource) ExtractPages(ctx context.Context, startPage, endPage int) (string, error) {
	resp, err := s.model.GenerateContent(ctx,
		genai.FileData{MIMEType: "application/pdf", URI: s.file.URI},
		genai.Text(fmt.Sprintf(extractPrompt, startPage, endPage)),
	)
	if err != nil {
		return "", fmt.Errorf("gemini extract pages %d-%d: %w", startPage, endPage, err)
	}
	return strings.TrimSpace(textOf(resp)), nil
}

func (s *geminiPageSource) Close(ctx context.Context) error {
	if err := s.client.DeleteFile(ctx, s.file.Name); err != nil {
		s.logger.Warn("failed to delete uploaded pdf", zap.String("file", s.file.Name), zap.Error(err))
		return err
	}
	return nil
}

var _ core.PageExtractor = (*GeminiExtractor)(nil)
