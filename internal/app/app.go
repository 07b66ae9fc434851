// Package app wires configuration, storage, models and the HTTP surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/api/handlers"
	"github.com/markdave123-py/pagewise/internal/config"
	"github.com/markdave123-py/pagewise/internal/core"
	db "github.com/markdave123-py/pagewise/internal/core/database"
	"github.com/markdave123-py/pagewise/internal/core/ingestion_engine"
	"github.com/markdave123-py/pagewise/internal/core/llm"
	objectclient "github.com/markdave123-py/pagewise/internal/core/object-client"
	"github.com/markdave123-py/pagewise/internal/core/retrieval"
	"github.com/markdave123-py/pagewise/internal/logger"
	"github.com/markdave123-py/pagewise/internal/services"
)

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	DocProcessor *ingestion_engine.DocumentIngestor
	Server       *Server

	closers []io.Closer
	logger  *zap.Logger
}

func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET not set")
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("database initialized and ready")
	a := &App{DBClient: dbClient, closers: []io.Closer{dbClient}, logger: log}

	objClient, err := objectclient.NewObjectClient(appCtx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ObjectClient = objClient
	log.Info("object client initialized and ready")

	// the model client must outlive appCtx
	genaiClient, err := llm.NewGeminiClient(ctx, cfg.AIAPIKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the model client: %w", err)
	}
	a.closers = append(a.closers, genaiClient)

	embedder := llm.NewGeminiEmbedder(genaiClient, cfg.EmbedModel, cfg.Ingest.EmbedDim)
	a.DocProcessor = ingestion_engine.NewDocumentIngestor(ingestion_engine.Deps{
		DB:        dbClient,
		Objects:   objClient,
		Extractor: llm.NewGeminiExtractor(genaiClient, cfg.GenModel, log),
		Counter:   ingestion_engine.NewPDFPageCounter(),
		Embedder:  embedder,
	}, cfg.Ingest, log)

	users := services.NewUserService(dbClient, cfg.JWTSecret, log)
	router := NewRouter(cfg.CorsOrigins, buildHandlers(Deps{
		DB:       dbClient,
		Objects:  objClient,
		Ingest:   a.DocProcessor,
		Embedder: embedder,
		Chat:     llm.NewGeminiChat(genaiClient, cfg.ChatModel),
		Users:    users,
	}, log), users)
	a.Server = NewServer(cfg.Port, router, log)
	return a, nil
}

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	DB       core.DbClient
	Objects  core.ObjectClient
	Ingest   services.Enqueuer
	Embedder core.QueryEmbedder
	Chat     core.ChatModel
	Users    *services.UserService
}

func buildHandlers(d Deps, log *zap.Logger) Handlers {
	docs := services.NewDocumentService(d.DB, d.Objects, d.Ingest, log)
	convs := services.NewConversationService(d.DB, docs, log)
	chatSvc := services.NewChatService(convs, retrieval.New(d.DB, d.Embedder, log), d.Chat, log)
	return Handlers{
		Auth:          handlers.NewAuthHandler(d.Users, log),
		Documents:     handlers.NewDocumentHandler(docs, log),
		Conversations: handlers.NewConversationHandler(convs, log),
		Chat:          handlers.NewChatHandler(chatSvc, log),
	}
}

// Run starts the ingestion workers, re-enqueues unfinished documents and serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	a.DocProcessor.Start(workerCtx)

	go func() {
		if _, err := a.DocProcessor.RecoverPending(ctx); err != nil {
			a.logger.Error("recovering unfinished ingestions", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	// in-flight runs stop here; their documents stay in progress and are recovered on the next start
	stopWorkers()
	a.DocProcessor.Wait()
	return serveErr
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
}
