package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/pagewise/internal/api/middlewares"
	"github.com/markdave123-py/pagewise/internal/logger"
)

// Handlers groups the HTTP handlers mounted by NewRouter.
type Handlers struct {
	Auth          *handlers.AuthHandler
	Documents     *handlers.DocumentHandler
	Conversations *handlers.ConversationHandler
	Chat          *handlers.ChatHandler
}

// NewRouter builds and wires all routes.
func NewRouter(corsOrigins []string, h Handlers, tokens appMiddleware.TokenParser) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.Post("/signup", h.Auth.Signup)
		api.Post("/login", h.Auth.Login)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(tokens))

			// chat streams for as long as the tool loop runs
			protected.Post("/documents/{documentID}/chat", h.Chat.Chat)

			protected.Group(func(short chi.Router) {
				short.Use(middleware.Timeout(5 * time.Minute))
				short.Post("/documents/upload", h.Documents.UploadDocument)
				short.Get("/documents", h.Documents.GetDocuments)
				short.Get("/documents/{documentID}", h.Documents.GetDocument)
				short.Get("/documents/{documentID}/status", h.Documents.GetStatus)
				short.Post("/documents/{documentID}/retry", h.Documents.Retry)
				short.Post("/documents/{documentID}/conversations", h.Conversations.Create)
				short.Get("/documents/{documentID}/conversations", h.Conversations.List)
				short.Get("/documents/{documentID}/conversations/{conversationID}", h.Conversations.Get)
			})
		})
	})
	return r
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(port string, handler http.Handler, log *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.OrNop(log).Named("http"),
	}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
