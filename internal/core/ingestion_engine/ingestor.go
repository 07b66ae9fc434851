package ingestion_engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/pagewise/internal/config"
	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/logger"
)

type Ingestor interface {
	Start(ctx context.Context)
	Enqueue(ctx context.Context, docID string) error
	ProcessOne(ctx context.Context, docID string) error
	RecoverPending(ctx context.Context) (int, error)
}

// Deps are the collaborators of one DocumentIngestor.
type Deps struct {
	DB        core.DbClient
	Objects   core.ObjectClient
	Extractor core.PageExtractor
	Counter   core.PageCounter
	Embedder  core.EmbeddingProvider
}

// ErrQueueFull is returned by Enqueue when the job queue has no room. The document stays
// unfinished in the database and the recovery sweep picks it up later.
var ErrQueueFull = errors.New("ingestion queue is full")

// DocumentIngestor orchestrates the background ingestion pipeline:
//
// jobs:    in-memory queue of document IDs; a fixed set of workers drains it, which caps
//          how many documents ingest at once across the process.
// queued:  IDs sitting in jobs, so the same document is queued at most once.
// running: IDs owned by a run. The value is set when another request arrived during the run,
//          and the owner runs the document again before letting go.
// sleep:   wait used by both retry scopes; tests replace it.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.PageExtractor
	counter   core.PageCounter
	embedder  core.EmbeddingProvider
	cfg       config.IngestConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	jobs    chan string
	mu      sync.Mutex
	queued  map[string]struct{}
	running map[string]bool
	wg      sync.WaitGroup
}

type Option func(*DocumentIngestor)

// WithSleep replaces the retry wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(i *DocumentIngestor) { i.sleep = sleep }
}

// NewDocumentIngestor constructs the ingestor with a bounded job queue.
func NewDocumentIngestor(deps Deps, cfg config.IngestConfig, log *zap.Logger, opts ...Option) *DocumentIngestor {
	config.ApplyIngestDefaults(&cfg)
	i := &DocumentIngestor{
		db:        deps.DB,
		obj:       deps.Objects,
		extractor: deps.Extractor,
		counter:   deps.Counter,
		embedder:  deps.Embedder,
		cfg:       cfg,
		logger:    logger.OrNop(log).Named("ingest"),
		jobs:      make(chan string, cfg.QueueSize),
		queued:    map[string]struct{}{},
		running:   map[string]bool{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

var _ Ingestor = (*DocumentIngestor)(nil)

// claim takes ownership of docID. If another run owns it, claim returns false and asks that run to go again.
func (i *DocumentIngestor) claim(docID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.running[docID]; busy {
		i.running[docID] = true
		return false
	}
	i.running[docID] = false
	return true
}

// release drops ownership of docID, unless again is allowed and a rerun was requested.
// In that case the caller keeps the claim and must run once more.
func (i *DocumentIngestor) release(docID string, again bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if again && i.running[docID] {
		i.running[docID] = false
		return true
	}
	delete(i.running, docID)
	return false
}

// tracked reports whether docID is queued or running.
func (i *DocumentIngestor) tracked(docID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, q := i.queued[docID]
	_, r := i.running[docID]
	return q || r
}

func (i *DocumentIngestor) dequeued(docID string) {
	i.mu.Lock()
	delete(i.queued, docID)
	i.mu.Unlock()
}
