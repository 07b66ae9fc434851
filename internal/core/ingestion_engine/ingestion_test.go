package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markdave123-py/pagewise/internal/config"
	"github.com/markdave123-py/pagewise/internal/core"
	db "github.com/markdave123-py/pagewise/internal/core/database"
	"github.com/markdave123-py/pagewise/internal/models"
)

const testDim = 4

type memObjects struct {
	blobs map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.blobs["mem://"+key] = b
	return "mem://" + key, nil
}

func (m *memObjects) Fetch(_ context.Context, handle string) ([]byte, error) {
	b, ok := m.blobs[handle]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

func (m *memObjects) Delete(_ context.Context, handle string) error {
	delete(m.blobs, handle)
	return nil
}

type fakeCounter struct {
	pages int
	err   error
	calls atomic.Int32
}

func (f *fakeCounter) CountPages([]byte) (int, error) {
	f.calls.Add(1)
	return f.pages, f.err
}

// fakeExtractor returns "pages S-E" for every group unless told otherwise.
type fakeExtractor struct {
	mu        sync.Mutex
	opens     int
	calls     int
	emptyFrom map[int]bool // start pages that yield no text
	failAll   bool
	prefix    string
}

func (f *fakeExtractor) Open(context.Context, []byte) (core.PageSource, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return f, nil
}

func (f *fakeExtractor) ExtractPages(_ context.Context, start, end int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll {
		return "", errors.New("model unavailable")
	}
	if f.emptyFrom[start] {
		return "   ", nil
	}
	return fmt.Sprintf("%spages %d-%d", f.prefix, start, end), nil
}

func (f *fakeExtractor) Close(context.Context) error { return nil }

type fakeEmbedder struct {
	dim   int
	calls atomic.Int32
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	out := make([][]float32, len(texts))
	for n, t := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len(t))
		v[len(v)-1] = 1
		out[n] = v
	}
	return out, nil
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	store     *db.SQLiteClient
	objects   *memObjects
	counter   *fakeCounter
	extractor *fakeExtractor
	embedder  *fakeEmbedder
	sleeps    *recordingSleep
	ingestor  *DocumentIngestor
	doc       *models.Document
}

func newHarness(t *testing.T, pages int) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewSQLiteClient(ctx, filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:     store,
		objects:   &memObjects{blobs: map[string][]byte{}},
		counter:   &fakeCounter{pages: pages},
		extractor: &fakeExtractor{emptyFrom: map[int]bool{}},
		embedder:  &fakeEmbedder{dim: testDim},
		sleeps:    &recordingSleep{},
	}

	user := &models.User{ID: "u1", Email: "u1@example.com", PasswordHash: "x"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	handle, _ := h.objects.Put(ctx, "u1/doc.pdf", bytes.NewReader([]byte("%PDF-1.4 fake")), "application/pdf")
	h.doc = &models.Document{ID: "doc1", UserID: user.ID, Title: "doc", FileName: "doc.pdf", StorageURL: handle, LastPage: 1}
	if err := store.CreateDocument(ctx, h.doc); err != nil {
		t.Fatal(err)
	}

	cfg := config.IngestConfig{
		PagesPerGroup:      5,
		ExtractConcurrency: 3,
		EmbedBatchSize:     2,
		EmbedDim:           testDim,
		CallAttempts:       2,
		PipelineAttempts:   3,
		PipelineRetryDelay: 5 * time.Second,
		MaxConcurrentRuns:  2,
	}
	h.ingestor = NewDocumentIngestor(h.deps(store), cfg, nil, WithSleep(h.sleeps.sleep))
	return h
}

func (h *harness) deps(store core.DbClient) Deps {
	return Deps{
		DB:        store,
		Objects:   h.objects,
		Extractor: h.extractor,
		Counter:   h.counter,
		Embedder:  h.embedder,
	}
}

func (h *harness) statusOf(t *testing.T, id string) models.IngestionStatus {
	t.Helper()
	d, err := h.store.GetDocumentByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d.IngestionStatus
}

func (h *harness) status(t *testing.T) models.IngestionStatus {
	t.Helper()
	return h.statusOf(t, h.doc.ID)
}

// gatedStore holds the first ClearCheckpoints call until proceed is closed.
type gatedStore struct {
	*db.SQLiteClient
	once    sync.Once
	entered chan struct{}
	proceed chan struct{}
}

func (g *gatedStore) ClearCheckpoints(ctx context.Context, documentID string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.proceed
	})
	return g.SQLiteClient.ClearCheckpoints(ctx, documentID)
}

func TestPageGroups(t *testing.T) {
	tests := []struct {
		pages, size int
		want        []PageGroup
	}{
		{pages: 12, size: 5, want: []PageGroup{{0, 1, 5}, {1, 6, 10}, {2, 11, 12}}},
		{pages: 5, size: 5, want: []PageGroup{{0, 1, 5}}},
		{pages: 1, size: 5, want: []PageGroup{{0, 1, 1}}},
		{pages: 0, size: 5, want: nil},
	}
	for _, tt := range tests {
		got := PageGroups(tt.pages, tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("PageGroups(%d, %d) = %v, want %v", tt.pages, tt.size, got, tt.want)
			continue
		}
		for n := range got {
			if got[n] != tt.want[n] {
				t.Errorf("PageGroups(%d, %d)[%d] = %v, want %v", tt.pages, tt.size, n, got[n], tt.want[n])
			}
		}
	}
}

func TestPageGroupsCoverEveryPage(t *testing.T) {
	for pages := 1; pages <= 40; pages++ {
		for size := 1; size <= 7; size++ {
			groups := PageGroups(pages, size)
			if want := (pages + size - 1) / size; len(groups) != want {
				t.Fatalf("pages=%d size=%d: %d groups, want %d", pages, size, len(groups), want)
			}
			next := 1
			for n, g := range groups {
				if g.Index != n || g.StartPage != next || g.EndPage < g.StartPage {
					t.Fatalf("pages=%d size=%d: bad group %v", pages, size, g)
				}
				next = g.EndPage + 1
			}
			if next != pages+1 {
				t.Fatalf("pages=%d size=%d: coverage ends at %d", pages, size, next-1)
			}
		}
	}
}

func TestProcessOne_HappyPath(t *testing.T) {
	h := newHarness(t, 12)
	ctx := context.Background()

	if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if st := h.status(t); st != models.StatusReady {
		t.Fatalf("status = %s, want ready", st)
	}

	chunks, err := h.store.GetChunksByDocument(ctx, h.doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantRanges := [][2]int{{1, 5}, {6, 10}, {11, 12}}
	for n, ch := range chunks {
		if ch.ID != ChunkID(h.doc.ID, n) || ch.ChunkIndex != n {
			t.Errorf("chunk %d id = %s", n, ch.ID)
		}
		if ch.StartPage != wantRanges[n][0] || ch.EndPage != wantRanges[n][1] {
			t.Errorf("chunk %d range = %d-%d", n, ch.StartPage, ch.EndPage)
		}
		if ch.UserID != h.doc.UserID || ch.TokenCount == 0 {
			t.Errorf("chunk %d = %+v", n, ch)
		}
	}
	if missing, _ := h.store.CountChunksMissingEmbedding(ctx, h.doc.ID); missing != 0 {
		t.Errorf("%d chunks lack embeddings", missing)
	}
	// 3 chunks in batches of 2.
	if n := h.embedder.calls.Load(); n != 2 {
		t.Errorf("embed calls = %d, want 2", n)
	}
	for _, stage := range []string{StageExtract, StageEmbed, StageReady} {
		if _, ok, _ := h.store.LoadCheckpoint(ctx, h.doc.ID, stage); !ok {
			t.Errorf("no checkpoint for %s", stage)
		}
	}
}

func TestProcessOne_EmptyGroupLeavesGap(t *testing.T) {
	h := newHarness(t, 12)
	h.extractor.emptyFrom[6] = true
	ctx := context.Background()

	if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if st := h.status(t); st != models.StatusReady {
		t.Fatalf("status = %s, want ready", st)
	}
	chunks, _ := h.store.GetChunksByDocument(ctx, h.doc.ID)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].StartPage != 1 || chunks[1].StartPage != 11 || chunks[1].ChunkIndex != 2 {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestExtractPages_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t, 12)
	ctx := context.Background()

	if _, err := h.ingestor.extractPages(ctx, h.doc); err != nil {
		t.Fatal(err)
	}
	first, _ := h.store.GetChunksByDocument(ctx, h.doc.ID)

	if _, err := h.ingestor.extractPages(ctx, h.doc); err != nil {
		t.Fatal(err)
	}
	second, _ := h.store.GetChunksByDocument(ctx, h.doc.ID)

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("chunk counts %d then %d, want 3", len(first), len(second))
	}
	for n := range first {
		if first[n].ID != second[n].ID || first[n].Content != second[n].Content {
			t.Errorf("chunk %d changed: %+v -> %+v", n, first[n], second[n])
		}
	}
}

func TestProcessOne_OuterRetryExhaustedMarksFailed(t *testing.T) {
	h := newHarness(t, 7)
	h.extractor.failAll = true
	ctx := context.Background()

	if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err == nil {
		t.Fatal("expected error")
	}
	if st := h.status(t); st != models.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
	if n := h.counter.calls.Load(); n != 3 {
		t.Errorf("pipeline attempts = %d, want 3", n)
	}
	// 2 groups x 2 calls per attempt x 3 attempts.
	if h.extractor.calls != 12 {
		t.Errorf("model calls = %d, want 12", h.extractor.calls)
	}
	outer := 0
	for _, d := range h.sleeps.delays {
		if d == 5*time.Second {
			outer++
		}
	}
	if outer != 2 {
		t.Errorf("outer waits = %d, want 2 (delays %v)", outer, h.sleeps.delays)
	}
	if chunks, _ := h.store.GetChunksByDocument(ctx, h.doc.ID); len(chunks) != 0 {
		t.Errorf("failed document kept %d chunks", len(chunks))
	}
}

func TestProcessOne_NonRetriableSkipsOuterBudget(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	err := h.ingestor.ProcessOne(ctx, h.doc.ID)
	if !core.IsNonRetriable(err) {
		t.Fatalf("expected non-retriable error, got %v", err)
	}
	if n := h.counter.calls.Load(); n != 1 {
		t.Errorf("pipeline attempts = %d, want 1", n)
	}
	if st := h.status(t); st != models.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
	if len(h.sleeps.delays) != 0 {
		t.Errorf("unexpected waits %v", h.sleeps.delays)
	}
}

func TestProcessOne_MissingSourceIsNonRetriable(t *testing.T) {
	h := newHarness(t, 5)
	delete(h.objects.blobs, h.doc.StorageURL)

	if err := h.ingestor.ProcessOne(context.Background(), h.doc.ID); !core.IsNonRetriable(err) {
		t.Fatalf("expected non-retriable error, got %v", err)
	}
	if h.counter.calls.Load() != 0 {
		t.Error("page count should not run without a source")
	}
	if st := h.status(t); st != models.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
}

func TestProcessOne_WrongEmbeddingDimensionFails(t *testing.T) {
	h := newHarness(t, 3)
	h.embedder.dim = testDim + 1

	if err := h.ingestor.ProcessOne(context.Background(), h.doc.ID); err == nil {
		t.Fatal("expected error")
	}
	if n := h.embedder.calls.Load(); n != 1 {
		t.Errorf("embed calls = %d, want 1", n)
	}
	if st := h.status(t); st != models.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
}

func TestFailDocument_IsIdempotent(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	cause := errors.New("boom")

	for n := 0; n < 2; n++ {
		if err := h.ingestor.FailDocument(ctx, h.doc.ID, cause); err != nil {
			t.Fatalf("call %d: %v", n+1, err)
		}
		if st := h.status(t); st != models.StatusFailed {
			t.Fatalf("call %d: status = %s", n+1, st)
		}
	}
}

func TestFailDocument_LeavesReadyAlone(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.ingestor.FailDocument(ctx, h.doc.ID, errors.New("late")); err != nil {
		t.Fatal(err)
	}
	if st := h.status(t); st != models.StatusReady {
		t.Fatalf("status = %s, want ready", st)
	}
}

func TestProcessOne_ResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	// A previous run finished extraction, then the process died.
	if _, err := h.ingestor.extractPages(ctx, h.doc); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SaveCheckpoint(ctx, h.doc.ID, StageExtract, []byte(`{"pageCount":10}`)); err != nil {
		t.Fatal(err)
	}
	h.extractor.opens = 0

	if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if h.extractor.opens != 0 {
		t.Errorf("extraction re-ran %d times", h.extractor.opens)
	}
	if st := h.status(t); st != models.StatusReady {
		t.Fatalf("status = %s, want ready", st)
	}
}

func TestProcessOne_SkipsTerminalDocuments(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	if err := h.store.TransitionDocumentStatus(ctx, h.doc.ID, models.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if h.counter.calls.Load() != 0 {
		t.Error("terminal document was processed")
	}
}

func TestWorkersDrainQueueAndRecover(t *testing.T) {
	h := newHarness(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ingestor.Start(ctx)
	n, err := h.ingestor.RecoverPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d documents, want 1", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.status(t) != models.StatusReady {
		if time.Now().After(deadline) {
			t.Fatalf("document not ready in time, status %s", h.status(t))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	h.ingestor.Wait()
}

func TestProcessOne_ResetDuringFailureHookRunsAgain(t *testing.T) {
	h := newHarness(t, 6)
	h.extractor.failAll = true
	gate := &gatedStore{SQLiteClient: h.store, entered: make(chan struct{}), proceed: make(chan struct{})}
	ing := NewDocumentIngestor(h.deps(gate), h.ingestor.cfg, nil, WithSleep(h.sleeps.sleep))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- ing.ProcessOne(ctx, h.doc.ID) }()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook never ran")
	}
	if st := h.status(t); st != models.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}

	// A user retry lands while the failed run still owns the document.
	if err := h.store.ResetDocumentIngestion(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := ing.ProcessOne(ctx, h.doc.ID); err != nil {
		t.Fatalf("concurrent request: %v", err)
	}
	h.extractor.mu.Lock()
	h.extractor.failAll = false
	h.extractor.mu.Unlock()
	close(gate.proceed)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("rerun: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("owning run did not finish")
	}
	if st := h.status(t); st != models.StatusReady {
		t.Fatalf("status = %s, want ready", st)
	}
	if chunks, _ := h.store.GetChunksByDocument(ctx, h.doc.ID); len(chunks) != 2 {
		t.Errorf("got %d chunks, want 2", len(chunks))
	}
}

func TestProcessOne_SecondRequestAfterRunDoesNotRepeat(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	for n := 0; n < 2; n++ {
		if err := h.ingestor.ProcessOne(ctx, h.doc.ID); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.counter.calls.Load(); n != 1 {
		t.Errorf("pipeline ran %d times, want 1", n)
	}
}

func TestEnqueue_FullQueueIsPickedUpBySweep(t *testing.T) {
	h := newHarness(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	second := &models.Document{ID: "doc2", UserID: h.doc.UserID, Title: "doc2", FileName: "doc2.pdf",
		StorageURL: h.doc.StorageURL, LastPage: 1}
	if err := h.store.CreateDocument(ctx, second); err != nil {
		t.Fatal(err)
	}

	cfg := h.ingestor.cfg
	cfg.QueueSize = 1
	cfg.RecoverInterval = 20 * time.Millisecond
	ing := NewDocumentIngestor(h.deps(h.store), cfg, nil, WithSleep(h.sleeps.sleep))

	if err := ing.Enqueue(ctx, h.doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := ing.Enqueue(ctx, h.doc.ID); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if err := ing.Enqueue(ctx, second.ID); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if n, err := ing.RecoverPending(ctx); err != nil || n != 0 {
		t.Fatalf("recover on a full queue = %d, %v", n, err)
	}

	ing.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for h.statusOf(t, h.doc.ID) != models.StatusReady || h.statusOf(t, second.ID) != models.StatusReady {
		if time.Now().After(deadline) {
			t.Fatalf("documents not ready in time: %s, %s", h.statusOf(t, h.doc.ID), h.statusOf(t, second.ID))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	ing.Wait()
}
