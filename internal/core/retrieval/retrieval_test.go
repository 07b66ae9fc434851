package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/markdave123-py/pagewise/internal/core"
	db "github.com/markdave123-py/pagewise/internal/core/database"
	"github.com/markdave123-py/pagewise/internal/models"
)

type stubQueryEmbedder struct {
	vec []float32
	err error
}

func (s stubQueryEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return s.vec, s.err }

func seed(t *testing.T) *db.SQLiteClient {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewSQLiteClient(ctx, filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []string{"alice", "bob"} {
		if err := store.CreateUser(ctx, &models.User{ID: u, Email: u + "@example.com", PasswordHash: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	docs := []*models.Document{
		{ID: "a-doc", UserID: "alice", Title: "A", FileName: "a.pdf", StorageURL: "file://a.pdf", IngestionStatus: models.StatusExtracting},
		{ID: "b-doc", UserID: "bob", Title: "B", FileName: "b.pdf", StorageURL: "file://b.pdf", IngestionStatus: models.StatusExtracting},
		{ID: "a-empty", UserID: "alice", Title: "E", FileName: "e.pdf", StorageURL: "file://e.pdf", IngestionStatus: models.StatusExtracting},
	}
	for _, d := range docs {
		if err := store.CreateDocument(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	vecs := [][]float32{{1, 0}, {0, 1}, {0.8, 0.2}, {0.6, 0.4}, {-1, 0}}
	for n, v := range vecs {
		ch := &models.DocumentChunk{
			ID: fmt.Sprintf("a-doc-chunk-%d", n), DocumentID: "a-doc", UserID: "alice",
			Content: fmt.Sprintf("alice %d", n), StartPage: n*5 + 1, EndPage: n*5 + 5, ChunkIndex: n,
		}
		if err := store.UpsertDocumentChunk(ctx, ch); err != nil {
			t.Fatal(err)
		}
		if err := store.UpdateChunkEmbedding(ctx, ch.ID, v); err != nil {
			t.Fatal(err)
		}
	}
	bobChunk := &models.DocumentChunk{ID: "b-doc-chunk-0", DocumentID: "b-doc", UserID: "bob",
		Content: "bob secret", StartPage: 1, EndPage: 5}
	if err := store.UpsertDocumentChunk(ctx, bobChunk); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateChunkEmbedding(ctx, bobChunk.ID, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	for _, d := range docs {
		for _, st := range []models.IngestionStatus{models.StatusEmbedding, models.StatusReady} {
			if err := store.TransitionDocumentStatus(ctx, d.ID, st); err != nil {
				t.Fatal(err)
			}
		}
	}
	return store
}

func TestPageLookup(t *testing.T) {
	r := New(seed(t), stubQueryEmbedder{}, nil)
	ctx := context.Background()

	got, err := r.PageLookup(ctx, "a-doc", "alice", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].StartPage != 6 || got[0].EndPage != 10 || got[0].Content != "alice 1" {
		t.Errorf("page 7 -> %+v", got)
	}

	for _, page := range []int{0, 26, 1000} {
		if _, err := r.PageLookup(ctx, "a-doc", "alice", page); !errors.Is(err, core.ErrNoContent) {
			t.Errorf("page %d: expected ErrNoContent, got %v", page, err)
		}
	}
}

func TestSemanticLookupTopThree(t *testing.T) {
	r := New(seed(t), stubQueryEmbedder{vec: []float32{1, 0}}, nil)

	got, err := r.SemanticLookup(context.Background(), "a-doc", "alice", "what is alice about")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	want := []string{"alice 0", "alice 2", "alice 3"}
	for n := range want {
		if got[n].Content != want[n] {
			t.Errorf("result %d = %q, want %q", n, got[n].Content, want[n])
		}
	}
}

func TestSemanticLookupNoEmbeddedChunks(t *testing.T) {
	r := New(seed(t), stubQueryEmbedder{vec: []float32{1, 0}}, nil)
	if _, err := r.SemanticLookup(context.Background(), "a-empty", "alice", "anything"); !errors.Is(err, core.ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

func TestLookupsHideOtherUsersDocuments(t *testing.T) {
	r := New(seed(t), stubQueryEmbedder{vec: []float32{1, 0}}, nil)
	ctx := context.Background()

	if _, err := r.PageLookup(ctx, "b-doc", "alice", 1); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("page lookup: expected ErrNotFound, got %v", err)
	}
	if _, err := r.SemanticLookup(ctx, "b-doc", "alice", "secret"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("semantic lookup: expected ErrNotFound, got %v", err)
	}
	if _, err := r.PageLookup(ctx, "missing", "alice", 1); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing doc: expected ErrNotFound, got %v", err)
	}
}

func TestSemanticLookupEmbedError(t *testing.T) {
	r := New(seed(t), stubQueryEmbedder{err: errors.New("quota")}, nil)
	if _, err := r.SemanticLookup(context.Background(), "a-doc", "alice", "q"); err == nil || errors.Is(err, core.ErrNoContent) {
		t.Fatalf("expected embed error, got %v", err)
	}
}
