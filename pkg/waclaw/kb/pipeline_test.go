package kb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// stubEmbedder maps keywords to fixed directions so similarity is
// predictable without a provider.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "marketing") || strings.Contains(lower, "marketers"):
			out[i] = []float32{1, 0.1, 0}
		case strings.Contains(lower, "kernel"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}
func (stubEmbedder) Dimensions() int { return 3 }
func (stubEmbedder) Name() string    { return "stub" }
func (stubEmbedder) Model() string   { return "stub-1" }

func newTestPipeline(t *testing.T, embedder Embedder) (*Pipeline, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	st, err := store.New(filepath.Join(t.TempDir(), "kb.db"), logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	extractor, err := NewExtractor("")
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	if embedder == nil {
		embedder = stubEmbedder{}
	}
	return New(st, embedder, extractor, t.TempDir(), logger), st
}

const marketingDoc = `Anthropic uses Claude in marketing workflows across several teams.
The marketing group drafts campaign copy with the model, reviews tone against
brand guidelines, and measures engagement lift from AI-assisted variants.
Analysts report that iteration speed roughly tripled once the drafts moved
into the shared workspace.`

func TestIngestDedup(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	ctx := context.Background()

	t.Run("text ingested twice is duplicate content", func(t *testing.T) {
		first, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc, Title: "memo"})
		if err != nil {
			t.Fatalf("first ingest: %v", err)
		}
		if !strings.HasPrefix(first.ID, "kb-") {
			t.Errorf("unexpected source id %q", first.ID)
		}

		_, err = p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc, Title: "memo again"})
		if !errors.Is(err, ErrDuplicateContent) {
			t.Errorf("expected ErrDuplicateContent, got %v", err)
		}
	})

	t.Run("same content in another group is fine", func(t *testing.T) {
		if _, err := p.Ingest(ctx, IngestRequest{GroupFolder: "work", Content: marketingDoc}); err != nil {
			t.Errorf("cross-group ingest failed: %v", err)
		}
	})

	t.Run("url ingested twice is already ingested", func(t *testing.T) {
		doc := strings.Repeat("A real article needs enough body to pass validation. ", 6)
		req := IngestRequest{GroupFolder: "family", URL: "https://Example.com/post/", Content: doc}

		first, err := p.Ingest(ctx, req)
		if err != nil {
			t.Fatalf("first ingest: %v", err)
		}
		if first.URL != "https://example.com/post" {
			t.Errorf("url not normalized: %q", first.URL)
		}

		// Same page under a differently-cased host with tracking params.
		req.URL = "https://EXAMPLE.com/post/?utm_source=x&fbclid=123"
		second, err := p.Ingest(ctx, req)
		if !errors.Is(err, ErrAlreadyIngested) {
			t.Fatalf("expected ErrAlreadyIngested, got %v", err)
		}
		if second == nil || second.ID != first.ID {
			t.Errorf("second call did not return the existing source")
		}
	})

	t.Run("missing input is invalid", func(t *testing.T) {
		if _, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := p.Ingest(ctx, IngestRequest{Content: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("too-short content fails extraction", func(t *testing.T) {
		_, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: "tiny", SourceType: TypeText})
		if !errors.Is(err, ErrExtractionFailed) {
			t.Errorf("expected ErrExtractionFailed, got %v", err)
		}
	})
}

func TestUpdate(t *testing.T) {
	p, st := newTestPipeline(t, nil)
	ctx := context.Background()

	src, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc, Title: "memo"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	t.Run("metadata-only update keeps chunks", func(t *testing.T) {
		before, _ := st.KBChunksWithEmbeddings("family")

		updated, err := p.Update(ctx, src.ID, IngestRequest{GroupFolder: "family", Title: "renamed", Tags: []string{"ai"}})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Title != "renamed" || len(updated.Tags) != 1 {
			t.Errorf("metadata not applied: %+v", updated)
		}
		if updated.CreatedAt != src.CreatedAt {
			t.Errorf("created_at changed on update")
		}

		after, _ := st.KBChunksWithEmbeddings("family")
		if len(after) != len(before) {
			t.Errorf("metadata update re-chunked: %d → %d", len(before), len(after))
		}
	})

	t.Run("update with nothing supplied is invalid", func(t *testing.T) {
		if _, err := p.Update(ctx, src.ID, IngestRequest{GroupFolder: "family"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("new content replaces chunks", func(t *testing.T) {
		newDoc := marketingDoc + "\nA fresh paragraph extends the memo with kernel details."
		updated, err := p.Update(ctx, src.ID, IngestRequest{GroupFolder: "family", Content: newDoc})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.ContentHash == src.ContentHash {
			t.Error("content hash unchanged after new content")
		}
	})

	t.Run("wrong group cannot update", func(t *testing.T) {
		if _, err := p.Update(ctx, src.ID, IngestRequest{GroupFolder: "work", Title: "steal"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSearch(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc, Title: "marketing memo"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	kernelDoc := strings.Repeat("The kernel scheduler balances runnable threads across cores. ", 4)
	if _, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: kernelDoc, Title: "kernel notes"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	t.Run("relevant source found with dedupe", func(t *testing.T) {
		hits, err := p.Search(ctx, SearchRequest{
			Query:          "how do marketers use AI?",
			GroupFolder:    "family",
			DedupeBySource: true,
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 1 {
			t.Fatalf("expected exactly 1 deduped hit, got %d", len(hits))
		}
		if hits[0].Title != "marketing memo" {
			t.Errorf("wrong source: %+v", hits[0])
		}
		if hits[0].Similarity < 0.7 {
			t.Errorf("similarity below threshold: %v", hits[0].Similarity)
		}
	})

	t.Run("explicit zero floor returns weak matches", func(t *testing.T) {
		zero := 0.0
		hits, err := p.Search(ctx, SearchRequest{
			Query:         "how do marketers use AI?",
			GroupFolder:   "family",
			MinSimilarity: &zero,
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		// With the floor disabled the kernel chunk rides along too.
		if len(hits) != 2 {
			t.Errorf("expected 2 hits without a floor, got %d", len(hits))
		}
	})

	t.Run("scope respects group", func(t *testing.T) {
		hits, err := p.Search(ctx, SearchRequest{Query: "marketing", GroupFolder: "work"})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 0 {
			t.Errorf("expected no hits outside group, got %d", len(hits))
		}
	})

	t.Run("empty query is invalid", func(t *testing.T) {
		if _, err := p.Search(ctx, SearchRequest{Query: "  "}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestEmbeddingsDegradation(t *testing.T) {
	ctx := context.Background()

	t.Run("ingest survives a down provider", func(t *testing.T) {
		p, st := newTestPipeline(t, &NullEmbedder{})
		if _, err := p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		missing, _ := st.KBChunksMissingEmbeddings("family")
		if len(missing) == 0 {
			t.Fatal("expected chunks without vectors")
		}
	})

	t.Run("search degrades to empty", func(t *testing.T) {
		p, _ := newTestPipeline(t, &NullEmbedder{})
		p.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc})
		hits, err := p.Search(ctx, SearchRequest{Query: "marketing", GroupFolder: "family"})
		if err != nil || hits != nil {
			t.Errorf("expected empty degradation, got %v / %v", hits, err)
		}
	})

	t.Run("reembed backfills", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		st, err := store.New(filepath.Join(t.TempDir(), "kb.db"), logger)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		defer st.Close()
		extractor, _ := NewExtractor("")
		locks := t.TempDir()

		down := New(st, &NullEmbedder{}, extractor, locks, logger)
		if _, err := down.Ingest(ctx, IngestRequest{GroupFolder: "family", Content: marketingDoc}); err != nil {
			t.Fatalf("ingest: %v", err)
		}

		up := New(st, stubEmbedder{}, extractor, locks, logger)
		updated, err := up.Reembed(ctx, "family")
		if err != nil {
			t.Fatalf("reembed: %v", err)
		}
		if updated == 0 {
			t.Error("expected backfilled chunks")
		}
		missing, _ := st.KBChunksMissingEmbeddings("family")
		if len(missing) != 0 {
			t.Errorf("chunks still missing vectors: %d", len(missing))
		}
	})
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"HTTPS://example.com", "https://example.com"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"  https://example.com/a  ", "https://example.com/a"},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash("same content")
	b := ContentHash("same content")
	c := ContentHash("different content")
	if a != b {
		t.Error("hash not deterministic")
	}
	if a == c {
		t.Error("distinct content collided")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}
