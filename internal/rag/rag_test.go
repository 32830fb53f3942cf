package rag

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/internal/store"
)

func TestSplitTextCoversInputWithOverlap(t *testing.T) {
	text := strings.Repeat("abcdefghij", 100) // 1000 chars
	chunks := SplitText(text, 300, 50)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	// Reassembling with the overlap stripped reproduces the input.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0])
	for _, chunk := range chunks[1:] {
		rebuilt.WriteString(chunk[50:])
	}
	if rebuilt.String() != text {
		t.Error("chunks do not cover the input")
	}
}

func TestSplitTextClampsParameters(t *testing.T) {
	text := strings.Repeat("x", 500)

	// Size below the floor is raised to 200.
	chunks := SplitText(text, 10, 0)
	if len(chunks[0]) != 200 {
		t.Errorf("first chunk = %d chars", len(chunks[0]))
	}

	// Overlap >= size is clamped so the window still advances.
	chunks = SplitText(text, 200, 900)
	if len(chunks) > 500 {
		t.Fatalf("window did not advance: %d chunks", len(chunks))
	}

	if got := SplitText("", 200, 0); got != nil {
		t.Errorf("empty input: %v", got)
	}
}

// fakeEmbedder maps known substrings to fixed vectors.
type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text, _, _ string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedding backend down")
	}
	switch {
	case strings.Contains(text, "cat"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "dog"):
		return []float32{0.9, 0.1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func testRetriever(embedder Embedder) (*Retriever, *store.MemoryStore) {
	s := store.NewMemoryStore()
	cfg := config.RAGConfig{ChunkSize: 200, ChunkOverlap: 0, MaxChunksPerDocument: 4, TopK: 3}
	return NewRetriever(s, embedder, cfg, observability.NewNopLogger()), s
}

func TestIngestAndRetrieve(t *testing.T) {
	ctx := context.Background()
	r, _ := testRetriever(&fakeEmbedder{})

	pad := strings.Repeat(" filler", 20)
	if _, err := r.Ingest(ctx, 7, "pets", "the cat sat on the mat"+pad, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ingest(ctx, 7, "chemistry", "covalent bonds"+pad, nil); err != nil {
		t.Fatal(err)
	}

	hits, err := r.Retrieve(ctx, 7, "a small cat", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Title != "pets" {
		t.Errorf("best hit = %+v", hits[0])
	}
	// The identical-direction chunk scores 1 within float tolerance.
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Errorf("self-similarity score = %v", hits[0].Score)
	}
}

func TestRetrieveDropsNonPositiveScores(t *testing.T) {
	ctx := context.Background()
	r, _ := testRetriever(&fakeEmbedder{})

	pad := strings.Repeat(" filler", 20)
	if _, err := r.Ingest(ctx, 7, "pets", "the cat sat"+pad, nil); err != nil {
		t.Fatal(err)
	}

	// Query vector is orthogonal to every stored chunk.
	hits, err := r.Retrieve(ctx, 7, "unrelated quantum topic", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, hit := range hits {
		if hit.Score <= 0 {
			t.Errorf("non-positive score survived: %+v", hit)
		}
	}
}

func TestIngestChunkLimitFailsBeforeEmbedding(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{}
	r, s := testRetriever(embedder)

	// 5 windows of 200 against a limit of 4.
	big := strings.Repeat("y", 1000)
	_, err := r.Ingest(ctx, 7, "too big", big, nil)
	if !errors.Is(err, ErrTooManyChunks) {
		t.Fatalf("want ErrTooManyChunks, got %v", err)
	}
	if embedder.calls != 0 {
		t.Errorf("embedding calls before limit check: %d", embedder.calls)
	}
	docs, _ := s.ListDocuments(ctx, 7, 0)
	if len(docs) != 0 {
		t.Errorf("document rows persisted: %d", len(docs))
	}
}

func TestIngestEmbedFailureLeavesNoRows(t *testing.T) {
	ctx := context.Background()
	r, s := testRetriever(&fakeEmbedder{fail: true})

	if _, err := r.Ingest(ctx, 7, "doomed", strings.Repeat("z", 300), nil); err == nil {
		t.Fatal("expected embedding failure")
	}
	docs, _ := s.ListDocuments(ctx, 7, 0)
	chunks, _ := s.ListChunks(ctx, 7, 0)
	if len(docs) != 0 || len(chunks) != 0 {
		t.Errorf("partial rows survived: %d docs, %d chunks", len(docs), len(chunks))
	}
}

func TestRemoveDocumentDropsChunks(t *testing.T) {
	ctx := context.Background()
	r, s := testRetriever(&fakeEmbedder{})

	doc, err := r.Ingest(ctx, 7, "pets", "the cat sat"+strings.Repeat(" filler", 20), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveDocument(ctx, 7, doc.DocID); err != nil {
		t.Fatal(err)
	}
	chunks, _ := s.ListChunks(ctx, 7, 0)
	if len(chunks) != 0 {
		t.Errorf("chunks survive removal: %d", len(chunks))
	}

	hits, err := r.Retrieve(ctx, 7, "a small cat", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("removed document still retrieved: %+v", hits)
	}
}

func TestCosineSimilarityCommonPrefix(t *testing.T) {
	// Different dimensions compare over the shared prefix.
	a := []float32{1, 0, 0, 0.5}
	b := []float32{1, 0}
	if got := cosineSimilarity(a, b); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("prefix similarity = %v", got)
	}
	if got := cosineSimilarity(nil, b); got != 0 {
		t.Errorf("nil vector = %v", got)
	}
	if got := cosineSimilarity([]float32{0, 0}, b); got != 0 {
		t.Errorf("zero norm = %v", got)
	}
}
