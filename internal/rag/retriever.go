// Package rag ingests documents into an embedded chunk index and retrieves
// the passages most similar to a query. Similarity is cosine over the
// truncated common prefix of the two vectors, so dimension drift across
// embedding models degrades to partial overlap instead of failing.
package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/internal/store"
	"github.com/haasonsaas/maestro/pkg/models"
)

const (
	// chunkBatchLimit caps how many chunk rows one retrieval scans.
	chunkBatchLimit = 5000

	minTopK = 1
	maxTopK = 20
)

// ErrTooManyChunks is returned when a document splits into more windows
// than the configured ceiling. Ingestion fails before any embedding call.
var ErrTooManyChunks = errors.New("document exceeds chunk limit")

// Embedder produces one embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text, provider, model string) ([]float32, error)
}

// DocStore is the slice of the record store retrieval needs.
type DocStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, ownerID int64, docID string) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID int64, limit int) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, ownerID int64, docID string) error
	InsertChunks(ctx context.Context, chunks []*models.DocumentChunk) error
	ListChunks(ctx context.Context, ownerID int64, limit int) ([]*models.DocumentChunk, error)
	DeleteChunks(ctx context.Context, ownerID int64, docID string) error
}

// Context is one retrieved passage.
type Context struct {
	DocID      string  `json:"doc_id"`
	Title      string  `json:"title,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Retriever ingests and retrieves owner-scoped documents.
type Retriever struct {
	store    DocStore
	embedder Embedder
	cfg      config.RAGConfig
	logger   *observability.Logger
}

// NewRetriever wires a retriever.
func NewRetriever(docs DocStore, embedder Embedder, cfg config.RAGConfig, logger *observability.Logger) *Retriever {
	return &Retriever{store: docs, embedder: embedder, cfg: cfg, logger: logger}
}

// Ingest splits, embeds, and persists one document. Any embedding failure
// aborts the whole ingestion; no document or chunk rows survive a partial
// run.
func (r *Retriever) Ingest(ctx context.Context, ownerID int64, title, content string, metadata map[string]any) (*models.Document, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("document content is empty")
	}

	windows := SplitText(content, r.cfg.ChunkSize, r.cfg.ChunkOverlap)
	limit := r.cfg.MaxChunksPerDocument
	if limit <= 0 {
		limit = 256
	}
	if len(windows) > limit {
		return nil, fmt.Errorf("%w: %d windows, limit %d", ErrTooManyChunks, len(windows), limit)
	}

	// Embed everything before touching the store so a mid-run failure
	// leaves no partial rows behind.
	docID := models.NewID("doc")
	chunks := make([]*models.DocumentChunk, 0, len(windows))
	for i, window := range windows {
		vector, err := r.embedder.Embed(ctx, window, r.cfg.EmbeddingProvider, r.cfg.EmbeddingModel)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d/%d: %w", i+1, len(windows), err)
		}
		chunks = append(chunks, &models.DocumentChunk{
			DocID:      docID,
			OwnerID:    ownerID,
			ChunkIndex: i,
			Content:    window,
			Embedding:  vector,
		})
	}

	now := time.Now().UTC()
	doc := &models.Document{
		DocID:      docID,
		OwnerID:    ownerID,
		Title:      title,
		Content:    content,
		Metadata:   metadata,
		ChunkCount: len(chunks),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}
	if err := r.store.InsertChunks(ctx, chunks); err != nil {
		// Roll the document row back so the index never references chunks
		// that were not written.
		if delErr := r.store.DeleteDocument(ctx, ownerID, docID); delErr != nil {
			r.logger.Warn(ctx, "orphan document after failed chunk insert",
				"doc_id", docID, "error", delErr.Error())
		}
		return nil, fmt.Errorf("persist chunks: %w", err)
	}

	r.logger.Info(ctx, "document ingested",
		"doc_id", docID, "owner_id", ownerID, "chunks", len(chunks))
	return doc, nil
}

// Retrieve embeds the query once and returns the topK most similar chunks.
// Zero and negative similarities are dropped, so an empty index or an
// orthogonal query yields an empty result rather than noise.
func (r *Retriever) Retrieve(ctx context.Context, ownerID int64, query string, topK int) ([]Context, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if topK < minTopK {
		topK = r.cfg.TopK
	}
	if topK < minTopK {
		topK = minTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	queryVec, err := r.embedder.Embed(ctx, query, r.cfg.EmbeddingProvider, r.cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	chunks, err := r.store.ListChunks(ctx, ownerID, chunkBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	scored := make([]Context, 0, len(chunks))
	for _, chunk := range chunks {
		score := cosineSimilarity(queryVec, chunk.Embedding)
		if score <= 0 {
			continue
		}
		scored = append(scored, Context{
			DocID:      chunk.DocID,
			ChunkIndex: chunk.ChunkIndex,
			Content:    chunk.Content,
			Score:      score,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}

	// Enrich with parent titles; a missing parent leaves the title blank.
	titles := make(map[string]string)
	for i := range scored {
		title, ok := titles[scored[i].DocID]
		if !ok {
			if doc, err := r.store.GetDocument(ctx, ownerID, scored[i].DocID); err == nil {
				title = doc.Title
			}
			titles[scored[i].DocID] = title
		}
		scored[i].Title = title
	}
	return scored, nil
}

// ListDocuments returns the owner's ingested documents.
func (r *Retriever) ListDocuments(ctx context.Context, ownerID int64, limit int) ([]*models.Document, error) {
	return r.store.ListDocuments(ctx, ownerID, limit)
}

// RemoveDocument soft-deletes a document and drops its chunks from the
// index.
func (r *Retriever) RemoveDocument(ctx context.Context, ownerID int64, docID string) error {
	if err := r.store.DeleteDocument(ctx, ownerID, docID); err != nil {
		return err
	}
	return r.store.DeleteChunks(ctx, ownerID, docID)
}

// cosineSimilarity compares vectors over their common prefix. Zero-norm
// vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ DocStore = (*store.MemoryStore)(nil)
