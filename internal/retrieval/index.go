package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// DefaultTopK is the number of passages returned per query.
const DefaultTopK = 4

// Index holds embedded passages for similarity search.
type Index struct {
	embedder Embedder
	passages []string
	vectors  [][]float32
}

// NewIndex embeds the passages.
func NewIndex(ctx context.Context, embedder Embedder, passages []string) (*Index, error) {
	ix := &Index{embedder: embedder, passages: passages}
	if len(passages) == 0 {
		return ix, nil
	}
	vectors, err := embedder.Embed(ctx, passages)
	if err != nil {
		return nil, fmt.Errorf("embed passages: %w", err)
	}
	if len(vectors) != len(passages) {
		return nil, fmt.Errorf("embed passages: got %d vectors for %d passages", len(vectors), len(passages))
	}
	ix.vectors = vectors
	return ix, nil
}

// Len returns the number of indexed passages.
func (ix *Index) Len() int { return len(ix.passages) }

// Search returns up to k passages ordered by descending cosine similarity
// to the query. Ties keep passage order.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]string, error) {
	if len(ix.passages) == 0 || k <= 0 {
		return nil, nil
	}
	qv, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(qv))
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(ix.vectors))
	for i, v := range ix.vectors {
		ranked[i] = scored{idx: i, score: cosine(qv[0], v)}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	k = min(k, len(ranked))
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = ix.passages[ranked[i].idx]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Retriever chunks a corpus, indexes it and returns the best passages.
type Retriever struct {
	embedder Embedder
	size     int
	overlap  int
}

// NewRetriever creates a retriever with the default chunking parameters.
func NewRetriever(embedder Embedder) *Retriever {
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	return &Retriever{embedder: embedder, size: DefaultChunkSize, overlap: DefaultChunkOverlap}
}

// Retrieve returns the k passages of text most similar to query.
func (r *Retriever) Retrieve(ctx context.Context, text, query string, k int) ([]string, error) {
	ix, err := NewIndex(ctx, r.embedder, Chunk(text, r.size, r.overlap))
	if err != nil {
		return nil, err
	}
	return ix.Search(ctx, query, k)
}
