package vector

import (
	"context"
	"fmt"

	"github.com/prophantom/johnnet/internal/memory"
)

// Index adapts a Qdrant collection plus an embedder into the semantic
// index the memory store blends into retrieval.
type Index struct {
	qdrant     *Qdrant
	embedder   Embedder
	collection string
}

// NewIndex creates the collection if needed and returns a ready Index.
func NewIndex(ctx context.Context, q *Qdrant, e Embedder, collection string) (*Index, error) {
	dim := e.Dimension()
	if dim <= 0 {
		return nil, fmt.Errorf("embedder dimension must be configured before indexing")
	}
	if err := q.EnsureCollection(ctx, collection, uint64(dim)); err != nil {
		return nil, err
	}
	return &Index{qdrant: q, embedder: e, collection: collection}, nil
}

// Index embeds the text and upserts it under the memory item id.
func (ix *Index) Index(ctx context.Context, id, text string) error {
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embedder returned no vector for %s", id)
	}
	payload := map[string]string{"text": truncate(text, 512)}
	return ix.qdrant.Upsert(ctx, ix.collection, id, vecs[0], payload)
}

// Search embeds the query and returns the k nearest item ids with scores.
func (ix *Index) Search(ctx context.Context, text string, k int) ([]memory.SemanticHit, error) {
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	results, err := ix.qdrant.Nearest(ctx, ix.collection, vecs[0], uint64(k))
	if err != nil {
		return nil, err
	}
	hits := make([]memory.SemanticHit, len(results))
	for i, r := range results {
		hits[i] = memory.SemanticHit{ID: r.ID, Score: float64(r.Score)}
	}
	return hits, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
