package memory

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Query returns the top-k active items for (userID, agentType) ranked by
// relevance to text. Relevance is a weighted blend of lexical similarity
// and recency decay, plus semantic similarity when an index is attached.
//
// Ordering is total and reproducible: relevance descending, then
// importance descending, then creation time descending, then id ascending.
func (s *Store) Query(ctx context.Context, userID, agentType, text string, k int) []ScoredItem {
	if k <= 0 {
		k = s.opts.TopK
	}

	var semScores map[string]float64
	if s.semantic != nil && text != "" {
		hits, err := s.semantic.Search(ctx, text, k*4)
		if err != nil {
			s.logger.Warn("semantic search failed", zap.Error(err))
		} else {
			semScores = make(map[string]float64, len(hits))
			for _, h := range hits {
				semScores[h.ID] = h.Score
			}
		}
	}

	queryTokens := tokenize(text)
	now := s.now()
	halfLife := s.opts.RecencyHalfLife.Hours()

	s.mu.RLock()
	ids := s.active[ownerKey(userID, agentType)]
	scored := make([]ScoredItem, 0, len(ids))
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || item.State == StateArchived {
			continue
		}
		lex := lexicalSimilarity(queryTokens, item.Text)
		rec := recencyScore(now.Sub(item.LastAccess).Hours(), halfLife)
		rel := s.opts.LexicalWeight*lex + s.opts.RecencyWeight*rec
		if sem, ok := semScores[id]; ok {
			rel += s.opts.SemanticWeight * sem
		}
		scored = append(scored, ScoredItem{Item: *item, Relevance: rel})
	}
	s.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if a.Item.Importance != b.Item.Importance {
			return a.Item.Importance > b.Item.Importance
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}

	touched := make([]string, len(scored))
	for i := range scored {
		touched[i] = scored[i].Item.ID
	}
	s.touch(touched, now)

	return scored
}
