package memory

import (
	"context"
	"time"
)

// Kind classifies what a memory item records.
type Kind string

const (
	KindEpisodic   Kind = "episodic"   // events and experiences
	KindSemantic   Kind = "semantic"   // facts and knowledge
	KindProcedural Kind = "procedural" // skills and procedures
	KindEmotional  Kind = "emotional"  // emotional associations
)

// ValidKind reports whether k is one of the four memory kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural, KindEmotional:
		return true
	}
	return false
}

// State tracks an item's consolidation lifecycle.
type State string

const (
	StateRaw          State = "raw"
	StateConsolidated State = "consolidated"
	StateArchived     State = "archived"
)

// Item is one recorded fact or experience. ID and Kind are immutable after
// creation; Importance is re-derived only by the consolidation job.
type Item struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	AgentType  string            `json:"agent_type"`
	Kind       Kind              `json:"kind"`
	Text       string            `json:"text"`
	Tags       map[string]string `json:"tags,omitempty"`
	Importance float64           `json:"importance"`
	State      State             `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
	AccessCount int              `json:"access_count"`
}

// Association is a directed weighted edge between two items. Weight is in
// [0,1]. Edges referencing an archived item are retained but marked stale.
type Association struct {
	ID        string    `json:"id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Weight    float64   `json:"weight"`
	Label     string    `json:"label"` // e.g. "reminds_of", "contradicts", "elaborates"
	Stale     bool      `json:"stale"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the immutable memory excerpt used to answer one request.
// Created once per request, never mutated, retained for audit.
type Snapshot struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AgentType     string    `json:"agent_type"`
	ItemIDs       []string  `json:"item_ids"`
	Summary       string    `json:"summary"`
	TokenEstimate int       `json:"token_estimate"`
	CreatedAt     time.Time `json:"created_at"`
}

// ScoredItem pairs an item with its retrieval relevance.
type ScoredItem struct {
	Item      Item    `json:"item"`
	Relevance float64 `json:"relevance"`
}

// ConsolidationReport summarizes one consolidation pass.
type ConsolidationReport struct {
	Synthesized  int       `json:"synthesized"`  // new semantic summaries
	Consolidated int       `json:"consolidated"` // raw items folded into summaries
	Decayed      int       `json:"decayed"`      // items whose importance decayed
	Archived     int       `json:"archived"`     // items moved out of the active index
	Rescheduled  int       `json:"rescheduled"`  // groups deferred after a conflict
	RanAt        time.Time `json:"ran_at"`
}

// ConsolidationListener receives the report after each pass.
type ConsolidationListener func(ConsolidationReport)

// Persister mirrors store mutations to durable storage. All methods are
// best-effort from the store's perspective: failures are logged, never
// surfaced to writers.
type Persister interface {
	SaveItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item) error
	SaveAssociation(ctx context.Context, a *Association) error
	UpdateAssociation(ctx context.Context, a *Association) error
	SaveSnapshot(ctx context.Context, s *Snapshot) error
}

// SemanticIndex answers nearest-neighbor queries over item text. Optional;
// when attached its scores blend into retrieval relevance.
type SemanticIndex interface {
	Index(ctx context.Context, id, text string) error
	Search(ctx context.Context, text string, k int) ([]SemanticHit, error)
}

// SemanticHit is one vector search result.
type SemanticHit struct {
	ID    string
	Score float64
}

// GraphMirror mirrors association edges to an external graph database.
type GraphMirror interface {
	LinkItems(ctx context.Context, a *Association) error
	MarkStale(ctx context.Context, itemID string) error
}
