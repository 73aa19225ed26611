package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options controls retrieval ranking and consolidation behavior.
type Options struct {
	TopK                 int
	LexicalWeight        float64
	RecencyWeight        float64
	SemanticWeight       float64
	RecencyHalfLife      time.Duration
	ContextTokenBudget   int
	ConsolidateWindow    time.Duration
	ConsolidateThreshold float64
	DecayFactor          float64
	DecayIdleWindow      time.Duration
	ArchiveFloor         float64
	SnapshotRetention    time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:                 8,
		LexicalWeight:        0.6,
		RecencyWeight:        0.4,
		SemanticWeight:       0.5,
		RecencyHalfLife:      7 * 24 * time.Hour,
		ContextTokenBudget:   2000,
		ConsolidateWindow:    time.Hour,
		ConsolidateThreshold: 2.0,
		DecayFactor:          0.95,
		DecayIdleWindow:      24 * time.Hour,
		ArchiveFloor:         0.05,
	}
}

// Store is the universal memory system shared by all agent runtimes.
// Writes are append-only and take a narrow lock for index update only;
// consolidation runs as a snapshot-isolated pass (see Consolidate).
type Store struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	items       map[string]*Item
	seqs        map[string]uint64   // id -> write sequence
	order       []string            // ids in append order
	active      map[string][]string // ownerKey -> active (queryable) ids
	assocs      map[string]*Association
	assocByItem map[string][]string // item id -> association ids
	snapshots   []*Snapshot
	seq         uint64

	consolidateMu sync.Mutex

	listeners []ConsolidationListener
	persister Persister
	semantic  SemanticIndex
	graph     GraphMirror
}

// NewStore creates an empty memory store.
func NewStore(opts Options, logger *zap.Logger) *Store {
	if opts.TopK == 0 {
		opts = DefaultOptions()
	}
	return &Store{
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		items:       make(map[string]*Item),
		seqs:        make(map[string]uint64),
		active:      make(map[string][]string),
		assocs:      make(map[string]*Association),
		assocByItem: make(map[string][]string),
	}
}

// SetPersister attaches a durable mirror for items, associations and snapshots.
func (s *Store) SetPersister(p Persister) { s.persister = p }

// SetSemanticIndex attaches a vector index used to blend semantic
// similarity into retrieval relevance.
func (s *Store) SetSemanticIndex(idx SemanticIndex) { s.semantic = idx }

// SetGraphMirror attaches an external association-graph mirror.
func (s *Store) SetGraphMirror(g GraphMirror) { s.graph = g }

// OnConsolidation registers a listener for consolidation reports.
func (s *Store) OnConsolidation(l ConsolidationListener) {
	s.listeners = append(s.listeners, l)
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// WriteInput carries the caller-settable fields of a new item.
type WriteInput struct {
	UserID     string
	AgentType  string
	Kind       Kind
	Text       string
	Tags       map[string]string
	Importance float64
}

// Write appends a new memory item and indexes it atomically. The returned
// id is unique and immutable.
func (s *Store) Write(ctx context.Context, in WriteInput) (string, error) {
	if !ValidKind(in.Kind) {
		return "", fmt.Errorf("invalid memory kind %q", in.Kind)
	}
	if in.UserID == "" || in.AgentType == "" {
		return "", fmt.Errorf("user id and agent type are required")
	}
	if in.Importance < 0 || in.Importance > 1 {
		return "", fmt.Errorf("importance %f out of range [0,1]", in.Importance)
	}

	now := s.now()
	item := &Item{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		AgentType:  in.AgentType,
		Kind:       in.Kind,
		Text:       in.Text,
		Tags:       in.Tags,
		Importance: in.Importance,
		State:      StateRaw,
		CreatedAt:  now,
		LastAccess: now,
	}

	key := ownerKey(in.UserID, in.AgentType)

	s.mu.Lock()
	s.seq++
	s.seqs[item.ID] = s.seq
	s.items[item.ID] = item
	s.order = append(s.order, item.ID)
	s.active[key] = append(s.active[key], item.ID)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveItem(ctx, item); err != nil {
			s.logger.Warn("persist item failed", zap.String("id", item.ID), zap.Error(err))
		}
	}
	if s.semantic != nil {
		if err := s.semantic.Index(ctx, item.ID, item.Text); err != nil {
			s.logger.Warn("semantic index failed", zap.String("id", item.ID), zap.Error(err))
		}
	}
	return item.ID, nil
}

// Restore loads previously persisted items into the store, oldest first.
// Archived items are indexed but stay out of the active retrieval set.
// Items already present are skipped, so restoring is idempotent.
func (s *Store) Restore(items []*Item) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, item := range items {
		if _, ok := s.items[item.ID]; ok {
			continue
		}
		s.seq++
		s.seqs[item.ID] = s.seq
		s.items[item.ID] = item
		s.order = append(s.order, item.ID)
		if item.State != StateArchived {
			key := ownerKey(item.UserID, item.AgentType)
			s.active[key] = append(s.active[key], item.ID)
		}
		restored++
	}
	return restored
}

// Associate creates a directed weighted edge between two existing items.
// Self-loops are rejected; weight must be in [0,1].
func (s *Store) Associate(ctx context.Context, fromID, toID string, weight float64, label string) (string, error) {
	if fromID == toID {
		return "", fmt.Errorf("association self-loop on %s", fromID)
	}
	if weight < 0 || weight > 1 {
		return "", fmt.Errorf("association weight %f out of range [0,1]", weight)
	}

	a := &Association{
		ID:        uuid.New().String(),
		FromID:    fromID,
		ToID:      toID,
		Weight:    weight,
		Label:     label,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	if _, ok := s.items[fromID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown item %s", fromID)
	}
	if _, ok := s.items[toID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown item %s", toID)
	}
	s.assocs[a.ID] = a
	s.assocByItem[fromID] = append(s.assocByItem[fromID], a.ID)
	s.assocByItem[toID] = append(s.assocByItem[toID], a.ID)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveAssociation(ctx, a); err != nil {
			s.logger.Warn("persist association failed", zap.String("id", a.ID), zap.Error(err))
		}
	}
	if s.graph != nil {
		if err := s.graph.LinkItems(ctx, a); err != nil {
			s.logger.Warn("graph mirror failed", zap.String("id", a.ID), zap.Error(err))
		}
	}
	return a.ID, nil
}

// Get returns a copy of the item with the given id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Associations returns copies of the edges touching the given item.
func (s *Store) Associations(id string) []Association {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.assocByItem[id]
	out := make([]Association, 0, len(ids))
	for _, aid := range ids {
		if a, ok := s.assocs[aid]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// touch bumps last-access for retrieved items. Last-access is the only
// field ad-hoc readers may move; importance belongs to consolidation.
func (s *Store) touch(ids []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			item.LastAccess = at
			item.AccessCount++
		}
	}
}

// Stats summarizes the store for the analytics engine.
type Stats struct {
	Active        int          `json:"active"`
	Archived      int          `json:"archived"`
	Total         int          `json:"total"`
	ByKind        map[Kind]int `json:"by_kind"`
	AvgImportance float64      `json:"avg_importance"`
	// Age distribution.
	Recent     int `json:"recent"`      // < 1 day
	ShortTerm  int `json:"short_term"`  // 1-7 days
	MediumTerm int `json:"medium_term"` // 1-4 weeks
	LongTerm   int `json:"long_term"`   // > 4 weeks
}

// Stats computes a read-only summary of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByKind: make(map[Kind]int)}
	now := s.now()
	var importanceSum float64
	for _, item := range s.items {
		st.Total++
		st.ByKind[item.Kind]++
		importanceSum += item.Importance
		if item.State == StateArchived {
			st.Archived++
		} else {
			st.Active++
		}
		switch age := now.Sub(item.CreatedAt); {
		case age < 24*time.Hour:
			st.Recent++
		case age < 7*24*time.Hour:
			st.ShortTerm++
		case age < 28*24*time.Hour:
			st.MediumTerm++
		default:
			st.LongTerm++
		}
	}
	if st.Total > 0 {
		st.AvgImportance = importanceSum / float64(st.Total)
	}
	return st
}

func ownerKey(userID, agentType string) string {
	return userID + "\x00" + agentType
}
