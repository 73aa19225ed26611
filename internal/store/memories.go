package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prophantom/johnnet/internal/memory"
)

// SaveItem inserts a memory item row.
func (s *Store) SaveItem(ctx context.Context, item *memory.Item) error {
	var tagsJSON []byte
	if len(item.Tags) > 0 {
		var err error
		tagsJSON, err = json.Marshal(item.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_items (id, user_id, agent_type, kind, text, tags, importance, state, created_at, last_access, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.UserID, item.AgentType, string(item.Kind), item.Text,
		tagsJSON, item.Importance, string(item.State), item.CreatedAt, item.LastAccess, item.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("save memory item: %w", err)
	}
	return nil
}

// UpdateItem syncs the mutable fields of an item.
func (s *Store) UpdateItem(ctx context.Context, item *memory.Item) error {
	_, err := s.db.Exec(ctx, `
		UPDATE memory_items
		SET kind = $2, importance = $3, state = $4, last_access = $5, access_count = $6
		WHERE id = $1`,
		item.ID, string(item.Kind), item.Importance, string(item.State), item.LastAccess, item.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("update memory item: %w", err)
	}
	return nil
}

// SaveAssociation inserts an association edge row.
func (s *Store) SaveAssociation(ctx context.Context, a *memory.Association) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_associations (id, from_id, to_id, weight, label, stale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.FromID, a.ToID, a.Weight, a.Label, a.Stale, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save association: %w", err)
	}
	return nil
}

// UpdateAssociation syncs the mutable fields of an edge.
func (s *Store) UpdateAssociation(ctx context.Context, a *memory.Association) error {
	_, err := s.db.Exec(ctx, `
		UPDATE memory_associations SET weight = $2, stale = $3 WHERE id = $1`,
		a.ID, a.Weight, a.Stale,
	)
	if err != nil {
		return fmt.Errorf("update association: %w", err)
	}
	return nil
}

// SaveSnapshot inserts a context snapshot row.
func (s *Store) SaveSnapshot(ctx context.Context, snap *memory.Snapshot) error {
	itemIDs, err := json.Marshal(snap.ItemIDs)
	if err != nil {
		return fmt.Errorf("marshal snapshot ids: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO context_snapshots (id, user_id, agent_type, item_ids, summary, token_estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		snap.ID, snap.UserID, snap.AgentType, itemIDs, snap.Summary, snap.TokenEstimate, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadItems returns persisted items for one owner, oldest first. Used to
// rehydrate the in-memory store on startup.
func (s *Store) LoadItems(ctx context.Context, userID, agentType string, limit int) ([]*memory.Item, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, agent_type, kind, text, tags, importance, state, created_at, last_access, access_count
		FROM memory_items
		WHERE user_id = $1 AND agent_type = $2
		ORDER BY created_at ASC
		LIMIT $3`, userID, agentType, limit)
	if err != nil {
		return nil, fmt.Errorf("load memory items: %w", err)
	}
	defer rows.Close()

	var items []*memory.Item
	for rows.Next() {
		var item memory.Item
		var kind, state string
		var tagsJSON []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.AgentType, &kind, &item.Text,
			&tagsJSON, &item.Importance, &state, &item.CreatedAt, &item.LastAccess, &item.AccessCount); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		item.Kind = memory.Kind(kind)
		item.State = memory.State(state)
		if len(tagsJSON) > 0 {
			json.Unmarshal(tagsJSON, &item.Tags)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}
