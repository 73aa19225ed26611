package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// candidate is the per-item view captured at the start of a pass.
type candidate struct {
	id         string
	owner      string
	createdAt  time.Time
	importance float64
}

// Consolidate runs one consolidation pass. It is idempotent and safe to
// run concurrently with writes and queries: the pass operates on a
// sequence-number snapshot taken at entry, so items written while the
// pass runs are excluded and picked up next cycle. Consolidation never
// deletes data; it reclassifies kind and state only.
//
// Steps: group raw items by (user, agent type, time window); synthesize a
// semantic summary for groups whose combined importance crosses the
// threshold; decay importance of idle items; archive items below the
// floor, marking their association edges stale.
func (s *Store) Consolidate(ctx context.Context) ConsolidationReport {
	s.consolidateMu.Lock()
	defer s.consolidateMu.Unlock()

	report := ConsolidationReport{RanAt: s.now()}

	// Snapshot pass: capture the candidate set under a short read lock.
	s.mu.RLock()
	cutoff := s.seq
	var candidates []candidate
	for _, id := range s.order {
		item := s.items[id]
		if item.State != StateRaw || s.seqs[id] > cutoff {
			continue
		}
		candidates = append(candidates, candidate{
			id:         id,
			owner:      ownerKey(item.UserID, item.AgentType),
			createdAt:  item.CreatedAt,
			importance: item.Importance,
		})
	}
	s.mu.RUnlock()

	groups := make(map[string][]candidate)
	for _, c := range candidates {
		key := fmt.Sprintf("%s|%d", c.owner, c.createdAt.Truncate(s.opts.ConsolidateWindow).Unix())
		groups[key] = append(groups[key], c)
	}

	// Deterministic group order keeps repeated passes reproducible.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changed []*Item
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		var combined float64
		for _, c := range group {
			combined += c.importance
		}
		if combined < s.opts.ConsolidateThreshold {
			continue
		}

		summary, members, conflicted := s.applyGroup(group)
		if conflicted {
			// Another writer reclassified a member mid-pass. The group's
			// remaining raw members are regrouped on the next cycle.
			report.Rescheduled++
			continue
		}
		report.Synthesized++
		report.Consolidated += len(members)
		changed = append(changed, members...)

		if s.persister != nil && summary != nil {
			if err := s.persister.SaveItem(ctx, summary); err != nil {
				s.logger.Warn("persist summary failed", zap.String("id", summary.ID), zap.Error(err))
			}
		}
	}

	// Decay and archive under one bounded critical section.
	decayed, archived, staleAssocs := s.decayAndArchive(cutoff)
	report.Decayed = len(decayed)
	report.Archived = len(archived)
	changed = append(changed, decayed...)
	changed = append(changed, archived...)

	s.pruneSnapshots()

	if s.persister != nil {
		for _, item := range changed {
			if err := s.persister.UpdateItem(ctx, item); err != nil {
				s.logger.Warn("persist update failed", zap.String("id", item.ID), zap.Error(err))
			}
		}
		for _, a := range staleAssocs {
			if err := s.persister.UpdateAssociation(ctx, a); err != nil {
				s.logger.Warn("persist association failed", zap.String("id", a.ID), zap.Error(err))
			}
		}
	}
	if s.graph != nil {
		for _, item := range archived {
			if err := s.graph.MarkStale(ctx, item.ID); err != nil {
				s.logger.Warn("graph stale mark failed", zap.String("id", item.ID), zap.Error(err))
			}
		}
	}

	s.logger.Info("consolidation pass complete",
		zap.Int("synthesized", report.Synthesized),
		zap.Int("consolidated", report.Consolidated),
		zap.Int("decayed", report.Decayed),
		zap.Int("archived", report.Archived),
		zap.Int("rescheduled", report.Rescheduled))

	for _, l := range s.listeners {
		l(report)
	}
	return report
}

// applyGroup synthesizes a summary for one group under the write lock.
// Returns conflicted when a member was reclassified since the snapshot.
func (s *Store) applyGroup(group []candidate) (*Item, []*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]*Item, 0, len(group))
	for _, c := range group {
		item, ok := s.items[c.id]
		if !ok || item.State != StateRaw {
			return nil, nil, true
		}
		members = append(members, item)
	}

	first := members[0]
	var b strings.Builder
	var maxImportance float64
	for _, m := range members {
		fmt.Fprintf(&b, "%s. ", strings.TrimRight(m.Text, ". "))
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
	}
	importance := maxImportance + 0.1
	if importance > 1 {
		importance = 1
	}

	now := s.now()
	summary := &Item{
		ID:         uuid.New().String(),
		UserID:     first.UserID,
		AgentType:  first.AgentType,
		Kind:       KindSemantic,
		Text:       strings.TrimSpace(b.String()),
		Tags:       map[string]string{"synthesized": "true"},
		Importance: importance,
		State:      StateRaw,
		CreatedAt:  now,
		LastAccess: now,
	}
	s.seq++
	s.seqs[summary.ID] = s.seq
	s.items[summary.ID] = summary
	s.order = append(s.order, summary.ID)
	key := ownerKey(summary.UserID, summary.AgentType)
	s.active[key] = append(s.active[key], summary.ID)

	for _, m := range members {
		m.State = StateConsolidated
		a := &Association{
			ID:        uuid.New().String(),
			FromID:    summary.ID,
			ToID:      m.ID,
			Weight:    1.0,
			Label:     "summarizes",
			CreatedAt: now,
		}
		s.assocs[a.ID] = a
		s.assocByItem[summary.ID] = append(s.assocByItem[summary.ID], a.ID)
		s.assocByItem[m.ID] = append(s.assocByItem[m.ID], a.ID)
	}
	return summary, members, false
}

// decayAndArchive applies importance decay to idle items and archives
// those falling below the floor. Importance is re-derived here and
// nowhere else. Items written after the pass cutoff are untouched.
func (s *Store) decayAndArchive(cutoff uint64) (decayed, archived []*Item, staleAssocs []*Association) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range s.order {
		if s.seqs[id] > cutoff {
			continue
		}
		item := s.items[id]
		if item.State == StateArchived {
			continue
		}
		if now.Sub(item.LastAccess) >= s.opts.DecayIdleWindow {
			item.Importance *= s.opts.DecayFactor
			decayed = append(decayed, item)
		}
		if item.Importance < s.opts.ArchiveFloor {
			item.State = StateArchived
			archived = append(archived, item)
			key := ownerKey(item.UserID, item.AgentType)
			s.active[key] = removeID(s.active[key], item.ID)
			for _, aid := range s.assocByItem[item.ID] {
				if a := s.assocs[aid]; a != nil && !a.Stale {
					a.Stale = true
					staleAssocs = append(staleAssocs, a)
				}
			}
		}
	}
	return decayed, archived, staleAssocs
}

// pruneSnapshots drops retained snapshots past the retention window from
// the in-memory list. Persisted copies are unaffected.
func (s *Store) pruneSnapshots() {
	if s.opts.SnapshotRetention <= 0 {
		return
	}
	horizon := s.now().Add(-s.opts.SnapshotRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.snapshots[:0]
	for _, sn := range s.snapshots {
		if sn.CreatedAt.After(horizon) {
			kept = append(kept, sn)
		}
	}
	s.snapshots = kept
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
