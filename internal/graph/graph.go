package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/memory"
)

// Mirror maintains the association graph in Neo4j alongside the in-memory
// store, so graph-shaped queries (neighborhoods, paths) stay cheap.
type Mirror struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewMirror connects to Neo4j.
func NewMirror(uri, user, password string, logger *zap.Logger) (*Mirror, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Mirror{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (m *Mirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.driver.VerifyConnectivity(ctx)
}

// LinkItems mirrors an association edge, creating endpoint nodes on demand.
func (m *Mirror) LinkItems(ctx context.Context, a *memory.Association) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (from:MemoryItem {id: $fromId})
		 MERGE (to:MemoryItem {id: $toId})
		 MERGE (from)-[r:ASSOCIATED {id: $id}]->(to)
		 SET r.weight = $weight, r.label = $label, r.stale = false`,
		map[string]interface{}{
			"id":     a.ID,
			"fromId": a.FromID,
			"toId":   a.ToID,
			"weight": a.Weight,
			"label":  a.Label,
		})
	return err
}

// MarkStale flags every edge touching the item as stale. Edges are never
// deleted; stale ones are skipped by neighborhood queries.
func (m *Mirror) MarkStale(ctx context.Context, itemID string) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (n:MemoryItem {id: $id})-[r:ASSOCIATED]-()
		 SET r.stale = true`,
		map[string]interface{}{"id": itemID})
	return err
}

// Neighbor is one hop in the association graph.
type Neighbor struct {
	ID     string
	Weight float64
	Label  string
}

// Neighbors returns live (non-stale) neighbors of an item ordered by
// descending edge weight.
func (m *Mirror) Neighbors(ctx context.Context, itemID string, limit int) ([]Neighbor, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (n:MemoryItem {id: $id})-[r:ASSOCIATED]-(other)
		 WHERE r.stale = false
		 RETURN other.id, r.weight, r.label
		 ORDER BY r.weight DESC LIMIT $limit`,
		map[string]interface{}{"id": itemID, "limit": limit})
	if err != nil {
		return nil, err
	}

	var neighbors []Neighbor
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("other.id")
		weight, _ := rec.Get("r.weight")
		label, _ := rec.Get("r.label")
		neighbors = append(neighbors, Neighbor{
			ID:     id.(string),
			Weight: weight.(float64),
			Label:  label.(string),
		})
	}
	return neighbors, nil
}
