package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// QueryService runs read-only queries over the projected entity graph.
type QueryService struct {
	client *Client
	logger ectologger.Logger
}

func NewQueryService(client *Client, logger ectologger.Logger) *QueryService {
	return &QueryService{
		client: client,
		logger: logger,
	}
}

// QueryResult collects the distinct nodes and edges a query touched.
type QueryResult struct {
	Nodes     []NodeResult `json:"nodes"`
	Relations []EdgeResult `json:"relations"`
}

type NodeResult struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

type EdgeResult struct {
	RelationType string         `json:"relation_type"`
	SourceID     string         `json:"source_id"`
	TargetID     string         `json:"target_id"`
	Properties   map[string]any `json:"properties"`
}

func (s *QueryService) run(ctx context.Context, cypher string, params map[string]any) (*QueryResult, error) {
	res, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		qr := &QueryResult{Nodes: []NodeResult{}, Relations: []EdgeResult{}}
		c := collector{qr: qr, nodes: map[string]bool{}, elementIDs: map[string]string{}, edges: map[string]bool{}}
		for result.Next(ctx) {
			record := result.Record()
			for _, key := range record.Keys {
				val, _ := record.Get(key)
				c.collect(val)
			}
		}
		c.resolveEdges()
		return qr, result.Err()
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to execute graph query")
		return nil, fmt.Errorf("failed to execute graph query: %w", err)
	}
	return res.(*QueryResult), nil
}

// Neighbors returns the active entities within hops of entityID and the
// edges between them.
func (s *QueryService) Neighbors(ctx context.Context, entityID string, hops int) (*QueryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.Neighbors")
	defer span.End()

	if hops <= 0 {
		hops = 1
	}
	if hops > 5 {
		hops = 5
	}

	cypher := fmt.Sprintf(`
		MATCH p = (start:Entity {id: $id})-[:RELATED*1..%d]-(neighbor:Entity)
		WHERE neighbor.is_active = true
		RETURN p
	`, hops)

	return s.run(ctx, cypher, map[string]any{"id": entityID})
}

// ShortestPath returns the shortest path between two entities, if any.
func (s *QueryService) ShortestPath(ctx context.Context, fromID, toID string, maxHops int) (*QueryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.ShortestPath")
	defer span.End()

	if maxHops <= 0 {
		maxHops = 10
	}

	cypher := fmt.Sprintf(`
		MATCH (a:Entity {id: $from_id}), (b:Entity {id: $to_id})
		MATCH p = shortestPath((a)-[:RELATED*..%d]-(b))
		RETURN p
	`, maxHops)

	return s.run(ctx, cypher, map[string]any{"from_id": fromID, "to_id": toID})
}

type collector struct {
	qr         *QueryResult
	nodes      map[string]bool
	elementIDs map[string]string
	edges      map[string]bool
	pending    []neo4j.Relationship
}

func (c *collector) collect(val any) {
	switch v := val.(type) {
	case neo4j.Node:
		id := fmt.Sprintf("%v", v.Props["id"])
		c.elementIDs[v.ElementId] = id
		if !c.nodes[id] {
			c.nodes[id] = true
			c.qr.Nodes = append(c.qr.Nodes, NodeResult{ID: id, Properties: v.Props})
		}
	case neo4j.Relationship:
		if !c.edges[v.ElementId] {
			c.edges[v.ElementId] = true
			c.pending = append(c.pending, v)
		}
	case neo4j.Path:
		for _, n := range v.Nodes {
			c.collect(n)
		}
		for _, r := range v.Relationships {
			c.collect(r)
		}
	case []any:
		for _, item := range v {
			c.collect(item)
		}
	}
}

// resolveEdges maps element ids to entity ids once every node is known.
func (c *collector) resolveEdges() {
	for _, r := range c.pending {
		relType, _ := r.Props["relation_type"].(string)
		c.qr.Relations = append(c.qr.Relations, EdgeResult{
			RelationType: relType,
			SourceID:     c.elementIDs[r.StartElementId],
			TargetID:     c.elementIDs[r.EndElementId],
			Properties:   r.Props,
		})
	}
}
