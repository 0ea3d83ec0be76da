package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
	"github.com/graphforge/graphforge-backend/internal/platform/neo4jdb"
)

// neo4jStore persists entities as (:Entity) nodes and relations as [:REL]
// edges, both stamped with a graph_id property. Entity labels and relation
// types are properties, matching how scoped filtering works everywhere else.
type neo4jStore struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewNeo4jStore(client *neo4jdb.Client, baseLog *logger.Logger) Store {
	return &neo4jStore{
		client: client,
		log:    baseLog.With("component", "Neo4jGraphStore"),
	}
}

func (s *neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.client.Database,
	})
}

// degraded wraps a read-path failure so callers can keep serving an empty
// result while surfacing the diagnostic.
func degraded(op string, err error) error {
	return fmt.Errorf("graph %s: %w: %s", op, apperr.ErrStoreUnavailable, err.Error())
}

func (s *neo4jStore) Stats(ctx context.Context, scopeID *uuid.UUID) (*Stats, error) {
	stats := EmptyStats()

	entityQ := `MATCH (n:Entity) RETURN n.label AS label, count(n) AS c`
	relationQ := `MATCH (:Entity)-[r:REL]->(:Entity) RETURN r.type AS type, count(r) AS c`
	params := map[string]any{}
	if scopeID != nil {
		entityQ = `MATCH (n:Entity {graph_id: $graph_id}) RETURN n.label AS label, count(n) AS c`
		relationQ = `MATCH (:Entity)-[r:REL {graph_id: $graph_id}]->(:Entity) RETURN r.type AS type, count(r) AS c`
		params["graph_id"] = scopeID.String()
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, entityQ, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			label := asString(rec.Values[0])
			c := int(asInt64(rec.Values[1]))
			stats.TotalEntities += c
			if label != "" {
				stats.EntityTypes[label] += c
			}
		}

		res, err = tx.Run(ctx, relationQ, params)
		if err != nil {
			return nil, err
		}
		records, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			typ := asString(rec.Values[0])
			c := int(asInt64(rec.Values[1]))
			stats.TotalRelations += c
			if typ != "" {
				stats.RelationTypes[typ] += c
			}
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("Stats read degraded", "error", err)
		return EmptyStats(), degraded("stats", err)
	}
	return stats, nil
}

func (s *neo4jStore) ListEntities(ctx context.Context, scopeID uuid.UUID, limit, offset int, orderByDegree bool) ([]*domain.Entity, error) {
	q := `
MATCH (n:Entity {graph_id: $graph_id})
RETURN n, elementId(n) AS id
ORDER BY elementId(n)
SKIP $offset
LIMIT $limit`
	if orderByDegree {
		q = `
MATCH (n:Entity {graph_id: $graph_id})
OPTIONAL MATCH (n)-[r:REL]-()
WITH n, count(r) AS degree
RETURN n, elementId(n) AS id
ORDER BY degree DESC, elementId(n)
SKIP $offset
LIMIT $limit`
	}
	params := map[string]any{
		"graph_id": scopeID.String(),
		"offset":   offset,
		"limit":    limit,
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out := []*domain.Entity{}
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			node, ok := rec.Values[0].(neo4j.Node)
			if !ok {
				continue
			}
			out = append(out, entityFromNode(node, asString(rec.Values[1])))
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("ListEntities read degraded", "scope_id", scopeID, "error", err)
		return []*domain.Entity{}, degraded("list entities", err)
	}
	return out, nil
}

func (s *neo4jStore) ListRelations(ctx context.Context, scopeID uuid.UUID, limit, offset int) ([]*domain.Relation, error) {
	q := `
MATCH (a:Entity)-[r:REL {graph_id: $graph_id}]->(b:Entity)
RETURN r, elementId(r) AS id, a.name AS start_name, b.name AS end_name
ORDER BY elementId(r)
SKIP $offset
LIMIT $limit`
	params := map[string]any{
		"graph_id": scopeID.String(),
		"offset":   offset,
		"limit":    limit,
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out := []*domain.Relation{}
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			rel, ok := rec.Values[0].(neo4j.Relationship)
			if !ok {
				continue
			}
			out = append(out, relationFromEdge(rel, asString(rec.Values[1]), asString(rec.Values[2]), asString(rec.Values[3])))
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("ListRelations read degraded", "scope_id", scopeID, "error", err)
		return []*domain.Relation{}, degraded("list relations", err)
	}
	return out, nil
}

func (s *neo4jStore) CreateEntities(ctx context.Context, scopeID uuid.UUID, entities []*domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if e == nil || e.Name == "" {
			continue
		}
		row := map[string]any{
			"graph_id":    scopeID.String(),
			"label":       e.Label,
			"name":        e.Name,
			"description": e.Description,
		}
		if len(e.Embedding) > 0 {
			row["embedding"] = e.Embedding
		}
		if len(e.Properties) > 0 {
			if raw, err := json.Marshal(e.Properties); err == nil {
				row["props_json"] = string(raw)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $entities AS e
CREATE (n:Entity)
SET n = e`, map[string]any{"entities": rows})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("graph create entities: %w", err)
	}
	s.log.Debug("Created entities", "scope_id", scopeID, "count", len(rows))
	return nil
}

func (s *neo4jStore) CreateRelations(ctx context.Context, scopeID uuid.UUID, relations []*domain.Relation) (int, error) {
	if len(relations) == 0 {
		return 0, nil
	}

	rows := make([]map[string]any, 0, len(relations))
	for _, r := range relations {
		if r == nil || r.StartName == "" || r.EndName == "" {
			continue
		}
		row := map[string]any{
			"graph_id":    scopeID.String(),
			"type":        r.Type,
			"name":        r.Name,
			"description": r.Description,
			"start_name":  r.StartName,
			"end_name":    r.EndName,
		}
		if len(r.Properties) > 0 {
			if raw, err := json.Marshal(r.Properties); err == nil {
				row["props_json"] = string(raw)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	created := 0
	// Unresolvable endpoints simply produce no MATCH row: the edge is
	// skipped without failing the batch.
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $rels AS rel
MATCH (a:Entity {graph_id: rel.graph_id, name: rel.start_name})
MATCH (b:Entity {graph_id: rel.graph_id, name: rel.end_name})
CREATE (a)-[r:REL]->(b)
SET r.graph_id = rel.graph_id,
    r.type = rel.type,
    r.name = rel.name,
    r.description = rel.description,
    r.props_json = rel.props_json`, map[string]any{"rels": rows})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		created = summary.Counters().RelationshipsCreated()
		return nil, nil
	})
	if err != nil {
		return 0, fmt.Errorf("graph create relations: %w", err)
	}
	if skipped := len(rows) - created; skipped > 0 {
		s.log.Warn("Skipped relations with unresolvable endpoints",
			"scope_id", scopeID, "skipped", skipped, "created", created)
	}
	return created, nil
}

func (s *neo4jStore) ClearScope(ctx context.Context, scopeID uuid.UUID) (ClearResult, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var result ClearResult
	// Relations first, then nodes. The two statements are separately
	// transactional; a crash in between leaves re-running as the recovery
	// path.
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:Entity {graph_id: $graph_id})-[r:REL]-()
DELETE r`, map[string]any{"graph_id": scopeID.String()})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		result.RelationsDeleted = summary.Counters().RelationshipsDeleted()
		return nil, nil
	})
	if err != nil {
		return ClearResult{}, fmt.Errorf("graph clear scope relations: %w", err)
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n:Entity {graph_id: $graph_id})
DETACH DELETE n`, map[string]any{"graph_id": scopeID.String()})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		result.NodesDeleted = summary.Counters().NodesDeleted()
		return nil, nil
	})
	if err != nil {
		return result, fmt.Errorf("graph clear scope nodes: %w", err)
	}

	s.log.Info("Cleared scope graph data",
		"scope_id", scopeID,
		"nodes_deleted", result.NodesDeleted,
		"relations_deleted", result.RelationsDeleted,
	)
	return result, nil
}

func (s *neo4jStore) ClearAll(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n) DETACH DELETE n`, nil)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("graph clear all: %w", err)
	}
	s.log.Warn("Graph database cleared")
	return nil
}

func (s *neo4jStore) SearchFuzzy(ctx context.Context, scopeID uuid.UUID, query string, kind SearchKind, limit int) (*SearchResult, error) {
	out := &SearchResult{Entities: []EntityHit{}, Relations: []RelationHit{}}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return out, nil
	}
	if limit <= 0 {
		limit = 20
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if kind == SearchAll || kind == SearchEntities {
			res, err := tx.Run(ctx, `
MATCH (n:Entity {graph_id: $graph_id})
WHERE toLower(n.name) CONTAINS $q
   OR toLower(coalesce(n.description, '')) CONTAINS $q
WITH n
LIMIT $limit
OPTIONAL MATCH (n)-[:REL]-(m:Entity {graph_id: $graph_id})
WITH n, elementId(n) AS id, collect(DISTINCT m)[0..$neighbors] AS related
RETURN n, id, related`, map[string]any{
				"graph_id":  scopeID.String(),
				"q":         q,
				"limit":     limit,
				"neighbors": fuzzyNeighborLimit,
			})
			if err != nil {
				return nil, err
			}
			records, err := res.Collect(ctx)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				node, ok := rec.Values[0].(neo4j.Node)
				if !ok {
					continue
				}
				hit := EntityHit{
					Entity: entityFromNode(node, asString(rec.Values[1])),
					Score:  1.0,
				}
				if neighbors, ok := rec.Values[2].([]any); ok {
					for _, v := range neighbors {
						if nn, ok := v.(neo4j.Node); ok {
							hit.Related = append(hit.Related, entityFromNode(nn, nn.ElementId))
						}
					}
				}
				out.Entities = append(out.Entities, hit)
			}
		}

		if kind == SearchAll || kind == SearchRelations {
			res, err := tx.Run(ctx, `
MATCH (a:Entity {graph_id: $graph_id})-[r:REL]->(b:Entity {graph_id: $graph_id})
WHERE toLower(coalesce(r.name, '')) CONTAINS $q
   OR toLower(coalesce(r.description, '')) CONTAINS $q
   OR toLower(coalesce(r.type, '')) CONTAINS $q
RETURN r, elementId(r) AS id, a.name AS start_name, b.name AS end_name
LIMIT $limit`, map[string]any{
				"graph_id": scopeID.String(),
				"q":        q,
				"limit":    limit,
			})
			if err != nil {
				return nil, err
			}
			records, err := res.Collect(ctx)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				rel, ok := rec.Values[0].(neo4j.Relationship)
				if !ok {
					continue
				}
				out.Relations = append(out.Relations, RelationHit{
					Relation: relationFromEdge(rel, asString(rec.Values[1]), asString(rec.Values[2]), asString(rec.Values[3])),
					Score:    1.0,
				})
			}
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("SearchFuzzy read degraded", "scope_id", scopeID, "error", err)
		return &SearchResult{Entities: []EntityHit{}, Relations: []RelationHit{}}, degraded("fuzzy search", err)
	}
	return out, nil
}

func (s *neo4jStore) SearchBySimilarity(ctx context.Context, scopeID uuid.UUID, embedding []float64, limit int) ([]ScoredEntity, error) {
	if limit <= 0 {
		limit = 10
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	scored := []ScoredEntity{}
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n:Entity {graph_id: $graph_id})
WHERE n.embedding IS NOT NULL
RETURN n, elementId(n) AS id`, map[string]any{"graph_id": scopeID.String()})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			node, ok := rec.Values[0].(neo4j.Node)
			if !ok {
				continue
			}
			entity := entityFromNode(node, asString(rec.Values[1]))
			score := cosine(embedding, entity.Embedding)
			if score <= similarityFloor {
				continue
			}
			scored = append(scored, ScoredEntity{Entity: entity, Score: score})
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("SearchBySimilarity read degraded", "scope_id", scopeID, "error", err)
		return []ScoredEntity{}, degraded("similarity search", err)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *neo4jStore) RelatedEntities(ctx context.Context, scopeID uuid.UUID, entityID string, depth int) ([]RankedEntity, error) {
	depth = clampDepth(depth)
	// Variable-length bounds cannot be parameterized in Cypher; depth is
	// clamped to [1,3] before interpolation.
	q := fmt.Sprintf(`
MATCH (src:Entity {graph_id: $graph_id})
WHERE elementId(src) = $entity_id
MATCH p = (src)-[:REL*1..%d]-(n:Entity {graph_id: $graph_id})
WHERE elementId(n) <> $entity_id
RETURN n, elementId(n) AS id, count(p) AS paths
ORDER BY paths DESC
LIMIT $cap`, depth)

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out := []RankedEntity{}
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, map[string]any{
			"graph_id":  scopeID.String(),
			"entity_id": entityID,
			"cap":       relatedEntitiesCap,
		})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			node, ok := rec.Values[0].(neo4j.Node)
			if !ok {
				continue
			}
			out = append(out, RankedEntity{
				Entity:    entityFromNode(node, asString(rec.Values[1])),
				PathCount: int(asInt64(rec.Values[2])),
			})
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("RelatedEntities read degraded", "scope_id", scopeID, "error", err)
		return []RankedEntity{}, degraded("related entities", err)
	}
	return out, nil
}

func entityFromNode(node neo4j.Node, storageID string) *domain.Entity {
	props := node.Props
	e := &domain.Entity{
		StorageID:   storageID,
		Label:       asString(props["label"]),
		Name:        asString(props["name"]),
		Description: asString(props["description"]),
	}
	if gid, err := uuid.Parse(asString(props["graph_id"])); err == nil {
		e.ScopeID = gid
	}
	if raw, ok := props["embedding"].([]any); ok {
		e.Embedding = make([]float64, 0, len(raw))
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				e.Embedding = append(e.Embedding, f)
			}
		}
	}
	if raw := asString(props["props_json"]); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			e.Properties = m
		}
	}
	return e
}

func relationFromEdge(rel neo4j.Relationship, storageID, startName, endName string) *domain.Relation {
	props := rel.Props
	r := &domain.Relation{
		StorageID:   storageID,
		Type:        asString(props["type"]),
		Name:        asString(props["name"]),
		Description: asString(props["description"]),
		StartName:   startName,
		EndName:     endName,
	}
	if gid, err := uuid.Parse(asString(props["graph_id"])); err == nil {
		r.ScopeID = gid
	}
	if raw := asString(props["props_json"]); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			r.Properties = m
		}
	}
	return r
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt64(v any) int64 {
	if i, ok := v.(int64); ok {
		return i
	}
	return 0
}
