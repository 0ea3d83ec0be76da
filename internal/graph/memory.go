package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

// MemoryStore is a process-local Store used by tests and by deployments
// without a configured graph database. It mirrors the Neo4j store's
// semantics: insertion-ordered storage ids, per-edge endpoint resolution,
// relations-then-nodes clears.
type MemoryStore struct {
	mu        sync.RWMutex
	log       *logger.Logger
	nextID    int
	entities  map[uuid.UUID][]*domain.Entity
	relations map[uuid.UUID][]*domain.Relation
}

func NewMemoryStore(baseLog *logger.Logger) *MemoryStore {
	return &MemoryStore{
		log:       baseLog.With("component", "MemoryGraphStore"),
		entities:  make(map[uuid.UUID][]*domain.Entity),
		relations: make(map[uuid.UUID][]*domain.Relation),
	}
}

func (s *MemoryStore) allocID() string {
	s.nextID++
	return fmt.Sprintf("mem:%08d", s.nextID)
}

func (s *MemoryStore) Stats(ctx context.Context, scopeID *uuid.UUID) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := EmptyStats()
	for scope, ents := range s.entities {
		if scopeID != nil && scope != *scopeID {
			continue
		}
		for _, e := range ents {
			stats.TotalEntities++
			if e.Label != "" {
				stats.EntityTypes[e.Label]++
			}
		}
	}
	for scope, rels := range s.relations {
		if scopeID != nil && scope != *scopeID {
			continue
		}
		for _, r := range rels {
			stats.TotalRelations++
			if r.Type != "" {
				stats.RelationTypes[r.Type]++
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) ListEntities(ctx context.Context, scopeID uuid.UUID, limit, offset int, orderByDegree bool) ([]*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ents := make([]*domain.Entity, len(s.entities[scopeID]))
	copy(ents, s.entities[scopeID])

	if orderByDegree {
		degrees := s.degreesLocked(scopeID)
		sort.SliceStable(ents, func(i, j int) bool {
			di, dj := degrees[ents[i].Name], degrees[ents[j].Name]
			if di != dj {
				return di > dj
			}
			return ents[i].StorageID < ents[j].StorageID
		})
	} else {
		sort.SliceStable(ents, func(i, j int) bool {
			return ents[i].StorageID < ents[j].StorageID
		})
	}
	return page(ents, limit, offset), nil
}

func (s *MemoryStore) ListRelations(ctx context.Context, scopeID uuid.UUID, limit, offset int) ([]*domain.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rels := make([]*domain.Relation, len(s.relations[scopeID]))
	copy(rels, s.relations[scopeID])
	sort.SliceStable(rels, func(i, j int) bool {
		return rels[i].StorageID < rels[j].StorageID
	})
	return page(rels, limit, offset), nil
}

func (s *MemoryStore) CreateEntities(ctx context.Context, scopeID uuid.UUID, entities []*domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		if e == nil || e.Name == "" {
			continue
		}
		stored := *e
		stored.StorageID = s.allocID()
		stored.ScopeID = scopeID
		s.entities[scopeID] = append(s.entities[scopeID], &stored)
	}
	return nil
}

func (s *MemoryStore) CreateRelations(ctx context.Context, scopeID uuid.UUID, relations []*domain.Relation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]bool, len(s.entities[scopeID]))
	for _, e := range s.entities[scopeID] {
		names[e.Name] = true
	}

	created := 0
	for _, r := range relations {
		if r == nil || r.StartName == "" || r.EndName == "" {
			continue
		}
		if !names[r.StartName] || !names[r.EndName] {
			s.log.Warn("Skipped relation with unresolvable endpoint",
				"scope_id", scopeID, "start", r.StartName, "end", r.EndName)
			continue
		}
		stored := *r
		stored.StorageID = s.allocID()
		stored.ScopeID = scopeID
		s.relations[scopeID] = append(s.relations[scopeID], &stored)
		created++
	}
	return created, nil
}

func (s *MemoryStore) ClearScope(ctx context.Context, scopeID uuid.UUID) (ClearResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ClearResult{
		NodesDeleted:     len(s.entities[scopeID]),
		RelationsDeleted: len(s.relations[scopeID]),
	}
	delete(s.relations, scopeID)
	delete(s.entities, scopeID)
	return result, nil
}

func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = make(map[uuid.UUID][]*domain.Entity)
	s.relations = make(map[uuid.UUID][]*domain.Relation)
	s.log.Warn("Graph store cleared")
	return nil
}

func (s *MemoryStore) SearchFuzzy(ctx context.Context, scopeID uuid.UUID, query string, kind SearchKind, limit int) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &SearchResult{Entities: []EntityHit{}, Relations: []RelationHit{}}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return out, nil
	}
	if limit <= 0 {
		limit = 20
	}

	if kind == SearchAll || kind == SearchEntities {
		for _, e := range s.entities[scopeID] {
			if len(out.Entities) >= limit {
				break
			}
			if !strings.Contains(strings.ToLower(e.Name), q) &&
				!strings.Contains(strings.ToLower(e.Description), q) {
				continue
			}
			out.Entities = append(out.Entities, EntityHit{
				Entity:  e,
				Score:   1.0,
				Related: s.neighborsLocked(scopeID, e.Name, fuzzyNeighborLimit),
			})
		}
	}

	if kind == SearchAll || kind == SearchRelations {
		for _, r := range s.relations[scopeID] {
			if len(out.Relations) >= limit {
				break
			}
			if !strings.Contains(strings.ToLower(r.Name), q) &&
				!strings.Contains(strings.ToLower(r.Description), q) &&
				!strings.Contains(strings.ToLower(r.Type), q) {
				continue
			}
			out.Relations = append(out.Relations, RelationHit{Relation: r, Score: 1.0})
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchBySimilarity(ctx context.Context, scopeID uuid.UUID, embedding []float64, limit int) ([]ScoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	scored := []ScoredEntity{}
	for _, e := range s.entities[scopeID] {
		if len(e.Embedding) == 0 {
			continue
		}
		score := cosine(embedding, e.Embedding)
		if score <= similarityFloor {
			continue
		}
		scored = append(scored, ScoredEntity{Entity: e, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *MemoryStore) RelatedEntities(ctx context.Context, scopeID uuid.UUID, entityID string, depth int) ([]RankedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depth = clampDepth(depth)

	var src *domain.Entity
	byName := make(map[string]*domain.Entity, len(s.entities[scopeID]))
	for _, e := range s.entities[scopeID] {
		byName[e.Name] = e
		if e.StorageID == entityID {
			src = e
		}
	}
	if src == nil {
		return []RankedEntity{}, nil
	}

	// Undirected adjacency keyed by entity name; each edge is traversed at
	// most once per path (trail semantics, matching variable-length Cypher).
	type edge struct {
		id       string
		from, to string
	}
	adjacency := make(map[string][]edge)
	for _, r := range s.relations[scopeID] {
		adjacency[r.StartName] = append(adjacency[r.StartName], edge{id: r.StorageID, from: r.StartName, to: r.EndName})
		adjacency[r.EndName] = append(adjacency[r.EndName], edge{id: r.StorageID, from: r.EndName, to: r.StartName})
	}

	paths := make(map[string]int)
	var walk func(at string, hops int, used map[string]bool)
	walk = func(at string, hops int, used map[string]bool) {
		if hops >= depth {
			return
		}
		for _, e := range adjacency[at] {
			if used[e.id] {
				continue
			}
			if e.to != src.Name {
				paths[e.to]++
			}
			used[e.id] = true
			walk(e.to, hops+1, used)
			delete(used, e.id)
		}
	}
	walk(src.Name, 0, map[string]bool{})

	out := make([]RankedEntity, 0, len(paths))
	for name, n := range paths {
		if e, ok := byName[name]; ok {
			out = append(out, RankedEntity{Entity: e, PathCount: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PathCount != out[j].PathCount {
			return out[i].PathCount > out[j].PathCount
		}
		return out[i].Entity.StorageID < out[j].Entity.StorageID
	})
	if len(out) > relatedEntitiesCap {
		out = out[:relatedEntitiesCap]
	}
	return out, nil
}

func (s *MemoryStore) degreesLocked(scopeID uuid.UUID) map[string]int {
	degrees := make(map[string]int)
	for _, r := range s.relations[scopeID] {
		degrees[r.StartName]++
		degrees[r.EndName]++
	}
	return degrees
}

func (s *MemoryStore) neighborsLocked(scopeID uuid.UUID, name string, limit int) []*domain.Entity {
	seen := map[string]bool{}
	var neighbors []*domain.Entity
	byName := make(map[string]*domain.Entity)
	for _, e := range s.entities[scopeID] {
		byName[e.Name] = e
	}
	for _, r := range s.relations[scopeID] {
		var other string
		switch name {
		case r.StartName:
			other = r.EndName
		case r.EndName:
			other = r.StartName
		default:
			continue
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if e, ok := byName[other]; ok {
			neighbors = append(neighbors, e)
			if len(neighbors) >= limit {
				break
			}
		}
	}
	return neighbors
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
