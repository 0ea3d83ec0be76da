// Package graph holds the scoped persistence and query layer for the
// property graph: a Store interface with a Neo4j implementation for
// production and an in-memory implementation for tests, plus the
// IncrementalLoader that seeds extraction runs from stored state.
package graph

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/domain"
)

type Stats struct {
	TotalEntities  int            `json:"total_entities"`
	TotalRelations int            `json:"total_relations"`
	EntityTypes    map[string]int `json:"entity_types"`
	RelationTypes  map[string]int `json:"relation_types"`
}

func EmptyStats() *Stats {
	return &Stats{EntityTypes: map[string]int{}, RelationTypes: map[string]int{}}
}

type ClearResult struct {
	NodesDeleted     int `json:"nodes_deleted"`
	RelationsDeleted int `json:"relations_deleted"`
}

type SearchKind string

const (
	SearchAll       SearchKind = "all"
	SearchEntities  SearchKind = "entity"
	SearchRelations SearchKind = "relation"
)

// EntityHit carries up to 5 directly-incident neighbors for context. Score
// is a constant 1.0: substring match carries no ranking signal. That is a
// documented limitation of fuzzy search, not an oversight.
type EntityHit struct {
	Entity  *domain.Entity   `json:"entity"`
	Score   float64          `json:"score"`
	Related []*domain.Entity `json:"related,omitempty"`
}

type RelationHit struct {
	Relation *domain.Relation `json:"relation"`
	Score    float64          `json:"score"`
}

type SearchResult struct {
	Entities  []EntityHit   `json:"entities"`
	Relations []RelationHit `json:"relations"`
}

type ScoredEntity struct {
	Entity *domain.Entity `json:"entity"`
	Score  float64        `json:"score"`
}

type RankedEntity struct {
	Entity    *domain.Entity `json:"entity"`
	PathCount int            `json:"path_count"`
}

// Store is the only writer of graph data. Every node and edge is stamped
// with its scope id so all scoped queries filter on it.
//
// Failure semantics: read operations degrade on store-connectivity errors.
// They return a usable empty result together with an error wrapping
// apperr.ErrStoreUnavailable, which callers surface as a diagnostic rather
// than a hard failure. Write operations propagate errors so callers can
// roll back relational state.
type Store interface {
	// Stats aggregates by scan. A nil scope aggregates across all scopes
	// (administrative use only).
	Stats(ctx context.Context, scopeID *uuid.UUID) (*Stats, error)
	// ListEntities pages stably ordered by storage id; with orderByDegree it
	// orders by descending incident-relation count (computed, not cached),
	// ties broken by storage id.
	ListEntities(ctx context.Context, scopeID uuid.UUID, limit, offset int, orderByDegree bool) ([]*domain.Entity, error)
	ListRelations(ctx context.Context, scopeID uuid.UUID, limit, offset int) ([]*domain.Relation, error)
	CreateEntities(ctx context.Context, scopeID uuid.UUID, entities []*domain.Entity) error
	// CreateRelations skips, per edge, any relation whose endpoints cannot
	// both be resolved within the scope; skips are logged, never raised, so
	// a partial extraction batch cannot abort the whole write. Returns the
	// number of edges actually created.
	CreateRelations(ctx context.Context, scopeID uuid.UUID, relations []*domain.Relation) (int, error)
	// ClearScope deletes relations first, then nodes. Re-running it is safe;
	// the second run reports {0,0}.
	ClearScope(ctx context.Context, scopeID uuid.UUID) (ClearResult, error)
	// ClearAll wipes every scope. Administrative, irreversible.
	ClearAll(ctx context.Context) error
	SearchFuzzy(ctx context.Context, scopeID uuid.UUID, query string, kind SearchKind, limit int) (*SearchResult, error)
	// SearchBySimilarity scores all scoped entities carrying an embedding by
	// cosine similarity, excludes scores <= 0.3, sorts descending,
	// truncates to limit.
	SearchBySimilarity(ctx context.Context, scopeID uuid.UUID, embedding []float64, limit int) ([]ScoredEntity, error)
	// RelatedEntities traverses up to depth hops (1..3) within the scope,
	// excludes the source, deduplicates, ranks by number of distinct paths
	// reaching each neighbor, caps at 50 results.
	RelatedEntities(ctx context.Context, scopeID uuid.UUID, entityID string, depth int) ([]RankedEntity, error)
}

const (
	similarityFloor    = 0.3
	relatedEntitiesCap = 50
	fuzzyNeighborLimit = 5
	maxTraversalDepth  = 3
)

// cosine similarity; zero-norm or mismatched vectors score 0.0, never a
// division by zero.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > maxTraversalDepth {
		return maxTraversalDepth
	}
	return depth
}
