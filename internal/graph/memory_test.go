package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos/testutil"
	"github.com/graphforge/graphforge-backend/internal/domain"
)

func seedStore(t *testing.T, scopeID uuid.UUID) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(testutil.Logger(t))
	ctx := context.Background()

	entities := []*domain.Entity{
		{Label: "Person", Name: "Ada Lovelace", Description: "Early computing pioneer", Embedding: []float64{1, 0, 0}},
		{Label: "Person", Name: "Charles Babbage", Description: "Inventor of the analytical engine", Embedding: []float64{0.9, 0.1, 0}},
		{Label: "Machine", Name: "Analytical Engine", Description: "Mechanical general-purpose computer", Embedding: []float64{0, 1, 0}},
	}
	if err := s.CreateEntities(ctx, scopeID, entities); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	created, err := s.CreateRelations(ctx, scopeID, []*domain.Relation{
		{Type: "COLLABORATED_WITH", StartName: "Ada Lovelace", EndName: "Charles Babbage"},
		{Type: "DESIGNED", StartName: "Charles Babbage", EndName: "Analytical Engine"},
		{Type: "WROTE_PROGRAMS_FOR", StartName: "Ada Lovelace", EndName: "Analytical Engine"},
	})
	if err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}
	if created != 3 {
		t.Fatalf("created = %d, want 3", created)
	}
	return s
}

func TestCreateRelationsSkipsUnresolvableEndpoints(t *testing.T) {
	scopeID := uuid.New()
	s := seedStore(t, scopeID)
	ctx := context.Background()

	created, err := s.CreateRelations(ctx, scopeID, []*domain.Relation{
		{Type: "KNOWS", StartName: "Ada Lovelace", EndName: "Nobody"},
		{Type: "KNOWS", StartName: "Ada Lovelace", EndName: "Charles Babbage"},
	})
	if err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1 (unresolvable endpoint skipped)", created)
	}
}

func TestScopeIsolation(t *testing.T) {
	scopeA := uuid.New()
	scopeB := uuid.New()
	s := seedStore(t, scopeA)
	ctx := context.Background()

	if err := s.CreateEntities(ctx, scopeB, []*domain.Entity{{Label: "Person", Name: "Alan Turing"}}); err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}

	statsA, err := s.Stats(ctx, &scopeA)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if statsA.TotalEntities != 3 || statsA.TotalRelations != 3 {
		t.Fatalf("scope A stats = (%d, %d), want (3, 3)", statsA.TotalEntities, statsA.TotalRelations)
	}
	statsB, _ := s.Stats(ctx, &scopeB)
	if statsB.TotalEntities != 1 || statsB.TotalRelations != 0 {
		t.Fatalf("scope B stats = (%d, %d), want (1, 0)", statsB.TotalEntities, statsB.TotalRelations)
	}
	global, _ := s.Stats(ctx, nil)
	if global.TotalEntities != 4 {
		t.Fatalf("global entities = %d, want 4", global.TotalEntities)
	}
	if global.EntityTypes["Person"] != 3 {
		t.Fatalf("Person count = %d, want 3", global.EntityTypes["Person"])
	}
}

func TestListEntitiesByDegree(t *testing.T) {
	scopeID := uuid.New()
	s := seedStore(t, scopeID)

	ents, err := s.ListEntities(context.Background(), scopeID, 10, 0, true)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(ents) != 3 {
		t.Fatalf("len = %d, want 3", len(ents))
	}
	// Every node has degree 2 here, so ordering falls back to insertion;
	// drop one relation participant's edge to force a clear winner.
	ctx := context.Background()
	if _, err := s.CreateRelations(ctx, scopeID, []*domain.Relation{
		{Type: "INFLUENCED", StartName: "Ada Lovelace", EndName: "Charles Babbage"},
	}); err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}
	ents, _ = s.ListEntities(ctx, scopeID, 10, 0, true)
	if ents[len(ents)-1].Name != "Analytical Engine" {
		t.Fatalf("lowest-degree entity = %q, want Analytical Engine", ents[len(ents)-1].Name)
	}
}

func TestSearchFuzzy(t *testing.T) {
	scopeID := uuid.New()
	s := seedStore(t, scopeID)
	ctx := context.Background()

	// Case-insensitive substring over name and description.
	res, err := s.SearchFuzzy(ctx, scopeID, "ANALYTICAL", SearchAll, 10)
	if err != nil {
		t.Fatalf("SearchFuzzy: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("entity hits = %d, want 1", len(res.Entities))
	}
	hit := res.Entities[0]
	if hit.Entity.Name != "Analytical Engine" {
		t.Fatalf("hit = %q", hit.Entity.Name)
	}
	if hit.Score != 1.0 {
		t.Fatalf("score = %v, want constant 1.0", hit.Score)
	}
	if len(hit.Related) != 2 {
		t.Fatalf("related neighbors = %d, want 2", len(hit.Related))
	}
	// "Inventor of the analytical engine" also matches on description.
	if len(res.Relations) != 0 {
		t.Fatalf("relation hits = %d, want 0", len(res.Relations))
	}

	res, _ = s.SearchFuzzy(ctx, scopeID, "designed", SearchRelations, 10)
	if len(res.Relations) != 1 || len(res.Entities) != 0 {
		t.Fatalf("relation search = (%d ents, %d rels), want (0, 1)", len(res.Entities), len(res.Relations))
	}

	res, _ = s.SearchFuzzy(ctx, scopeID, "   ", SearchAll, 10)
	if len(res.Entities) != 0 || len(res.Relations) != 0 {
		t.Fatalf("blank query returned hits")
	}
}

func TestSearchBySimilarity(t *testing.T) {
	scopeID := uuid.New()
	s := seedStore(t, scopeID)
	ctx := context.Background()

	hits, err := s.SearchBySimilarity(ctx, scopeID, []float64{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchBySimilarity: %v", err)
	}
	// Ada scores 1.0, Babbage ~0.994; Analytical Engine scores 0 and falls
	// under the floor.
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Entity.Name != "Ada Lovelace" {
		t.Fatalf("top hit = %q", hits[0].Entity.Name)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatalf("hits not sorted by score")
	}

	// Zero-norm query vector scores 0 everywhere.
	hits, _ = s.SearchBySimilarity(ctx, scopeID, []float64{0, 0, 0}, 10)
	if len(hits) != 0 {
		t.Fatalf("zero-norm query returned %d hits", len(hits))
	}
}

func TestRelatedEntities(t *testing.T) {
	scopeID := uuid.New()
	s := seedStore(t, scopeID)
	ctx := context.Background()

	ents, _ := s.ListEntities(ctx, scopeID, 10, 0, false)
	var ada *domain.Entity
	for _, e := range ents {
		if e.Name == "Ada Lovelace" {
			ada = e
		}
	}
	if ada == nil {
		t.Fatalf("seed entity missing")
	}

	// Depth 1: direct neighbors only, one path each.
	related, err := s.RelatedEntities(ctx, scopeID, ada.StorageID, 1)
	if err != nil {
		t.Fatalf("RelatedEntities: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("depth-1 related = %d, want 2", len(related))
	}

	// Depth 2: each neighbor is also reachable through the other.
	related, _ = s.RelatedEntities(ctx, scopeID, ada.StorageID, 2)
	if len(related) != 2 {
		t.Fatalf("depth-2 related = %d, want 2", len(related))
	}
	for _, r := range related {
		if r.PathCount < 2 {
			t.Fatalf("path count for %q = %d, want >= 2", r.Entity.Name, r.PathCount)
		}
	}

	// Depth outside [1,3] is clamped, not rejected.
	if _, err := s.RelatedEntities(ctx, scopeID, ada.StorageID, 99); err != nil {
		t.Fatalf("clamped depth errored: %v", err)
	}

	related, _ = s.RelatedEntities(ctx, scopeID, "mem:99999999", 1)
	if len(related) != 0 {
		t.Fatalf("unknown entity returned %d related", len(related))
	}
}

func TestClearScope(t *testing.T) {
	scopeID := uuid.New()
	s := seedStore(t, scopeID)
	ctx := context.Background()

	res, err := s.ClearScope(ctx, scopeID)
	if err != nil {
		t.Fatalf("ClearScope: %v", err)
	}
	if res.NodesDeleted != 3 || res.RelationsDeleted != 3 {
		t.Fatalf("cleared = %+v, want {3 3}", res)
	}

	// Clearing again is a no-op with zero counts.
	res, err = s.ClearScope(ctx, scopeID)
	if err != nil {
		t.Fatalf("second ClearScope: %v", err)
	}
	if res.NodesDeleted != 0 || res.RelationsDeleted != 0 {
		t.Fatalf("second clear = %+v, want {0 0}", res)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float64{1, 0}, []float64{1, 0}); got != 1.0 {
		t.Fatalf("identical vectors = %v, want 1.0", got)
	}
	if got := cosine([]float64{1, 0}, []float64{0, 1}); got != 0.0 {
		t.Fatalf("orthogonal vectors = %v, want 0.0", got)
	}
	if got := cosine([]float64{0, 0}, []float64{1, 1}); got != 0.0 {
		t.Fatalf("zero norm = %v, want 0.0", got)
	}
	if got := cosine([]float64{1, 2}, []float64{1, 2, 3}); got != 0.0 {
		t.Fatalf("mismatched lengths = %v, want 0.0", got)
	}
}
