package extraction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestMergeIntoSeedKeepsSeedPointers(t *testing.T) {
	ada := &domain.Entity{Label: "Person", Name: "Ada Lovelace"}
	engine := &HTTPEngine{
		log: testLogger(t),
		seed: &domain.WorkingGraph{
			Entities:  []*domain.Entity{ada},
			Relations: []*domain.Relation{},
		},
	}

	grown := engine.mergeIntoSeed(extractResponse{
		Entities: []wireEntity{
			{Label: "Person", Name: "Ada Lovelace", Description: "rediscovered"},
			{Label: "Person", Name: "Charles Babbage"},
		},
		Relations: []wireRelation{
			{Type: "COLLABORATED_WITH", StartName: "Ada Lovelace", EndName: "Charles Babbage"},
		},
	})

	if len(grown.Entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(grown.Entities))
	}
	// The seed entity must survive as the same pointer so the pipeline's
	// identity diff recognizes it as pre-existing.
	if grown.Entities[0] != ada {
		t.Fatalf("seed entity pointer replaced")
	}
	if grown.Entities[1].Name != "Charles Babbage" {
		t.Fatalf("new entity = %q", grown.Entities[1].Name)
	}
	if len(grown.Relations) != 1 {
		t.Fatalf("relations = %d, want 1", len(grown.Relations))
	}
}

func TestMergeIntoSeedDeduplicatesRelations(t *testing.T) {
	existing := &domain.Relation{Type: "KNOWS", StartName: "A", EndName: "B"}
	engine := &HTTPEngine{
		log: testLogger(t),
		seed: &domain.WorkingGraph{
			Entities:  []*domain.Entity{},
			Relations: []*domain.Relation{existing},
		},
	}

	grown := engine.mergeIntoSeed(extractResponse{
		Relations: []wireRelation{
			{Type: "KNOWS", StartName: "A", EndName: "B"},
			{Type: "KNOWS", StartName: "B", EndName: "A"},
			{Type: "KNOWS", StartName: "", EndName: "A"},
		},
	})
	// Same (type, start, end) is the seed relation; reversed direction is
	// new; missing endpoint is dropped.
	if len(grown.Relations) != 2 {
		t.Fatalf("relations = %d, want 2", len(grown.Relations))
	}
	if grown.Relations[0] != existing {
		t.Fatalf("seed relation pointer replaced")
	}
}

func TestBuildKnowledgeGraphRoundTrip(t *testing.T) {
	var gotMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotMode = r.FormValue("mode")
		if r.FormValue("seed_graph") == "" {
			t.Errorf("seed_graph missing")
		}
		_ = json.NewEncoder(w).Encode(extractResponse{
			Entities: []wireEntity{{Label: "Person", Name: "Grace Hopper"}},
			Usage:    TokenUsage{InputTokens: 10, OutputTokens: 5},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("sample text"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	factory := NewHTTPFactory(config.Extraction{URL: srv.URL}, testLogger(t))
	engine := factory(&domain.WorkingGraph{Entities: []*domain.Entity{}, Relations: []*domain.Relation{}})

	grown, err := engine.BuildKnowledgeGraph(context.Background(), path, "incremental")
	if err != nil {
		t.Fatalf("BuildKnowledgeGraph: %v", err)
	}
	if gotMode != "incremental" {
		t.Fatalf("mode = %q", gotMode)
	}
	if len(grown.Entities) != 1 || grown.Entities[0].Name != "Grace Hopper" {
		t.Fatalf("grown = %+v", grown.Entities)
	}
	usage := engine.TokenUsage()
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestBuildKnowledgeGraphServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "extractor down", http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	_ = os.WriteFile(path, []byte("x"), 0o644)

	factory := NewHTTPFactory(config.Extraction{URL: srv.URL}, testLogger(t))
	engine := factory(&domain.WorkingGraph{})
	if _, err := engine.BuildKnowledgeGraph(context.Background(), path, "incremental"); err == nil {
		t.Fatalf("want error on 502")
	}
}
