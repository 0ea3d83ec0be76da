package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

// HTTPEngine talks to an external extraction service. The document is
// uploaded together with the seed graph serialized as JSON; the service
// returns the full grown graph plus token usage.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
	seed       *domain.WorkingGraph
	usage      TokenUsage
}

type extractResponse struct {
	Entities  []wireEntity   `json:"entities"`
	Relations []wireRelation `json:"relations"`
	Usage     TokenUsage     `json:"usage"`
}

type wireEntity struct {
	Label       string         `json:"label"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Embedding   []float64      `json:"embedding,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

type wireRelation struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	StartName   string         `json:"start_entity"`
	EndName     string         `json:"end_entity"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// NewHTTPFactory returns a Factory producing engines bound to the
// configured extraction service.
func NewHTTPFactory(cfg config.Extraction, baseLog *logger.Logger) Factory {
	log := baseLog.With("component", "ExtractionEngine")
	return func(seed *domain.WorkingGraph) Engine {
		return &HTTPEngine{
			baseURL:    strings.TrimRight(cfg.URL, "/"),
			httpClient: &http.Client{},
			log:        log,
			seed:       seed,
		}
	}
}

func (e *HTTPEngine) TokenUsage() TokenUsage { return e.usage }

func (e *HTTPEngine) BuildKnowledgeGraph(ctx context.Context, path string, mode string) (*domain.WorkingGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if err := writer.WriteField("mode", mode); err != nil {
		return nil, err
	}
	seedJSON, err := json.Marshal(wireGraph(e.seed))
	if err != nil {
		return nil, err
	}
	if err := writer.WriteField("seed_graph", string(seedJSON)); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/extract", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", apperr.ErrExtractionTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrExtractionFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("%w: extraction service returned %d: %s",
			apperr.ErrExtractionFailure, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", apperr.ErrExtractionFailure, err)
	}
	e.usage = out.Usage

	grown := e.mergeIntoSeed(out)
	e.log.Info("Extraction run finished",
		"path", filepath.Base(path),
		"entities", len(grown.Entities),
		"relations", len(grown.Relations),
		"duration", time.Since(started).Round(time.Millisecond))
	return grown, nil
}

// mergeIntoSeed maps the wire response back onto the seed so items that
// already existed keep their original pointers. Entities match on
// (label, name), relations on (type, start, end).
func (e *HTTPEngine) mergeIntoSeed(out extractResponse) *domain.WorkingGraph {
	grown := &domain.WorkingGraph{
		Entities:  append([]*domain.Entity{}, e.seed.Entities...),
		Relations: append([]*domain.Relation{}, e.seed.Relations...),
	}

	knownEntities := make(map[string]*domain.Entity, len(grown.Entities))
	for _, ent := range grown.Entities {
		knownEntities[ent.Label+"\x00"+ent.Name] = ent
	}
	for _, we := range out.Entities {
		if we.Name == "" {
			continue
		}
		key := we.Label + "\x00" + we.Name
		if _, ok := knownEntities[key]; ok {
			continue
		}
		ent := &domain.Entity{
			Label:       we.Label,
			Name:        we.Name,
			Description: we.Description,
			Embedding:   we.Embedding,
			Properties:  we.Properties,
		}
		knownEntities[key] = ent
		grown.Entities = append(grown.Entities, ent)
	}

	knownRelations := make(map[string]bool, len(grown.Relations))
	for _, rel := range grown.Relations {
		knownRelations[rel.Type+"\x00"+rel.StartName+"\x00"+rel.EndName] = true
	}
	for _, wr := range out.Relations {
		if wr.StartName == "" || wr.EndName == "" {
			continue
		}
		key := wr.Type + "\x00" + wr.StartName + "\x00" + wr.EndName
		if knownRelations[key] {
			continue
		}
		knownRelations[key] = true
		grown.Relations = append(grown.Relations, &domain.Relation{
			Type:        wr.Type,
			Name:        wr.Name,
			Description: wr.Description,
			StartName:   wr.StartName,
			EndName:     wr.EndName,
			Properties:  wr.Properties,
		})
	}
	return grown
}

func wireGraph(g *domain.WorkingGraph) map[string]any {
	entities := make([]wireEntity, 0, len(g.Entities))
	for _, ent := range g.Entities {
		entities = append(entities, wireEntity{
			Label:       ent.Label,
			Name:        ent.Name,
			Description: ent.Description,
			Properties:  ent.Properties,
		})
	}
	relations := make([]wireRelation, 0, len(g.Relations))
	for _, rel := range g.Relations {
		relations = append(relations, wireRelation{
			Type:        rel.Type,
			Name:        rel.Name,
			Description: rel.Description,
			StartName:   rel.StartName,
			EndName:     rel.EndName,
			Properties:  rel.Properties,
		})
	}
	return map[string]any{"entities": entities, "relations": relations}
}
