package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

const loaderPageSize = 500

// Loader assembles the existing contents of a scope into a WorkingGraph
// so an extraction run can build on top of prior results instead of
// starting from an empty graph. It never writes to the store.
type Loader struct {
	store Store
	log   *logger.Logger
}

func NewLoader(store Store, baseLog *logger.Logger) *Loader {
	return &Loader{
		store: store,
		log:   baseLog.With("component", "GraphLoader"),
	}
}

// Load fetches every entity and relation in the scope. A nil scope id
// yields an empty graph, which is the first-build case. Relations whose
// endpoints cannot be resolved against the loaded entities are dropped.
func (l *Loader) Load(ctx context.Context, scopeID *uuid.UUID) (*domain.WorkingGraph, error) {
	wg := domain.NewWorkingGraph()
	if scopeID == nil {
		return wg, nil
	}

	for offset := 0; ; offset += loaderPageSize {
		batch, err := l.store.ListEntities(ctx, *scopeID, loaderPageSize, offset, false)
		if err != nil {
			return nil, fmt.Errorf("load entities: %w", err)
		}
		wg.Entities = append(wg.Entities, batch...)
		if len(batch) < loaderPageSize {
			break
		}
	}

	byName := make(map[string]*domain.Entity, len(wg.Entities))
	for _, e := range wg.Entities {
		byName[e.Name] = e
	}

	dropped := 0
	for offset := 0; ; offset += loaderPageSize {
		batch, err := l.store.ListRelations(ctx, *scopeID, loaderPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("load relations: %w", err)
		}
		for _, r := range batch {
			if byName[r.StartName] == nil || byName[r.EndName] == nil {
				dropped++
				continue
			}
			wg.Relations = append(wg.Relations, r)
		}
		if len(batch) < loaderPageSize {
			break
		}
	}
	if dropped > 0 {
		l.log.Warn("Dropped relations with missing endpoints during load",
			"scope_id", *scopeID, "dropped", dropped)
	}

	l.log.Debug("Loaded existing graph",
		"scope_id", *scopeID,
		"entities", len(wg.Entities),
		"relations", len(wg.Relations))
	return wg, nil
}
