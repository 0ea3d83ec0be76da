// Package documentbuild runs the knowledge graph build for one uploaded
// document: load the scope's existing graph, extract on top of it, then
// persist only the newly discovered items.
package documentbuild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/jobs/runtime"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/tasks"
)

type Pipeline struct{}

func New() *Pipeline { return &Pipeline{} }

func (p *Pipeline) Kind() string { return domain.JobKindDocumentBuild }

func (p *Pipeline) Run(jc *runtime.Context) error {
	deps := jc.Deps
	taskID := jc.Job.TaskID

	docID := uuid.Nil
	if jc.Job.DocumentID != nil {
		docID = *jc.Job.DocumentID
	}
	if docID == uuid.Nil {
		docID = jc.PayloadUUID("document_id")
	}
	if docID == uuid.Nil {
		return p.fail(jc, taskID, uuid.Nil, "Job payload is missing document_id")
	}

	// Duplicate deliveries of the same job tolerate a task that is already
	// processing; a terminal task means the run was canceled or finished
	// and there is nothing left to do.
	if err := deps.Tasks.Start(jc.Ctx, taskID); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			task, gerr := deps.Tasks.Get(jc.Ctx, taskID)
			if gerr != nil {
				return gerr
			}
			if task.Status.Terminal() {
				deps.Log.Info("Skipping build for terminal task", "task_id", taskID, "status", task.Status)
				return nil
			}
		} else {
			return err
		}
	}

	doc, err := deps.Documents.GetByID(dbctx.Context{Ctx: jc.Ctx}, docID)
	if err != nil {
		return p.fail(jc, taskID, docID, fmt.Sprintf("Load document: %v", err))
	}
	if doc == nil {
		return p.fail(jc, taskID, uuid.Nil, "Document no longer exists")
	}
	_ = deps.Documents.SetStatus(dbctx.Context{Ctx: jc.Ctx}, docID, domain.DocumentProcessing)

	if !p.progress(jc, taskID, 0.0, "initialize", "Preparing build") {
		return nil
	}

	seed, err := deps.Loader.Load(jc.Ctx, &doc.ScopeID)
	if err != nil {
		return p.fail(jc, taskID, docID, fmt.Sprintf("Load existing graph: %v", err))
	}
	if !p.progress(jc, taskID, 0.1, "load_graph",
		fmt.Sprintf("Loaded %d entities and %d relations", len(seed.Entities), len(seed.Relations))) {
		return nil
	}

	// Snapshot seed identity before extraction. The engine appends to the
	// seed slices, so anything not in these sets afterwards is new.
	seedEntities := make(map[*domain.Entity]bool, len(seed.Entities))
	for _, e := range seed.Entities {
		seedEntities[e] = true
	}
	seedRelations := make(map[*domain.Relation]bool, len(seed.Relations))
	for _, r := range seed.Relations {
		seedRelations[r] = true
	}

	if !p.progress(jc, taskID, 0.15, "extract", "Extracting knowledge from document") {
		return nil
	}

	engine := deps.NewEngine(seed)
	buildCtx := jc.Ctx
	var cancel context.CancelFunc
	if deps.Cfg.Worker.HardTimeout > 0 {
		buildCtx, cancel = context.WithTimeout(jc.Ctx, deps.Cfg.Worker.HardTimeout)
		defer cancel()
	}

	started := time.Now()
	grown, err := engine.BuildKnowledgeGraph(buildCtx, doc.FilePath, deps.Cfg.Extraction.Mode)
	if err != nil {
		elapsed := time.Since(started).Round(time.Second)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, apperr.ErrExtractionTimeout):
			limit := "hard"
			if deps.Cfg.Worker.SoftTimeout > 0 && elapsed < deps.Cfg.Worker.HardTimeout {
				limit = "soft"
			}
			return p.fail(jc, taskID, docID,
				fmt.Sprintf("Extraction exceeded the %s time limit after %s", limit, elapsed))
		default:
			return p.fail(jc, taskID, docID, fmt.Sprintf("Extraction failed: %v", err))
		}
	}

	var newEntities []*domain.Entity
	for _, e := range grown.Entities {
		if !seedEntities[e] {
			newEntities = append(newEntities, e)
		}
	}
	var newRelations []*domain.Relation
	for _, r := range grown.Relations {
		if !seedRelations[r] {
			newRelations = append(newRelations, r)
		}
	}

	ne, nr := len(newEntities), len(newRelations)
	if !p.progressCounts(jc, taskID, 0.85, "assemble",
		fmt.Sprintf("Found %d new entities and %d new relations", ne, nr), ne, nr) {
		return nil
	}

	if !p.progressCounts(jc, taskID, 0.9, "persist", "Persisting new graph items", ne, nr) {
		return nil
	}
	if err := deps.Store.CreateEntities(jc.Ctx, doc.ScopeID, newEntities); err != nil {
		return p.fail(jc, taskID, docID, fmt.Sprintf("Persist entities: %v", err))
	}
	created, err := deps.Store.CreateRelations(jc.Ctx, doc.ScopeID, newRelations)
	if err != nil {
		return p.fail(jc, taskID, docID, fmt.Sprintf("Persist relations: %v", err))
	}
	if created < nr {
		deps.Log.Warn("Some relations were not persisted",
			"task_id", taskID, "requested", nr, "created", created)
	}

	usage := engine.TokenUsage()
	if err := deps.Tasks.Complete(jc.Ctx, taskID, tasks.Completion{
		EntitiesCount:  ne,
		RelationsCount: created,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
	}); err != nil {
		return err
	}
	_ = deps.Documents.SetStatus(dbctx.Context{Ctx: jc.Ctx}, docID, domain.DocumentCompleted)

	p.refreshScopeCounters(jc, doc.ScopeID)

	deps.Log.Info("Document build finished",
		"task_id", taskID,
		"document_id", docID,
		"new_entities", ne,
		"new_relations", created,
		"duration", time.Since(started).Round(time.Millisecond))
	return nil
}

// progress reports a checkpoint and tells the pipeline whether to keep
// going. A state error means the task was canceled underneath us.
func (p *Pipeline) progress(jc *runtime.Context, taskID uuid.UUID, value float64, step, msg string) bool {
	err := jc.Deps.Tasks.ReportProgress(jc.Ctx, taskID, tasks.ProgressUpdate{
		Progress: value,
		Step:     step,
		Message:  msg,
	})
	return p.progressOK(jc, taskID, err)
}

func (p *Pipeline) progressCounts(jc *runtime.Context, taskID uuid.UUID, value float64, step, msg string, entities, relations int) bool {
	err := jc.Deps.Tasks.ReportProgress(jc.Ctx, taskID, tasks.ProgressUpdate{
		Progress:       value,
		Step:           step,
		Message:        msg,
		EntitiesCount:  &entities,
		RelationsCount: &relations,
	})
	return p.progressOK(jc, taskID, err)
}

func (p *Pipeline) progressOK(jc *runtime.Context, taskID uuid.UUID, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrNotFound) {
		jc.Deps.Log.Info("Build aborted, task no longer processing", "task_id", taskID)
		return false
	}
	jc.Deps.Log.Warn("Progress report failed", "task_id", taskID, "error", err)
	return true
}

func (p *Pipeline) fail(jc *runtime.Context, taskID, docID uuid.UUID, message string) error {
	if err := jc.Deps.Tasks.Fail(jc.Ctx, taskID, message); err != nil {
		jc.Deps.Log.Warn("Fail task failed", "task_id", taskID, "error", err)
	}
	if docID != uuid.Nil {
		_ = jc.Deps.Documents.SetStatus(dbctx.Context{Ctx: jc.Ctx}, docID, domain.DocumentFailed)
	}
	return errors.New(message)
}

func (p *Pipeline) refreshScopeCounters(jc *runtime.Context, scopeID uuid.UUID) {
	stats, err := jc.Deps.Store.Stats(jc.Ctx, &scopeID)
	if err != nil {
		jc.Deps.Log.Warn("Scope stats refresh failed", "scope_id", scopeID, "error", err)
		return
	}
	docs, err := jc.Deps.Documents.CountByScope(dbctx.Context{Ctx: jc.Ctx}, scopeID)
	if err != nil {
		jc.Deps.Log.Warn("Scope document count failed", "scope_id", scopeID, "error", err)
		return
	}
	if err := jc.Deps.Scopes.UpdateCounters(dbctx.Context{Ctx: jc.Ctx}, scopeID,
		stats.TotalEntities, stats.TotalRelations, int(docs)); err != nil {
		jc.Deps.Log.Warn("Scope counters update failed", "scope_id", scopeID, "error", err)
	}
}
