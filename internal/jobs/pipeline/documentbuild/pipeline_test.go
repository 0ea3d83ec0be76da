package documentbuild

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/data/repos/testutil"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/extraction"
	"github.com/graphforge/graphforge-backend/internal/graph"
	"github.com/graphforge/graphforge-backend/internal/jobs/runtime"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/tasks"
)

type fakeEngine struct {
	seed  *domain.WorkingGraph
	grow  func(g *domain.WorkingGraph)
	usage extraction.TokenUsage
	err   error
}

func (f *fakeEngine) BuildKnowledgeGraph(ctx context.Context, path, mode string) (*domain.WorkingGraph, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.grow != nil {
		f.grow(f.seed)
	}
	return f.seed, nil
}

func (f *fakeEngine) TokenUsage() extraction.TokenUsage { return f.usage }

type fixture struct {
	deps    runtime.Deps
	store   *graph.MemoryStore
	scope   *domain.Scope
	doc     *domain.Document
	task    *domain.Task
	job     *domain.QueueJob
	taskSvc *tasks.Coordinator
}

func newFixture(t *testing.T, factory extraction.Factory) *fixture {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	scopeRepo := repos.NewScopeRepo(gdb, log)
	documentRepo := repos.NewDocumentRepo(gdb, log)
	taskRepo := repos.NewTaskRepo(gdb, log)
	queueRepo := repos.NewQueueJobRepo(gdb, log)
	coordinator := tasks.NewCoordinator(taskRepo, queueRepo, nil, 10*time.Millisecond, log)

	store := graph.NewMemoryStore(log)

	scope, err := scopeRepo.Create(dbc, &domain.Scope{Name: "Research"})
	if err != nil {
		t.Fatalf("scope create: %v", err)
	}
	if err := store.CreateEntities(ctx, scope.ID, []*domain.Entity{
		{Label: "Person", Name: "Ada Lovelace"},
		{Label: "Machine", Name: "Analytical Engine"},
	}); err != nil {
		t.Fatalf("seed entities: %v", err)
	}
	if _, err := store.CreateRelations(ctx, scope.ID, []*domain.Relation{
		{Type: "WROTE_PROGRAMS_FOR", StartName: "Ada Lovelace", EndName: "Analytical Engine"},
	}); err != nil {
		t.Fatalf("seed relations: %v", err)
	}

	doc, err := documentRepo.Create(dbc, &domain.Document{
		ScopeID:          scope.ID,
		Filename:         "notes.txt",
		OriginalFilename: "notes.txt",
		FilePath:         "/tmp/notes.txt",
		Status:           domain.DocumentPending,
	})
	if err != nil {
		t.Fatalf("document create: %v", err)
	}

	task, err := coordinator.Create(ctx, &doc.ID)
	if err != nil {
		t.Fatalf("task create: %v", err)
	}
	jobs, err := queueRepo.Create(dbc, []*domain.QueueJob{{
		Kind:       domain.JobKindDocumentBuild,
		TaskID:     task.ID,
		DocumentID: &doc.ID,
		ScopeID:    &scope.ID,
		Status:     domain.JobRunning,
	}})
	if err != nil {
		t.Fatalf("job create: %v", err)
	}

	cfg := &config.Config{}
	cfg.Worker.HardTimeout = time.Minute
	cfg.Extraction.Mode = "incremental"

	return &fixture{
		deps: runtime.Deps{
			DB:        gdb,
			Log:       log,
			Cfg:       cfg,
			Tasks:     coordinator,
			Store:     store,
			Loader:    graph.NewLoader(store, log),
			NewEngine: factory,
			Scopes:    scopeRepo,
			Documents: documentRepo,
			Queue:     queueRepo,
		},
		store:   store,
		scope:   scope,
		doc:     doc,
		task:    task,
		job:     jobs[0],
		taskSvc: coordinator,
	}
}

func TestRunPersistsOnlyNewItems(t *testing.T) {
	var captured *domain.WorkingGraph
	factory := func(seed *domain.WorkingGraph) extraction.Engine {
		captured = seed
		return &fakeEngine{
			seed: seed,
			grow: func(g *domain.WorkingGraph) {
				g.Entities = append(g.Entities, &domain.Entity{Label: "Person", Name: "Charles Babbage"})
				g.Relations = append(g.Relations, &domain.Relation{
					Type: "COLLABORATED_WITH", StartName: "Ada Lovelace", EndName: "Charles Babbage",
				})
			},
			usage: extraction.TokenUsage{InputTokens: 120, OutputTokens: 30},
		}
	}

	f := newFixture(t, factory)
	ctx := context.Background()

	if err := New().Run(runtime.NewContext(ctx, f.job, f.deps)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(captured.Entities) != 3 {
		t.Fatalf("seed not grown in place: %d entities", len(captured.Entities))
	}

	task, err := f.taskSvc.Get(ctx, f.task.ID)
	if err != nil {
		t.Fatalf("task get: %v", err)
	}
	if task.Status != domain.TaskCompleted || task.Progress != 1.0 {
		t.Fatalf("task = (%s, %v), want (completed, 1.0)", task.Status, task.Progress)
	}
	// Counts reflect the diff, not the whole graph.
	if task.EntitiesCount != 1 || task.RelationsCount != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", task.EntitiesCount, task.RelationsCount)
	}
	if task.InputTokens != 120 || task.OutputTokens != 30 {
		t.Fatalf("tokens = (%d, %d), want (120, 30)", task.InputTokens, task.OutputTokens)
	}

	stats, _ := f.store.Stats(ctx, &f.scope.ID)
	if stats.TotalEntities != 3 || stats.TotalRelations != 2 {
		t.Fatalf("store stats = (%d, %d), want (3, 2)", stats.TotalEntities, stats.TotalRelations)
	}

	dbc := dbctx.Context{Ctx: ctx}
	doc, _ := f.deps.Documents.GetByID(dbc, f.doc.ID)
	if doc.Status != domain.DocumentCompleted {
		t.Fatalf("document status = %s, want completed", doc.Status)
	}
	scope, _ := f.deps.Scopes.GetByID(dbc, f.scope.ID)
	if scope.EntityCount != 3 || scope.RelationCount != 2 || scope.DocumentCount != 1 {
		t.Fatalf("scope counters = (%d, %d, %d), want (3, 2, 1)",
			scope.EntityCount, scope.RelationCount, scope.DocumentCount)
	}
}

func TestRunNoNewItemsCompletesWithZeroCounts(t *testing.T) {
	factory := func(seed *domain.WorkingGraph) extraction.Engine {
		return &fakeEngine{seed: seed}
	}
	f := newFixture(t, factory)
	ctx := context.Background()

	if err := New().Run(runtime.NewContext(ctx, f.job, f.deps)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	task, _ := f.taskSvc.Get(ctx, f.task.ID)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.EntitiesCount != 0 || task.RelationsCount != 0 {
		t.Fatalf("counts = (%d, %d), want (0, 0)", task.EntitiesCount, task.RelationsCount)
	}
	stats, _ := f.store.Stats(ctx, &f.scope.ID)
	if stats.TotalEntities != 2 || stats.TotalRelations != 1 {
		t.Fatalf("store grew unexpectedly: (%d, %d)", stats.TotalEntities, stats.TotalRelations)
	}
}

func TestRunExtractionFailureFailsTaskAndDocument(t *testing.T) {
	factory := func(seed *domain.WorkingGraph) extraction.Engine {
		return &fakeEngine{seed: seed, err: errors.New("model unavailable")}
	}
	f := newFixture(t, factory)
	ctx := context.Background()

	if err := New().Run(runtime.NewContext(ctx, f.job, f.deps)); err == nil {
		t.Fatalf("Run succeeded, want error")
	}
	task, _ := f.taskSvc.Get(ctx, f.task.ID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", task.Status)
	}
	if task.Error == "" {
		t.Fatalf("task error empty")
	}
	doc, _ := f.deps.Documents.GetByID(dbctx.Context{Ctx: ctx}, f.doc.ID)
	if doc.Status != domain.DocumentFailed {
		t.Fatalf("document status = %s, want failed", doc.Status)
	}
	// Failed extraction persists nothing.
	stats, _ := f.store.Stats(ctx, &f.scope.ID)
	if stats.TotalEntities != 2 {
		t.Fatalf("store changed after failure: %d entities", stats.TotalEntities)
	}
}

func TestRunTimeoutMessage(t *testing.T) {
	factory := func(seed *domain.WorkingGraph) extraction.Engine {
		return &fakeEngine{seed: seed, err: context.DeadlineExceeded}
	}
	f := newFixture(t, factory)
	ctx := context.Background()

	if err := New().Run(runtime.NewContext(ctx, f.job, f.deps)); err == nil {
		t.Fatalf("Run succeeded, want error")
	}
	task, _ := f.taskSvc.Get(ctx, f.task.ID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", task.Status)
	}
	if task.Error == "" || !strings.Contains(task.Error, "time limit") {
		t.Fatalf("timeout error message = %q", task.Error)
	}
}

func TestRunSkipsCanceledTask(t *testing.T) {
	factory := func(seed *domain.WorkingGraph) extraction.Engine {
		t.Fatalf("engine constructed for canceled task")
		return nil
	}
	f := newFixture(t, factory)
	ctx := context.Background()

	if err := f.taskSvc.Cancel(ctx, f.task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := New().Run(runtime.NewContext(ctx, f.job, f.deps)); err != nil {
		t.Fatalf("Run on canceled task: %v", err)
	}
	task, _ := f.taskSvc.Get(ctx, f.task.ID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("canceled task status = %s", task.Status)
	}
}

func TestRunMissingDocument(t *testing.T) {
	factory := func(seed *domain.WorkingGraph) extraction.Engine {
		return &fakeEngine{seed: seed}
	}
	f := newFixture(t, factory)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	if err := f.deps.Documents.Delete(dbc, f.doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := New().Run(runtime.NewContext(ctx, f.job, f.deps)); err == nil {
		t.Fatalf("Run succeeded for missing document")
	}
	task, _ := f.taskSvc.Get(ctx, f.task.ID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", task.Status)
	}
}
