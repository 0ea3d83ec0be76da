package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos/testutil"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
)

func taskFixture(t *testing.T) (TaskRepo, DocumentRepo, dbctx.Context) {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	return NewTaskRepo(gdb, log), NewDocumentRepo(gdb, log), dbctx.Context{Ctx: context.Background()}
}

func TestUpdateFieldsWhereStatusGuards(t *testing.T) {
	repo, _, dbc := taskFixture(t)

	task, err := repo.Create(dbc, &domain.Task{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("default status = %s", task.Status)
	}

	ok, err := repo.UpdateFieldsWhereStatus(dbc, task.ID,
		[]domain.TaskStatus{domain.TaskPending},
		map[string]interface{}{"status": domain.TaskProcessing})
	if err != nil || !ok {
		t.Fatalf("guarded update = (%v, %v), want (true, nil)", ok, err)
	}

	// Same guard again: status is no longer pending.
	ok, err = repo.UpdateFieldsWhereStatus(dbc, task.ID,
		[]domain.TaskStatus{domain.TaskPending},
		map[string]interface{}{"status": domain.TaskProcessing})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if ok {
		t.Fatalf("guard matched a non-pending row")
	}

	// Multi-status guard.
	ok, _ = repo.UpdateFieldsWhereStatus(dbc, task.ID,
		[]domain.TaskStatus{domain.TaskPending, domain.TaskProcessing},
		map[string]interface{}{"status": domain.TaskFailed})
	if !ok {
		t.Fatalf("multi-status guard did not match")
	}

	got, _ := repo.GetByID(dbc, task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestLatestByDocument(t *testing.T) {
	repo, docs, dbc := taskFixture(t)

	doc, _ := docs.Create(dbc, &domain.Document{
		ScopeID:          uuid.New(),
		Filename:         "a.txt",
		OriginalFilename: "a.txt",
		FilePath:         "/tmp/a.txt",
	})

	if task, err := repo.LatestByDocument(dbc, doc.ID); err != nil || task != nil {
		t.Fatalf("no tasks yet = (%v, %v), want (nil, nil)", task, err)
	}

	_, _ = repo.Create(dbc, &domain.Task{DocumentID: &doc.ID, Status: domain.TaskFailed})
	second, _ := repo.Create(dbc, &domain.Task{DocumentID: &doc.ID})
	// Force distinct created_at ordering under sqlite's timestamp precision.
	if err := repo.UpdateFields(dbc, second.ID, map[string]interface{}{
		"created_at": second.CreatedAt.Add(time.Second),
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	latest, err := repo.LatestByDocument(dbc, doc.ID)
	if err != nil {
		t.Fatalf("LatestByDocument: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatalf("latest = %v, want %s", latest, second.ID)
	}
}

func TestDeleteByScope(t *testing.T) {
	repo, docs, dbc := taskFixture(t)

	scopeA := uuid.New()
	scopeB := uuid.New()
	docA, _ := docs.Create(dbc, &domain.Document{ScopeID: scopeA, Filename: "a", OriginalFilename: "a", FilePath: "/tmp/a"})
	docB, _ := docs.Create(dbc, &domain.Document{ScopeID: scopeB, Filename: "b", OriginalFilename: "b", FilePath: "/tmp/b"})
	_, _ = repo.Create(dbc, &domain.Task{DocumentID: &docA.ID})
	_, _ = repo.Create(dbc, &domain.Task{DocumentID: &docB.ID})

	if err := repo.DeleteByScope(dbc, scopeA); err != nil {
		t.Fatalf("DeleteByScope: %v", err)
	}
	if task, _ := repo.LatestByDocument(dbc, docA.ID); task != nil {
		t.Fatalf("scope A task survived")
	}
	if task, _ := repo.LatestByDocument(dbc, docB.ID); task == nil {
		t.Fatalf("scope B task deleted")
	}
}
