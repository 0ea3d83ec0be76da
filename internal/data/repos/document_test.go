package repos

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos/testutil"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
)

func newDocumentFixture(t *testing.T) (DocumentRepo, ScopeRepo, dbctx.Context) {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	return NewDocumentRepo(gdb, log), NewScopeRepo(gdb, log), dbctx.Context{Ctx: context.Background()}
}

func TestDocumentCreateDefaults(t *testing.T) {
	docs, scopes, dbc := newDocumentFixture(t)
	scope, err := scopes.EnsureDefault(dbc)
	if err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}

	doc, err := docs.Create(dbc, &domain.Document{
		ScopeID:  scope.ID,
		Filename: "notes.txt",
		FilePath: "/tmp/notes.txt",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if doc.ID == uuid.Nil {
		t.Fatalf("id not assigned")
	}
	if doc.Status != domain.DocumentPending {
		t.Fatalf("status = %s, want pending", doc.Status)
	}
}

func TestDocumentListByScopeFiltersStatus(t *testing.T) {
	docs, scopes, dbc := newDocumentFixture(t)
	a, err := scopes.Create(dbc, &domain.Scope{Name: "A"})
	if err != nil {
		t.Fatalf("create scope: %v", err)
	}
	b, err := scopes.Create(dbc, &domain.Scope{Name: "B"})
	if err != nil {
		t.Fatalf("create scope: %v", err)
	}

	for i, scopeID := range []uuid.UUID{a.ID, a.ID, b.ID} {
		doc := &domain.Document{ScopeID: scopeID, Filename: "doc.txt", FilePath: "/tmp/doc.txt"}
		if _, err := docs.Create(dbc, doc); err != nil {
			t.Fatalf("create doc %d: %v", i, err)
		}
		if i == 1 {
			if err := docs.SetStatus(dbc, doc.ID, domain.DocumentCompleted); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
		}
	}

	pending, err := docs.ListByScope(dbc, a.ID, domain.DocumentPending)
	if err != nil {
		t.Fatalf("ListByScope: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending in scope A = %d, want 1", len(pending))
	}

	n, err := docs.CountByScope(dbc, a.ID)
	if err != nil {
		t.Fatalf("CountByScope: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountByScope(A) = %d, want 2", n)
	}
}

func TestDocumentSetStatusStampsCompletedAt(t *testing.T) {
	docs, scopes, dbc := newDocumentFixture(t)
	scope, _ := scopes.EnsureDefault(dbc)

	doc, err := docs.Create(dbc, &domain.Document{ScopeID: scope.ID, Filename: "x.txt", FilePath: "/tmp/x.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := docs.SetStatus(dbc, doc.ID, domain.DocumentProcessing); err != nil {
		t.Fatalf("SetStatus processing: %v", err)
	}
	got, _ := docs.GetByID(dbc, doc.ID)
	if got.CompletedAt != nil {
		t.Fatalf("completed_at set on non-terminal status")
	}

	if err := docs.SetStatus(dbc, doc.ID, domain.DocumentFailed); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	got, _ = docs.GetByID(dbc, doc.ID)
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not stamped on terminal status")
	}
}

func TestDocumentDelete(t *testing.T) {
	docs, scopes, dbc := newDocumentFixture(t)
	scope, _ := scopes.EnsureDefault(dbc)

	doc, err := docs.Create(dbc, &domain.Document{ScopeID: scope.ID, Filename: "x.txt", FilePath: "/tmp/x.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := docs.Delete(dbc, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := docs.GetByID(dbc, doc.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Fatalf("document still present after delete")
	}
}
