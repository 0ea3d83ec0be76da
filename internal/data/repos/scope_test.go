package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos/testutil"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
)

func scopeFixture(t *testing.T) (ScopeRepo, dbctx.Context) {
	t.Helper()
	gdb := testutil.DB(t)
	return NewScopeRepo(gdb, testutil.Logger(t)), dbctx.Context{Ctx: context.Background()}
}

func TestScopeCreateRejectsDuplicates(t *testing.T) {
	repo, dbc := scopeFixture(t)

	if _, err := repo.Create(dbc, &domain.Scope{Name: "Research"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := repo.Create(dbc, &domain.Scope{Name: "Research"})
	if !errors.Is(err, apperr.ErrDuplicateName) {
		t.Fatalf("duplicate create = %v, want ErrDuplicateName", err)
	}
	_, err = repo.Create(dbc, &domain.Scope{Name: "   "})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("blank name = %v, want ErrValidation", err)
	}
}

func TestEnsureDefaultIsLazyAndStable(t *testing.T) {
	repo, dbc := scopeFixture(t)

	first, err := repo.EnsureDefault(dbc)
	if err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}
	if !first.IsDefault || first.Name != DefaultScopeName {
		t.Fatalf("default scope = %+v", first)
	}

	second, err := repo.EnsureDefault(dbc)
	if err != nil {
		t.Fatalf("EnsureDefault again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second EnsureDefault created a new scope")
	}
}

func TestSetDefaultMovesFlag(t *testing.T) {
	repo, dbc := scopeFixture(t)

	def, _ := repo.EnsureDefault(dbc)
	other, _ := repo.Create(dbc, &domain.Scope{Name: "Research"})

	if err := repo.SetDefault(dbc, other.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	old, _ := repo.GetByID(dbc, def.ID)
	if old.IsDefault {
		t.Fatalf("previous default still flagged")
	}
	got, _ := repo.GetByID(dbc, other.ID)
	if !got.IsDefault {
		t.Fatalf("new default not flagged")
	}

	if err := repo.SetDefault(dbc, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("SetDefault unknown = %v, want ErrNotFound", err)
	}
	// The failed call must not have cleared the current default.
	got, _ = repo.GetByID(dbc, other.ID)
	if !got.IsDefault {
		t.Fatalf("default flag lost after failed SetDefault")
	}
}

func TestScopeListOrdersDefaultFirst(t *testing.T) {
	repo, dbc := scopeFixture(t)

	_, _ = repo.Create(dbc, &domain.Scope{Name: "Alpha"})
	_, _ = repo.Create(dbc, &domain.Scope{Name: "Beta"})
	def, _ := repo.EnsureDefault(dbc)

	list, err := repo.List(dbc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != def.ID {
		t.Fatalf("default not listed first")
	}
}
