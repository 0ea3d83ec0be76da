package repos

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

const DefaultScopeName = "Default Knowledge Graph"

type ScopeRepo interface {
	Create(dbc dbctx.Context, scope *domain.Scope) (*domain.Scope, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Scope, error)
	GetByName(dbc dbctx.Context, name string) (*domain.Scope, error)
	List(dbc dbctx.Context) ([]*domain.Scope, error)
	EnsureDefault(dbc dbctx.Context) (*domain.Scope, error)
	SetDefault(dbc dbctx.Context, id uuid.UUID) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateCounters(dbc dbctx.Context, id uuid.UUID, entities, relations, documents int) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type scopeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScopeRepo(db *gorm.DB, baseLog *logger.Logger) ScopeRepo {
	return &scopeRepo{db: db, log: baseLog.With("repo", "ScopeRepo")}
}

func (r *scopeRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *scopeRepo) Create(dbc dbctx.Context, scope *domain.Scope) (*domain.Scope, error) {
	if scope == nil {
		return nil, fmt.Errorf("%w: nil scope", apperr.ErrValidation)
	}
	scope.Name = strings.TrimSpace(scope.Name)
	if scope.Name == "" {
		return nil, fmt.Errorf("%w: scope name required", apperr.ErrValidation)
	}
	if scope.ID == uuid.Nil {
		scope.ID = uuid.New()
	}

	existing, err := r.GetByName(dbc, scope.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: scope %q", apperr.ErrDuplicateName, scope.Name)
	}

	if err := r.handle(dbc).Create(scope).Error; err != nil {
		return nil, err
	}
	return scope, nil
}

func (r *scopeRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Scope, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var scope domain.Scope
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&scope).Error
	if err != nil {
		return nil, err
	}
	if scope.ID == uuid.Nil {
		return nil, nil
	}
	return &scope, nil
}

func (r *scopeRepo) GetByName(dbc dbctx.Context, name string) (*domain.Scope, error) {
	var scope domain.Scope
	err := r.handle(dbc).Where("name = ?", name).Limit(1).Find(&scope).Error
	if err != nil {
		return nil, err
	}
	if scope.ID == uuid.Nil {
		return nil, nil
	}
	return &scope, nil
}

func (r *scopeRepo) List(dbc dbctx.Context) ([]*domain.Scope, error) {
	var out []*domain.Scope
	err := r.handle(dbc).
		Order("is_default DESC").
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureDefault lazily creates the default scope on first use. Creation is
// transactional so the scope never partially exists.
func (r *scopeRepo) EnsureDefault(dbc dbctx.Context) (*domain.Scope, error) {
	var scope domain.Scope
	err := r.handle(dbc).Where("is_default = ?", true).Limit(1).Find(&scope).Error
	if err != nil {
		return nil, err
	}
	if scope.ID != uuid.Nil {
		return &scope, nil
	}

	scope = domain.Scope{
		ID:          uuid.New(),
		Name:        DefaultScopeName,
		Description: "Created automatically on first use",
		IsDefault:   true,
	}
	if err := r.handle(dbc).Create(&scope).Error; err != nil {
		return nil, err
	}
	r.log.Info("Created default scope", "scope_id", scope.ID)
	return &scope, nil
}

func (r *scopeRepo) SetDefault(dbc dbctx.Context, id uuid.UUID) error {
	return r.handle(dbc).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Scope{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.Scope{}).
			Where("id = ?", id).
			Update("is_default", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: scope %s", apperr.ErrNotFound, id)
		}
		return nil
	})
}

func (r *scopeRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).
		Model(&domain.Scope{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *scopeRepo) UpdateCounters(dbc dbctx.Context, id uuid.UUID, entities, relations, documents int) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{
		"entity_count":   entities,
		"relation_count": relations,
		"document_count": documents,
	})
}

func (r *scopeRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).Where("id = ?", id).Delete(&domain.Scope{}).Error
}
