package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *domain.Document) (*domain.Document, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Document, error)
	List(dbc dbctx.Context, status domain.DocumentStatus, limit, offset int) ([]*domain.Document, int64, error)
	ListByScope(dbc dbctx.Context, scopeID uuid.UUID, status domain.DocumentStatus) ([]*domain.Document, error)
	CountByScope(dbc dbctx.Context, scopeID uuid.UUID) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.DocumentStatus) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: baseLog.With("repo", "DocumentRepo")}
}

func (r *documentRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *domain.Document) (*domain.Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = domain.DocumentPending
	}
	if err := r.handle(dbc).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Document, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var doc domain.Document
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}

func (r *documentRepo) List(dbc dbctx.Context, status domain.DocumentStatus, limit, offset int) ([]*domain.Document, int64, error) {
	q := r.handle(dbc).Model(&domain.Document{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*domain.Document
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *documentRepo) ListByScope(dbc dbctx.Context, scopeID uuid.UUID, status domain.DocumentStatus) ([]*domain.Document, error) {
	q := r.handle(dbc).Where("scope_id = ?", scopeID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*domain.Document
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) CountByScope(dbc dbctx.Context, scopeID uuid.UUID) (int64, error) {
	var n int64
	err := r.handle(dbc).Model(&domain.Document{}).
		Where("scope_id = ?", scopeID).
		Count(&n).Error
	return n, err
}

func (r *documentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Document{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *documentRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.DocumentStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == domain.DocumentCompleted || status == domain.DocumentFailed {
		updates["completed_at"] = time.Now()
	}
	return r.UpdateFields(dbc, id, updates)
}

func (r *documentRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).Where("id = ?", id).Delete(&domain.Document{}).Error
}
