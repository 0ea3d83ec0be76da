package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	List(dbc dbctx.Context, status domain.TaskStatus, limit, offset int) ([]*domain.Task, int64, error)
	// LatestByDocument answers "current task for document" as an explicit
	// lookup; documents never store a task back-pointer.
	LatestByDocument(dbc dbctx.Context, documentID uuid.UUID) (*domain.Task, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsWhereStatus applies updates only when the row's current
	// status is one of allowed. Returns false when no row matched, which is
	// how state-machine guards detect illegal transitions.
	UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, allowed []domain.TaskStatus, updates map[string]interface{}) (bool, error)
	DeleteByDocument(dbc dbctx.Context, documentID uuid.UUID) error
	DeleteByScope(dbc dbctx.Context, scopeID uuid.UUID) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if err := r.handle(dbc).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task domain.Task
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) List(dbc dbctx.Context, status domain.TaskStatus, limit, offset int) ([]*domain.Task, int64, error) {
	q := r.handle(dbc).Model(&domain.Task{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*domain.Task
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *taskRepo) LatestByDocument(dbc dbctx.Context, documentID uuid.UUID) (*domain.Task, error) {
	if documentID == uuid.Nil {
		return nil, nil
	}
	var task domain.Task
	err := r.handle(dbc).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, allowed []domain.TaskStatus, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).
		Model(&domain.Task{}).
		Where("id = ?", id)
	if len(allowed) == 1 {
		q = q.Where("status = ?", allowed[0])
	} else if len(allowed) > 1 {
		q = q.Where("status IN ?", allowed)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) DeleteByDocument(dbc dbctx.Context, documentID uuid.UUID) error {
	if documentID == uuid.Nil {
		return nil
	}
	return r.handle(dbc).
		Where("document_id = ?", documentID).
		Delete(&domain.Task{}).Error
}

func (r *taskRepo) DeleteByScope(dbc dbctx.Context, scopeID uuid.UUID) error {
	if scopeID == uuid.Nil {
		return nil
	}
	sub := r.handle(dbc).Model(&domain.Document{}).
		Select("id").
		Where("scope_id = ?", scopeID)
	return r.handle(dbc).
		Where("document_id IN (?)", sub).
		Delete(&domain.Task{}).Error
}
