package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

type QueueJobRepo interface {
	Create(dbc dbctx.Context, jobs []*domain.QueueJob) ([]*domain.QueueJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.QueueJob, error)
	// ClaimNextRunnable atomically claims the oldest queued job, or a
	// running job whose heartbeat went stale (worker crash). Failed jobs are
	// never re-claimed: retry is an explicit resubmission by the caller.
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*domain.QueueJob, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	MarkDone(dbc dbctx.Context, id uuid.UUID) error
	MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) error
	// CancelIfQueued revokes a job that has not been claimed yet. Returns
	// false when the job was already picked up (or gone); cancellation of
	// dispatched work is best-effort only.
	CancelIfQueued(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type queueJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueJobRepo(db *gorm.DB, baseLog *logger.Logger) QueueJobRepo {
	return &queueJobRepo{db: db, log: baseLog.With("repo", "QueueJobRepo")}
}

func (r *queueJobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *queueJobRepo) Create(dbc dbctx.Context, jobs []*domain.QueueJob) ([]*domain.QueueJob, error) {
	if len(jobs) == 0 {
		return []*domain.QueueJob{}, nil
	}
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		if j.Status == "" {
			j.Status = domain.JobQueued
		}
	}
	if err := r.handle(dbc).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *queueJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.QueueJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.QueueJob
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *queueJobRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*domain.QueueJob, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *domain.QueueJob
	err := r.handle(dbc).Transaction(func(tx *gorm.DB) error {
		var job domain.QueueJob
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, domain.JobQueued, domain.JobRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := tx.Model(&domain.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       domain.JobRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *queueJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now()
	return r.handle(dbc).Model(&domain.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *queueJobRepo) MarkDone(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now()
	return r.handle(dbc).Model(&domain.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.JobDone,
			"locked_at":  nil,
			"updated_at": now,
		}).Error
}

func (r *queueJobRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) error {
	now := time.Now()
	return r.handle(dbc).Model(&domain.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.JobFailed,
			"error":         errMsg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		}).Error
}

func (r *queueJobRepo) CancelIfQueued(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.handle(dbc).Model(&domain.QueueJob{}).
		Where("id = ? AND status = ?", id, domain.JobQueued).
		Updates(map[string]interface{}{
			"status":     domain.JobCanceled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
