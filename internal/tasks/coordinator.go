// Package tasks owns the task lifecycle: pending, processing, completed,
// failed. All status writes go through guarded conditional updates so races
// between workers, cancels, and duplicate job deliveries resolve in the
// database rather than in memory.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

// Publisher pushes task events to out-of-process listeners. Publishing is
// best effort; the database remains the source of truth for subscribers.
type Publisher interface {
	PublishTaskEvent(ctx context.Context, event domain.ProgressEvent)
}

// ProgressUpdate carries one progress report. Nil count pointers leave the
// stored counters untouched.
type ProgressUpdate struct {
	Progress       float64
	Step           string
	Message        string
	EntitiesCount  *int
	RelationsCount *int
}

// Completion carries the final accounting for a successful build.
type Completion struct {
	Message        string
	EntitiesCount  int
	RelationsCount int
	InputTokens    int64
	OutputTokens   int64
}

type Coordinator struct {
	tasks        repos.TaskRepo
	queue        repos.QueueJobRepo
	bus          Publisher
	pollInterval time.Duration
	log          *logger.Logger

	mu     sync.Mutex
	wakers map[uuid.UUID][]chan struct{}
}

// NewCoordinator wires the coordinator. bus may be nil; pollInterval governs
// Subscribe's database polling cadence and defaults to one second.
func NewCoordinator(tasks repos.TaskRepo, queue repos.QueueJobRepo, bus Publisher, pollInterval time.Duration, baseLog *logger.Logger) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Coordinator{
		tasks:        tasks,
		queue:        queue,
		bus:          bus,
		pollInterval: pollInterval,
		log:          baseLog.With("component", "TaskCoordinator"),
		wakers:       make(map[uuid.UUID][]chan struct{}),
	}
}

// Create makes a pending task. documentID is nil for umbrella tasks that
// track a whole batch rather than one document.
func (c *Coordinator) Create(ctx context.Context, documentID *uuid.UUID) (*domain.Task, error) {
	task := &domain.Task{
		ID:         uuid.New(),
		DocumentID: documentID,
		Status:     domain.TaskPending,
		Message:    "Task queued",
	}
	return c.tasks.Create(dbctx.Context{Ctx: ctx}, task)
}

// AttachQueueJob records the queue job backing a task so Cancel can
// revoke the job before a worker claims it.
func (c *Coordinator) AttachQueueJob(ctx context.Context, taskID, jobID uuid.UUID) error {
	return c.tasks.UpdateFields(ctx2dbc(ctx), taskID, map[string]interface{}{
		"queue_job_id": jobID,
	})
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := c.tasks.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.ErrNotFound
	}
	return task, nil
}

// Start moves a pending task to processing and stamps started_at exactly
// once. Starting a task in any other state is an invalid transition.
func (c *Coordinator) Start(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	ok, err := c.tasks.UpdateFieldsWhereStatus(ctx2dbc(ctx), id,
		[]domain.TaskStatus{domain.TaskPending},
		map[string]interface{}{
			"status":     domain.TaskProcessing,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
			"message":    "Build started",
		})
	if err != nil {
		return err
	}
	if !ok {
		return c.transitionError(ctx, id)
	}
	c.publish(ctx, id)
	return nil
}

// ReportProgress records an intermediate checkpoint. Only processing tasks
// accept progress; values outside [0,1] are clamped. Monotonicity is the
// caller's contract and is not enforced here.
func (c *Coordinator) ReportProgress(ctx context.Context, id uuid.UUID, upd ProgressUpdate) error {
	updates := map[string]interface{}{
		"progress":     clampProgress(upd.Progress),
		"current_step": upd.Step,
		"message":      upd.Message,
	}
	if upd.EntitiesCount != nil {
		updates["entities_count"] = *upd.EntitiesCount
	}
	if upd.RelationsCount != nil {
		updates["relations_count"] = *upd.RelationsCount
	}

	ok, err := c.tasks.UpdateFieldsWhereStatus(ctx2dbc(ctx), id,
		[]domain.TaskStatus{domain.TaskProcessing}, updates)
	if err != nil {
		return err
	}
	if !ok {
		return c.stateError(ctx, id)
	}
	c.publish(ctx, id)
	return nil
}

// Complete finishes a processing task: progress snaps to 1.0, counters and
// token totals are recorded, completed_at is stamped once. A duplicate
// completion of an already completed task is a no-op so repeated job
// deliveries stay harmless.
func (c *Coordinator) Complete(ctx context.Context, id uuid.UUID, done Completion) error {
	now := time.Now()
	msg := done.Message
	if msg == "" {
		msg = "Build completed"
	}
	ok, err := c.tasks.UpdateFieldsWhereStatus(ctx2dbc(ctx), id,
		[]domain.TaskStatus{domain.TaskProcessing},
		map[string]interface{}{
			"status":          domain.TaskCompleted,
			"progress":        1.0,
			"current_step":    "done",
			"message":         msg,
			"entities_count":  done.EntitiesCount,
			"relations_count": done.RelationsCount,
			"input_tokens":    done.InputTokens,
			"output_tokens":   done.OutputTokens,
			"completed_at":    gorm.Expr("COALESCE(completed_at, ?)", now),
		})
	if err != nil {
		return err
	}
	if !ok {
		task, gerr := c.tasks.GetByID(ctx2dbc(ctx), id)
		if gerr != nil {
			return gerr
		}
		if task == nil {
			return apperr.ErrNotFound
		}
		if task.Status == domain.TaskCompleted {
			return nil
		}
		return apperr.ErrInvalidTransition
	}
	c.publish(ctx, id)
	return nil
}

// Fail moves a pending or processing task to failed. Failing a task that is
// already terminal is a no-op, which makes concurrent failure reports and
// duplicate deliveries safe.
func (c *Coordinator) Fail(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now()
	ok, err := c.tasks.UpdateFieldsWhereStatus(ctx2dbc(ctx), id,
		[]domain.TaskStatus{domain.TaskPending, domain.TaskProcessing},
		map[string]interface{}{
			"status":       domain.TaskFailed,
			"error":        message,
			"message":      message,
			"completed_at": gorm.Expr("COALESCE(completed_at, ?)", now),
		})
	if err != nil {
		return err
	}
	if !ok {
		task, gerr := c.tasks.GetByID(ctx2dbc(ctx), id)
		if gerr != nil {
			return gerr
		}
		if task == nil {
			return apperr.ErrNotFound
		}
		// Already terminal.
		return nil
	}
	c.publish(ctx, id)
	return nil
}

// Cancel aborts a task the user no longer wants. The queued job is revoked
// when it has not been claimed yet; a running build is not interrupted, the
// task is simply marked failed and the worker's late writes bounce off the
// status guard.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	task, err := c.tasks.GetByID(ctx2dbc(ctx), id)
	if err != nil {
		return err
	}
	if task == nil {
		return apperr.ErrNotFound
	}
	if task.Status.Terminal() {
		return apperr.ErrInvalidState
	}

	if task.QueueJobID != nil && c.queue != nil {
		revoked, qerr := c.queue.CancelIfQueued(ctx2dbc(ctx), *task.QueueJobID)
		if qerr != nil {
			c.log.Warn("Queue revoke failed", "task_id", id, "error", qerr)
		} else if revoked {
			c.log.Info("Revoked queued job", "task_id", id, "job_id", *task.QueueJobID)
		}
	}

	return c.Fail(ctx, id, "Task canceled by user")
}

// Subscribe streams progress snapshots for a task until it reaches a
// terminal state or ctx is done. Events are emitted only when progress or
// status changed since the last poll; the terminal snapshot is always
// delivered before the channel closes. An unknown id yields a single event
// with Found set to false.
func (c *Coordinator) Subscribe(ctx context.Context, id uuid.UUID) <-chan domain.ProgressEvent {
	out := make(chan domain.ProgressEvent, 8)
	wake := c.addWaker(id)

	go func() {
		defer close(out)
		defer c.removeWaker(id, wake)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		var last *domain.ProgressEvent
		for {
			task, err := c.tasks.GetByID(ctx2dbc(ctx), id)
			if err != nil {
				c.log.Warn("Subscribe poll failed", "task_id", id, "error", err)
			} else if task == nil {
				send(ctx, out, domain.ProgressEvent{TaskID: id, Found: false})
				return
			} else {
				ev := eventFrom(task)
				if last == nil || ev.Progress != last.Progress || ev.Status != last.Status {
					if !send(ctx, out, ev) {
						return
					}
					last = &ev
				}
				if ev.Terminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
		}
	}()

	return out
}

// Notify wakes any subscribers polling the event's task so they re-read
// state immediately instead of waiting out the poll interval. Fed by the
// Redis forwarder in multi-replica deployments; the database poll remains
// the source of truth, so dropped notifications only cost latency.
func (c *Coordinator) Notify(ev domain.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.wakers[ev.TaskID] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) addWaker(id uuid.UUID) chan struct{} {
	w := make(chan struct{}, 1)
	c.mu.Lock()
	c.wakers[id] = append(c.wakers[id], w)
	c.mu.Unlock()
	return w
}

func (c *Coordinator) removeWaker(id uuid.UUID, w chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.wakers[id][:0]
	for _, other := range c.wakers[id] {
		if other != w {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(c.wakers, id)
	} else {
		c.wakers[id] = remaining
	}
}

func (c *Coordinator) publish(ctx context.Context, id uuid.UUID) {
	if c.bus == nil {
		return
	}
	task, err := c.tasks.GetByID(ctx2dbc(ctx), id)
	if err != nil || task == nil {
		return
	}
	c.bus.PublishTaskEvent(ctx, eventFrom(task))
}

// transitionError distinguishes "no such task" from "wrong current state"
// after a guarded update matched nothing.
func (c *Coordinator) transitionError(ctx context.Context, id uuid.UUID) error {
	task, err := c.tasks.GetByID(ctx2dbc(ctx), id)
	if err != nil {
		return err
	}
	if task == nil {
		return apperr.ErrNotFound
	}
	return apperr.ErrInvalidTransition
}

func (c *Coordinator) stateError(ctx context.Context, id uuid.UUID) error {
	task, err := c.tasks.GetByID(ctx2dbc(ctx), id)
	if err != nil {
		return err
	}
	if task == nil {
		return apperr.ErrNotFound
	}
	return apperr.ErrInvalidState
}

func eventFrom(task *domain.Task) domain.ProgressEvent {
	return domain.ProgressEvent{
		TaskID:         task.ID,
		Found:          true,
		Status:         task.Status,
		Progress:       task.Progress,
		CurrentStep:    task.CurrentStep,
		Message:        task.Message,
		Error:          task.Error,
		EntitiesCount:  task.EntitiesCount,
		RelationsCount: task.RelationsCount,
	}
}

func send(ctx context.Context, out chan<- domain.ProgressEvent, ev domain.ProgressEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func ctx2dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}
