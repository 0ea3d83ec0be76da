package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/jobs/runtime"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

const (
	staleRunning      = 30 * time.Minute
	heartbeatInterval = 30 * time.Second
)

// Worker claims queue jobs and dispatches them to registered handlers.
// Claims use row locks so any number of replicas can poll the same table;
// a job lost to a dead worker is reclaimed once its heartbeat goes stale.
type Worker struct {
	log      *logger.Logger
	registry *runtime.Registry
	deps     runtime.Deps
}

func New(baseLog *logger.Logger, registry *runtime.Registry, deps runtime.Deps) *Worker {
	return &Worker{
		log:      baseLog.With("component", "JobWorker"),
		registry: registry,
		deps:     deps,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := w.deps.Cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting job worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	interval := w.deps.Cfg.Worker.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.deps.Queue.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.execute(ctx, workerID, job)
		}
	}
}

func (w *Worker) execute(ctx context.Context, workerID int, job *domain.QueueJob) {
	h, ok := w.registry.Get(job.Kind)
	if !ok {
		w.log.Warn("No handler registered for job kind",
			"worker_id", workerID, "kind", job.Kind, "job_id", job.ID)
		_ = w.deps.Queue.MarkFailed(dbctx.Context{Ctx: ctx}, job.ID,
			"no handler registered for kind="+job.Kind)
		_ = w.deps.Tasks.Fail(ctx, job.TaskID, "Internal error: no handler for job")
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, job.ID)
	defer stopHeartbeat()

	jc := runtime.NewContext(ctx, job, w.deps)

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic",
					"worker_id", workerID, "job_id", job.ID, "kind", job.Kind, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return h.Run(jc)
	}()

	if runErr != nil {
		// Handlers fail their own task with a specific message; this is
		// the safety net for panics and handler bugs.
		_ = w.deps.Tasks.Fail(ctx, job.TaskID, runErr.Error())
		if err := w.deps.Queue.MarkFailed(dbctx.Context{Ctx: ctx}, job.ID, runErr.Error()); err != nil {
			w.log.Warn("MarkFailed failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := w.deps.Queue.MarkDone(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
		w.log.Warn("MarkDone failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID uuid.UUID) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.deps.Queue.Heartbeat(dbctx.Context{Ctx: ctx}, jobID); err != nil {
				w.log.Warn("Heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
