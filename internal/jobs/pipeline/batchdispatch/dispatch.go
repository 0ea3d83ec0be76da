// Package batchdispatch fans a batch build out into one document_build job
// per document. The umbrella task tracks submission progress only; each
// document's build is observed through its own task.
package batchdispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/jobs/runtime"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/tasks"
)

type Dispatcher struct{}

func New() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) Kind() string { return domain.JobKindBatchDispatch }

func (d *Dispatcher) Run(jc *runtime.Context) error {
	deps := jc.Deps
	taskID := jc.Job.TaskID

	docIDs := jc.PayloadUUIDs("document_ids")
	if len(docIDs) == 0 {
		msg := "Batch payload contains no document ids"
		_ = deps.Tasks.Fail(jc.Ctx, taskID, msg)
		return errors.New(msg)
	}

	// Duplicate deliveries of the same job tolerate an umbrella that is
	// already processing; redelivery after a worker crash mid-dispatch picks
	// the batch back up. A terminal umbrella means the batch was canceled or
	// finished and there is nothing left to do.
	if err := deps.Tasks.Start(jc.Ctx, taskID); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			task, gerr := deps.Tasks.Get(jc.Ctx, taskID)
			if gerr != nil {
				return gerr
			}
			if task.Status.Terminal() {
				deps.Log.Info("Skipping dispatch for terminal task", "task_id", taskID, "status", task.Status)
				return nil
			}
		} else {
			return err
		}
	}

	submitted := 0
	for _, docID := range docIDs {
		if err := d.submit(jc, docID); err != nil {
			deps.Log.Warn("Batch submit failed for document",
				"task_id", taskID, "document_id", docID, "error", err)
			continue
		}
		submitted++

		_ = deps.Tasks.ReportProgress(jc.Ctx, taskID, tasks.ProgressUpdate{
			Progress: float64(submitted) / float64(len(docIDs)),
			Step:     "dispatch",
			Message:  fmt.Sprintf("Submitted %d of %d documents", submitted, len(docIDs)),
		})
	}

	if submitted == 0 {
		msg := "No documents could be submitted"
		_ = deps.Tasks.Fail(jc.Ctx, taskID, msg)
		return errors.New(msg)
	}

	// The umbrella task completes at dispatch time; per-document tasks
	// carry the build lifecycle from here.
	return deps.Tasks.Complete(jc.Ctx, taskID, tasks.Completion{
		Message: fmt.Sprintf("Dispatched %d of %d documents", submitted, len(docIDs)),
	})
}

func (d *Dispatcher) submit(jc *runtime.Context, docID uuid.UUID) error {
	deps := jc.Deps

	doc, err := deps.Documents.GetByID(dbctx.Context{Ctx: jc.Ctx}, docID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", docID)
	}

	task, err := deps.Tasks.Create(jc.Ctx, &docID)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"document_id": docID.String()})
	jobs, err := deps.Queue.Create(dbctx.Context{Ctx: jc.Ctx}, []*domain.QueueJob{{
		Kind:       domain.JobKindDocumentBuild,
		TaskID:     task.ID,
		DocumentID: &docID,
		ScopeID:    &doc.ScopeID,
		Status:     domain.JobQueued,
		Payload:    datatypes.JSON(payload),
	}})
	if err != nil {
		return err
	}
	return deps.Tasks.AttachQueueJob(jc.Ctx, task.ID, jobs[0].ID)
}
