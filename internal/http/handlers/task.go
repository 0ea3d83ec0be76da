package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/http/response"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
	"github.com/graphforge/graphforge-backend/internal/tasks"
)

type TaskHandler struct {
	log      *logger.Logger
	taskRepo repos.TaskRepo
	tasks    *tasks.Coordinator
}

func NewTaskHandler(baseLog *logger.Logger, taskRepo repos.TaskRepo, coordinator *tasks.Coordinator) *TaskHandler {
	return &TaskHandler{
		log:      baseLog.With("handler", "TaskHandler"),
		taskRepo: taskRepo,
		tasks:    coordinator,
	}
}

func (h *TaskHandler) List(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	status := domain.TaskStatus(c.Query("status"))
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	list, total, err := h.taskRepo.List(dbc, status, limit, offset)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": list, "total": total})
}

func (h *TaskHandler) Get(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, task)
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	if err := h.tasks.Cancel(c.Request.Context(), id); err != nil {
		response.RespondAppError(c, err)
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, task)
}

// Stream serves task progress as server-sent events. Snapshots arrive as
// `progress` events whenever status or progress changed; the terminal
// snapshot is sent as `complete` and the stream closes. Unknown ids get a
// single `error` event.
func (h *TaskHandler) Stream(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", nil)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for ev := range h.tasks.Subscribe(ctx, id) {
		name := "progress"
		if !ev.Found {
			name = "error"
		} else if ev.Status.Terminal() {
			name = "complete"
		}
		if err := writeSSE(c.Writer, name, ev); err != nil {
			h.log.Debug("SSE client gone", "task_id", id, "error", err)
			return
		}
		flusher.Flush()
	}
}

func (h *TaskHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return uuid.Nil, false
	}
	return id, true
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	return err
}
