package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/http/response"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
	"github.com/graphforge/graphforge-backend/internal/tasks"
)

type DocumentHandler struct {
	log       *logger.Logger
	cfg       config.Upload
	documents repos.DocumentRepo
	scopes    repos.ScopeRepo
	taskRepo  repos.TaskRepo
	queue     repos.QueueJobRepo
	tasks     *tasks.Coordinator
}

func NewDocumentHandler(
	baseLog *logger.Logger,
	cfg config.Upload,
	documents repos.DocumentRepo,
	scopes repos.ScopeRepo,
	taskRepo repos.TaskRepo,
	queue repos.QueueJobRepo,
	coordinator *tasks.Coordinator,
) *DocumentHandler {
	return &DocumentHandler{
		log:       baseLog.With("handler", "DocumentHandler"),
		cfg:       cfg,
		documents: documents,
		scopes:    scopes,
		taskRepo:  taskRepo,
		queue:     queue,
		tasks:     coordinator,
	}
}

type documentView struct {
	*domain.Document
	LatestTask *domain.Task `json:"latest_task,omitempty"`
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	scope, err := h.resolveScope(dbc, c.PostForm("graph_id"))
	if err != nil {
		response.RespondAppError(c, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !h.allowedExt(ext) {
		response.RespondError(c, http.StatusBadRequest, "unsupported_file_type",
			fmt.Errorf("extension %q is not supported", ext))
		return
	}
	if h.cfg.MaxSizeBytes > 0 && fh.Size > h.cfg.MaxSizeBytes {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Errorf("file exceeds %d bytes", h.cfg.MaxSizeBytes))
		return
	}

	stored := uuid.New().String() + ext
	if err := os.MkdirAll(h.cfg.Dir, 0o755); err != nil {
		response.RespondAppError(c, err)
		return
	}
	dst := filepath.Join(h.cfg.Dir, stored)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		response.RespondAppError(c, err)
		return
	}

	doc, err := h.documents.Create(dbc, &domain.Document{
		ScopeID:          scope.ID,
		Filename:         stored,
		OriginalFilename: fh.Filename,
		FilePath:         dst,
		FileSize:         fh.Size,
		Status:           domain.DocumentPending,
	})
	if err != nil {
		_ = os.Remove(dst)
		response.RespondAppError(c, err)
		return
	}

	h.log.Info("Document uploaded",
		"document_id", doc.ID, "scope_id", scope.ID, "size", fh.Size)
	response.RespondCreated(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	status := domain.DocumentStatus(c.Query("status"))

	docs, total, err := h.documents.List(dbc, status, limit, offset)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	views := make([]documentView, 0, len(docs))
	for _, doc := range docs {
		task, terr := h.taskRepo.LatestByDocument(dbc, doc.ID)
		if terr != nil {
			h.log.Warn("Latest task lookup failed", "document_id", doc.ID, "error", terr)
		}
		views = append(views, documentView{Document: doc, LatestTask: task})
	}
	response.RespondOK(c, gin.H{"documents": views, "total": total})
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, ok := h.loadDocument(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	task, err := h.taskRepo.LatestByDocument(dbc, doc.ID)
	if err != nil {
		h.log.Warn("Latest task lookup failed", "document_id", doc.ID, "error", err)
	}
	response.RespondOK(c, documentView{Document: doc, LatestTask: task})
}

// Start enqueues a build for one document. When enqueueing itself fails the
// task and document are both marked failed so nothing is left dangling in
// pending forever.
func (h *DocumentHandler) Start(c *gin.Context) {
	doc, ok := h.loadDocument(c)
	if !ok {
		return
	}
	task, err := h.submitBuild(c, doc)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task_id": task.ID, "document_id": doc.ID})
}

// BatchBuild submits every pending document of a scope behind one umbrella
// task. The umbrella tracks dispatch only; each document gets its own task.
func (h *DocumentHandler) BatchBuild(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	var req struct {
		GraphID string `json:"graph_id"`
	}
	_ = c.ShouldBindJSON(&req)

	scope, err := h.resolveScope(dbc, req.GraphID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	docs, err := h.documents.ListByScope(dbc, scope.ID, domain.DocumentPending)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	if len(docs) == 0 {
		response.RespondAppError(c,
			fmt.Errorf("%w: no pending documents in graph", apperr.ErrValidation))
		return
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID.String())
	}

	umbrella, err := h.tasks.Create(c.Request.Context(), nil)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}

	payload, _ := json.Marshal(map[string]any{"document_ids": ids})
	jobs, err := h.queue.Create(dbc, []*domain.QueueJob{{
		Kind:    domain.JobKindBatchDispatch,
		TaskID:  umbrella.ID,
		ScopeID: &scope.ID,
		Status:  domain.JobQueued,
		Payload: datatypes.JSON(payload),
	}})
	if err != nil {
		_ = h.tasks.Fail(c.Request.Context(), umbrella.ID, "Batch submission failed: "+err.Error())
		response.RespondAppError(c, err)
		return
	}
	_ = h.tasks.AttachQueueJob(c.Request.Context(), umbrella.ID, jobs[0].ID)

	response.RespondOK(c, gin.H{
		"task_id":      umbrella.ID,
		"graph_id":     scope.ID,
		"document_ids": ids,
		"total":        len(ids),
	})
}

// Delete removes the document row, its tasks and its stored file. Graph
// data already extracted from the document stays; clearing the scope is the
// way to drop that.
func (h *DocumentHandler) Delete(c *gin.Context) {
	doc, ok := h.loadDocument(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	if err := h.taskRepo.DeleteByDocument(dbc, doc.ID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	if err := h.documents.Delete(dbc, doc.ID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			h.log.Warn("Stored file removal failed", "path", doc.FilePath, "error", err)
		}
	}
	response.RespondOK(c, gin.H{"deleted": doc.ID})
}

func (h *DocumentHandler) submitBuild(c *gin.Context, doc *domain.Document) (*domain.Task, error) {
	ctx := c.Request.Context()
	dbc := dbctx.Context{Ctx: ctx}

	task, err := h.tasks.Create(ctx, &doc.ID)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"document_id": doc.ID.String()})
	jobs, err := h.queue.Create(dbc, []*domain.QueueJob{{
		Kind:       domain.JobKindDocumentBuild,
		TaskID:     task.ID,
		DocumentID: &doc.ID,
		ScopeID:    &doc.ScopeID,
		Status:     domain.JobQueued,
		Payload:    datatypes.JSON(payload),
	}})
	if err != nil {
		_ = h.tasks.Fail(ctx, task.ID, "Build submission failed: "+err.Error())
		_ = h.documents.SetStatus(dbc, doc.ID, domain.DocumentFailed)
		return nil, err
	}
	if err := h.tasks.AttachQueueJob(ctx, task.ID, jobs[0].ID); err != nil {
		h.log.Warn("Queue job attach failed", "task_id", task.ID, "error", err)
	}
	return task, nil
}

func (h *DocumentHandler) resolveScope(dbc dbctx.Context, raw string) (*domain.Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.scopes.EnsureDefault(dbc)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid graph_id", apperr.ErrValidation)
	}
	scope, err := h.scopes.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		return nil, fmt.Errorf("%w: graph %s", apperr.ErrNotFound, id)
	}
	return scope, nil
}

func (h *DocumentHandler) allowedExt(ext string) bool {
	for _, allowed := range h.cfg.AllowedExts {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (h *DocumentHandler) loadDocument(c *gin.Context) (*domain.Document, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return nil, false
	}
	doc, err := h.documents.GetByID(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAppError(c, err)
		return nil, false
	}
	if doc == nil {
		response.RespondAppError(c, fmt.Errorf("%w: document %s", apperr.ErrNotFound, id))
		return nil, false
	}
	return doc, true
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
