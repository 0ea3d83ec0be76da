package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/graph"
	"github.com/graphforge/graphforge-backend/internal/http/response"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

type ScopeHandler struct {
	log       *logger.Logger
	scopes    repos.ScopeRepo
	documents repos.DocumentRepo
	taskRepo  repos.TaskRepo
	store     graph.Store
}

func NewScopeHandler(
	baseLog *logger.Logger,
	scopes repos.ScopeRepo,
	documents repos.DocumentRepo,
	taskRepo repos.TaskRepo,
	store graph.Store,
) *ScopeHandler {
	return &ScopeHandler{
		log:       baseLog.With("handler", "ScopeHandler"),
		scopes:    scopes,
		documents: documents,
		taskRepo:  taskRepo,
		store:     store,
	}
}

type scopeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *ScopeHandler) List(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if _, err := h.scopes.EnsureDefault(dbc); err != nil {
		response.RespondAppError(c, err)
		return
	}
	scopes, err := h.scopes.List(dbc)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"graphs": scopes, "total": len(scopes)})
}

func (h *ScopeHandler) Create(c *gin.Context) {
	var req scopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	scope, err := h.scopes.Create(dbctx.Context{Ctx: c.Request.Context()}, &domain.Scope{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondCreated(c, scope)
}

func (h *ScopeHandler) Get(c *gin.Context) {
	scope, ok := h.load(c)
	if !ok {
		return
	}
	response.RespondOK(c, scope)
}

func (h *ScopeHandler) Update(c *gin.Context) {
	scope, ok := h.load(c)
	if !ok {
		return
	}
	// Description is a pointer so a rename-only body leaves it untouched.
	var req struct {
		Name        string  `json:"name"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	updates := map[string]interface{}{}
	name := strings.TrimSpace(req.Name)
	if name != "" && name != scope.Name {
		if scope.IsDefault {
			response.RespondAppError(c,
				fmt.Errorf("%w: the default graph cannot be renamed", apperr.ErrInvalidState))
			return
		}
		existing, err := h.scopes.GetByName(dbc, name)
		if err != nil {
			response.RespondAppError(c, err)
			return
		}
		if existing != nil {
			response.RespondAppError(c, fmt.Errorf("%w: scope %q", apperr.ErrDuplicateName, name))
			return
		}
		updates["name"] = name
	}
	if req.Description != nil && *req.Description != scope.Description {
		updates["description"] = *req.Description
	}

	if len(updates) > 0 {
		if err := h.scopes.UpdateFields(dbc, scope.ID, updates); err != nil {
			response.RespondAppError(c, err)
			return
		}
	}
	updated, err := h.scopes.GetByID(dbc, scope.ID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, updated)
}

// Delete removes an empty, non-default scope and purges its graph data.
// Scopes with documents must be emptied first so no build output is ever
// dropped by accident.
func (h *ScopeHandler) Delete(c *gin.Context) {
	scope, ok := h.load(c)
	if !ok {
		return
	}
	if scope.IsDefault {
		response.RespondAppError(c,
			fmt.Errorf("%w: the default graph cannot be deleted", apperr.ErrInvalidState))
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	docs, err := h.documents.CountByScope(dbc, scope.ID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	if docs > 0 {
		response.RespondAppError(c,
			fmt.Errorf("%w: graph still has %d documents", apperr.ErrInvalidState, docs))
		return
	}

	if _, err := h.store.ClearScope(c.Request.Context(), scope.ID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	if err := h.scopes.Delete(dbc, scope.ID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": scope.ID})
}

func (h *ScopeHandler) SetDefault(c *gin.Context) {
	scope, ok := h.load(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.scopes.SetDefault(dbc, scope.ID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	updated, err := h.scopes.GetByID(dbc, scope.ID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, updated)
}

// Clear drops the scope's graph data, resets its documents to pending and
// deletes their task history. The scope itself survives.
func (h *ScopeHandler) Clear(c *gin.Context) {
	scope, ok := h.load(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	cleared, err := h.store.ClearScope(c.Request.Context(), scope.ID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	if err := h.taskRepo.DeleteByScope(dbc, scope.ID); err != nil {
		response.RespondAppError(c, err)
		return
	}
	docs, err := h.documents.ListByScope(dbc, scope.ID, "")
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	for _, doc := range docs {
		if err := h.documents.UpdateFields(dbc, doc.ID, map[string]interface{}{
			"status":       domain.DocumentPending,
			"completed_at": nil,
		}); err != nil {
			h.log.Warn("Document reset failed", "document_id", doc.ID, "error", err)
		}
	}
	if err := h.scopes.UpdateCounters(dbc, scope.ID, 0, 0, len(docs)); err != nil {
		h.log.Warn("Counter reset failed", "scope_id", scope.ID, "error", err)
	}

	response.RespondOK(c, gin.H{
		"graph_id":          scope.ID,
		"nodes_deleted":     cleared.NodesDeleted,
		"relations_deleted": cleared.RelationsDeleted,
		"documents_reset":   len(docs),
	})
}

func (h *ScopeHandler) load(c *gin.Context) (*domain.Scope, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return nil, false
	}
	scope, err := h.scopes.GetByID(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAppError(c, err)
		return nil, false
	}
	if scope == nil {
		response.RespondAppError(c, fmt.Errorf("%w: graph %s", apperr.ErrNotFound, id))
		return nil, false
	}
	return scope, true
}
