package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/graph"
	"github.com/graphforge/graphforge-backend/internal/http/response"
	"github.com/graphforge/graphforge-backend/internal/pkg/dbctx"
	"github.com/graphforge/graphforge-backend/internal/platform/apperr"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

// GraphQueryHandler serves reads and admin clears against the graph store.
// Read failures degrade: the response is 200 with an empty result and a
// diagnostic, so an unavailable store browses as an empty graph instead of
// erroring the UI.
type GraphQueryHandler struct {
	log    *logger.Logger
	store  graph.Store
	scopes repos.ScopeRepo
}

func NewGraphQueryHandler(baseLog *logger.Logger, store graph.Store, scopes repos.ScopeRepo) *GraphQueryHandler {
	return &GraphQueryHandler{
		log:    baseLog.With("handler", "GraphQueryHandler"),
		store:  store,
		scopes: scopes,
	}
}

func (h *GraphQueryHandler) Stats(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("graph_id"))
	var scopeID *uuid.UUID
	if raw != "" {
		id, ok := h.resolveScopeID(c, raw)
		if !ok {
			return
		}
		scopeID = &id
	}

	stats, err := h.store.Stats(c.Request.Context(), scopeID)
	if degradedErr := h.degrade(c, err, gin.H{"stats": graph.EmptyStats()}); degradedErr {
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

func (h *GraphQueryHandler) Entities(c *gin.Context) {
	scopeID, ok := h.scopeFromQuery(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	byDegree := c.Query("order_by_degree") == "true"

	entities, err := h.store.ListEntities(c.Request.Context(), scopeID, limit, offset, byDegree)
	if h.degrade(c, err, gin.H{"entities": []any{}, "total": 0}) {
		return
	}
	response.RespondOK(c, gin.H{"entities": entities, "total": len(entities)})
}

func (h *GraphQueryHandler) Relations(c *gin.Context) {
	scopeID, ok := h.scopeFromQuery(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	relations, err := h.store.ListRelations(c.Request.Context(), scopeID, limit, offset)
	if h.degrade(c, err, gin.H{"relations": []any{}, "total": 0}) {
		return
	}
	response.RespondOK(c, gin.H{"relations": relations, "total": len(relations)})
}

func (h *GraphQueryHandler) Search(c *gin.Context) {
	scopeID, ok := h.scopeFromQuery(c)
	if !ok {
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_query",
			fmt.Errorf("query parameter q is required"))
		return
	}
	kind := graph.SearchAll
	switch c.Query("kind") {
	case "entities":
		kind = graph.SearchEntities
	case "relations":
		kind = graph.SearchRelations
	}
	limit := intQuery(c, "limit", 20)

	result, err := h.store.SearchFuzzy(c.Request.Context(), scopeID, query, kind, limit)
	if h.degrade(c, err, gin.H{"entities": []any{}, "relations": []any{}}) {
		return
	}
	response.RespondOK(c, result)
}

func (h *GraphQueryHandler) Similarity(c *gin.Context) {
	var req struct {
		GraphID   string    `json:"graph_id"`
		Embedding []float64 `json:"embedding"`
		Limit     int       `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(req.Embedding) == 0 {
		response.RespondError(c, http.StatusBadRequest, "missing_embedding",
			fmt.Errorf("embedding is required"))
		return
	}
	scopeID, ok := h.resolveScopeID(c, req.GraphID)
	if !ok {
		return
	}

	hits, err := h.store.SearchBySimilarity(c.Request.Context(), scopeID, req.Embedding, req.Limit)
	if h.degrade(c, err, gin.H{"entities": []any{}}) {
		return
	}
	response.RespondOK(c, gin.H{"entities": hits})
}

func (h *GraphQueryHandler) Related(c *gin.Context) {
	scopeID, ok := h.scopeFromQuery(c)
	if !ok {
		return
	}
	entityID := c.Param("id")
	depth := intQuery(c, "depth", 1)

	related, err := h.store.RelatedEntities(c.Request.Context(), scopeID, entityID, depth)
	if h.degrade(c, err, gin.H{"entities": []any{}}) {
		return
	}
	response.RespondOK(c, gin.H{"entities": related})
}

func (h *GraphQueryHandler) ClearScope(c *gin.Context) {
	scopeID, ok := h.scopeFromQuery(c)
	if !ok {
		return
	}
	cleared, err := h.store.ClearScope(c.Request.Context(), scopeID)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"graph_id":          scopeID,
		"nodes_deleted":     cleared.NodesDeleted,
		"relations_deleted": cleared.RelationsDeleted,
	})
}

func (h *GraphQueryHandler) ClearAll(c *gin.Context) {
	if err := h.store.ClearAll(c.Request.Context()); err != nil {
		response.RespondAppError(c, err)
		return
	}
	h.log.Warn("Entire graph store cleared via API")
	response.RespondOK(c, gin.H{"cleared": true})
}

// degrade reports whether the request was already answered with an empty
// degraded payload. Non-availability errors fall through to the caller as
// regular 5xx responses.
func (h *GraphQueryHandler) degrade(c *gin.Context, err error, empty gin.H) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		h.log.Warn("Graph read degraded", "error", err)
		empty["diagnostic"] = "graph store unavailable"
		response.RespondOK(c, empty)
		return true
	}
	response.RespondAppError(c, err)
	return true
}

func (h *GraphQueryHandler) scopeFromQuery(c *gin.Context) (uuid.UUID, bool) {
	return h.resolveScopeID(c, c.Query("graph_id"))
}

// resolveScopeID maps an optional graph_id onto a scope, lazily creating
// the default scope when none is given.
func (h *GraphQueryHandler) resolveScopeID(c *gin.Context, raw string) (uuid.UUID, bool) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		scope, err := h.scopes.EnsureDefault(dbc)
		if err != nil {
			response.RespondAppError(c, err)
			return uuid.Nil, false
		}
		return scope.ID, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_graph_id", err)
		return uuid.Nil, false
	}
	scope, err := h.scopes.GetByID(dbc, id)
	if err != nil {
		response.RespondAppError(c, err)
		return uuid.Nil, false
	}
	if scope == nil {
		response.RespondAppError(c, fmt.Errorf("%w: graph %s", apperr.ErrNotFound, id))
		return uuid.Nil, false
	}
	return id, true
}
