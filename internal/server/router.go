package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	httpH "github.com/graphforge/graphforge-backend/internal/http/handlers"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
)

type RouterConfig struct {
	Cfg *config.Config

	HealthHandler   *httpH.HealthHandler
	ScopeHandler    *httpH.ScopeHandler
	DocumentHandler *httpH.DocumentHandler
	TaskHandler     *httpH.TaskHandler
	GraphHandler    *httpH.GraphQueryHandler
}

func NewRouter(rc RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     rc.Cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Cache-Control"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if rc.HealthHandler != nil {
		r.GET("/", rc.HealthHandler.Root)
		r.GET("/healthcheck", rc.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if rc.ScopeHandler != nil {
			api.GET("/graphs", rc.ScopeHandler.List)
			api.POST("/graphs", rc.ScopeHandler.Create)
			api.GET("/graphs/:id", rc.ScopeHandler.Get)
			api.PUT("/graphs/:id", rc.ScopeHandler.Update)
			api.DELETE("/graphs/:id", rc.ScopeHandler.Delete)
			api.POST("/graphs/:id/set-default", rc.ScopeHandler.SetDefault)
			api.POST("/graphs/:id/clear", rc.ScopeHandler.Clear)
		}

		if rc.DocumentHandler != nil {
			api.POST("/documents/upload", rc.DocumentHandler.Upload)
			api.GET("/documents", rc.DocumentHandler.List)
			api.POST("/documents/batch-build", rc.DocumentHandler.BatchBuild)
			api.GET("/documents/:id", rc.DocumentHandler.Get)
			api.POST("/documents/:id/start", rc.DocumentHandler.Start)
			api.DELETE("/documents/:id", rc.DocumentHandler.Delete)
		}

		if rc.TaskHandler != nil {
			api.GET("/tasks", rc.TaskHandler.List)
			api.GET("/tasks/:id", rc.TaskHandler.Get)
			api.POST("/tasks/:id/cancel", rc.TaskHandler.Cancel)
			api.GET("/tasks/:id/stream", rc.TaskHandler.Stream)
		}

		if rc.GraphHandler != nil {
			api.GET("/graph/stats", rc.GraphHandler.Stats)
			api.GET("/graph/entities", rc.GraphHandler.Entities)
			api.GET("/graph/entities/:id/related", rc.GraphHandler.Related)
			api.GET("/graph/relations", rc.GraphHandler.Relations)
			api.GET("/graph/search", rc.GraphHandler.Search)
			api.POST("/graph/similarity", rc.GraphHandler.Similarity)
			api.POST("/graph/clear", rc.GraphHandler.ClearScope)
			api.POST("/graph/clear-all", rc.GraphHandler.ClearAll)
		}
	}

	return r
}
