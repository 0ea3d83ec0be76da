package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	redisclient "github.com/graphforge/graphforge-backend/internal/clients/redis"
	"github.com/graphforge/graphforge-backend/internal/data/db"
	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/extraction"
	"github.com/graphforge/graphforge-backend/internal/graph"
	httpH "github.com/graphforge/graphforge-backend/internal/http/handlers"
	"github.com/graphforge/graphforge-backend/internal/jobs/pipeline/batchdispatch"
	"github.com/graphforge/graphforge-backend/internal/jobs/pipeline/documentbuild"
	"github.com/graphforge/graphforge-backend/internal/jobs/runtime"
	"github.com/graphforge/graphforge-backend/internal/jobs/worker"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
	"github.com/graphforge/graphforge-backend/internal/platform/neo4jdb"
	"github.com/graphforge/graphforge-backend/internal/server"
	"github.com/graphforge/graphforge-backend/internal/tasks"
)

func main() {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logger
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	postgresService, err := db.NewPostgresService(cfg.Postgres, log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	pg := postgresService.DB()

	// Repos
	log.Info("Setting up repos...")
	scopeRepo := repos.NewScopeRepo(pg, log)
	documentRepo := repos.NewDocumentRepo(pg, log)
	taskRepo := repos.NewTaskRepo(pg, log)
	queueRepo := repos.NewQueueJobRepo(pg, log)

	// Graph store
	log.Info("Setting up graph store...")
	var store graph.Store
	neo4jClient, err := neo4jdb.New(cfg.Neo4j, log)
	if err != nil {
		log.Fatal("Neo4j init failed", "error", err)
	}
	if neo4jClient != nil {
		defer neo4jClient.Close(context.Background())
		store = graph.NewNeo4jStore(neo4jClient, log)
	} else {
		log.Warn("No Neo4j URI configured, using in-memory graph store")
		store = graph.NewMemoryStore(log)
	}
	loader := graph.NewLoader(store, log)

	// Task event bus (optional)
	bus, err := redisclient.NewTaskBus(cfg.Redis, log)
	if err != nil {
		log.Warn("Redis task bus init failed", "error", err)
	}
	var publisher tasks.Publisher
	if bus != nil {
		defer bus.Close()
		publisher = bus
	}

	// Coordinator + jobs
	coordinator := tasks.NewCoordinator(taskRepo, queueRepo, publisher, cfg.TaskPollInterval, log)
	if bus != nil {
		if err := bus.StartForwarder(ctx, coordinator.Notify); err != nil {
			log.Warn("Task event forwarder failed to start", "error", err)
		}
	}
	engineFactory := extraction.NewHTTPFactory(cfg.Extraction, log)

	deps := runtime.Deps{
		DB:        pg,
		Log:       log,
		Cfg:       cfg,
		Tasks:     coordinator,
		Store:     store,
		Loader:    loader,
		NewEngine: engineFactory,
		Scopes:    scopeRepo,
		Documents: documentRepo,
		Queue:     queueRepo,
	}

	registry := runtime.NewRegistry()
	if err := registry.Register(documentbuild.New()); err != nil {
		log.Fatal("Handler registration failed", "error", err)
	}
	if err := registry.Register(batchdispatch.New()); err != nil {
		log.Fatal("Handler registration failed", "error", err)
	}
	if cfg.Worker.Enabled {
		worker.New(log, registry, deps).Start(ctx)
	} else {
		log.Info("Worker pool disabled, serving API only")
	}

	// Handlers
	log.Info("Setting up handlers...")
	srv := server.New(server.RouterConfig{
		Cfg:           cfg,
		HealthHandler: httpH.NewHealthHandler(),
		ScopeHandler:  httpH.NewScopeHandler(log, scopeRepo, documentRepo, taskRepo, store),
		DocumentHandler: httpH.NewDocumentHandler(
			log, cfg.Upload, documentRepo, scopeRepo, taskRepo, queueRepo, coordinator),
		TaskHandler:  httpH.NewTaskHandler(log, taskRepo, coordinator),
		GraphHandler: httpH.NewGraphQueryHandler(log, store, scopeRepo),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("Server listening", "addr", addr)
		return srv.Run(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Warn("Server stopped", "error", err)
	}
}
