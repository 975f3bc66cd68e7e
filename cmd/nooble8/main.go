// Package main is the unified entry point for the Nooble8 backend. One
// binary hosts every service area: ingestion, embedding, execution, chat
// orchestration and conversation persistence share a bus, so the same build
// can also run areas in separate processes against Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nooble8/nooble8/internal/actions/bus"
	"github.com/nooble8/nooble8/internal/actions/worker"
	"github.com/nooble8/nooble8/internal/agentconfig"
	"github.com/nooble8/nooble8/internal/common/config"
	"github.com/nooble8/nooble8/internal/common/database"
	"github.com/nooble8/nooble8/internal/common/httpmw"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/conversation"
	"github.com/nooble8/nooble8/internal/embedding"
	"github.com/nooble8/nooble8/internal/execution"
	"github.com/nooble8/nooble8/internal/gateway/websocket"
	"github.com/nooble8/nooble8/internal/ingestion"
	ingestionapi "github.com/nooble8/nooble8/internal/ingestion/api"
	"github.com/nooble8/nooble8/internal/ingestion/parser"
	"github.com/nooble8/nooble8/internal/llm"
	"github.com/nooble8/nooble8/internal/orchestrator"
	"github.com/nooble8/nooble8/internal/store"
	"github.com/nooble8/nooble8/internal/vector"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Nooble8 backend",
		zap.String("service", cfg.Service.Name),
		zap.String("version", cfg.Service.Version),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Action bus: Redis when configured, in-memory for single-process dev.
	var (
		actionBus bus.Bus
		kv        *redis.Client
	)
	if cfg.Redis.URL != "" {
		redisBus, err := bus.NewRedisBus(cfg.Redis, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisBus.Close()
		actionBus = redisBus
		kv = redisBus.Client()
		log.Info("Connected to Redis action bus", zap.String("url", cfg.Redis.URL))
	} else {
		actionBus = bus.NewMemoryBus(log)
		log.Info("Using in-memory action bus")
	}

	// Relational store: Postgres when a host is configured, otherwise the
	// in-memory row store.
	var rows store.RowStore
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		rows = store.NewPostgresStore(db)
		log.Info("Connected to relational store", zap.String("host", cfg.Database.Host))
	} else {
		rows = store.NewMemoryStore()
		log.Warn("No database configured, using in-memory store")
	}
	st := store.New(rows, log)

	// Vector index over one physical collection.
	var driver vector.Driver
	if cfg.Vector.URL != "" {
		driver = vector.NewQdrantDriver(cfg.Vector, log)
	} else {
		driver = vector.NewMemoryDriver()
		log.Warn("No vector store configured, using in-memory driver")
	}
	index := vector.NewIndex(driver, cfg.Vector.CollectionName, cfg.Vector.VectorSize, log)
	if err := index.EnsureReady(ctx); err != nil {
		log.Fatal("Failed to prepare vector collection", zap.Error(err))
	}

	// LLM and embedder share one provider client; without a key the process
	// runs with deterministic stand-ins for local development.
	var (
		model    llm.LLM
		embedder llm.Embedder
	)
	if cfg.OpenAI.APIKey != "" {
		client := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, log)
		model = client
		embedder = client
	} else {
		model = &llm.StaticLLM{}
		embedder = &llm.HashEmbedder{}
		log.Warn("No OpenAI key configured, using local stand-ins")
	}

	hub := websocket.NewHub(log)
	configCache := agentconfig.NewCache(st, kv, cfg.Cache.ConfigTTLSec, log)

	// Service areas.
	ingestSvc := ingestion.NewService(st, index, parser.New(cfg.Ingestion, log), hub, actionBus, kv, cfg.Ingestion, log)
	embedSvc := embedding.NewService(embedder, log)
	execSvc := execution.NewService(model, embedder, index, st, log)
	chatSvc := orchestrator.NewService(actionBus, hub, configCache, log)
	convSvc := conversation.NewService(st, log)

	workers := worker.New(cfg.Service.Name, actionBus, cfg.Worker.Count, log)
	areas := []struct {
		name     string
		register func(*worker.Worker) error
	}{
		{"ingestion", ingestSvc.Register},
		{"embedding", embedSvc.Register},
		{"execution", execSvc.Register},
		{"orchestrator", chatSvc.Register},
		{"conversation", convSvc.Register},
	}
	for _, area := range areas {
		if !cfg.Service.AreaEnabled(area.name) {
			log.Info("Worker area disabled", zap.String("area", area.name))
			continue
		}
		if err := area.register(workers); err != nil {
			log.Fatal("Failed to register action handlers", zap.String("area", area.name), zap.Error(err))
		}
	}

	// HTTP + WebSocket gateway.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.RequestLogger(log, cfg.Service.Name))
	ingestionapi.RegisterRoutes(router, ingestSvc, st, log)
	websocket.NewHandler(hub, chatSvc.HandleChatMessage, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		workers.Start(groupCtx)
		workers.Wait()
		return nil
	})
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Backend exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Backend stopped")
}
