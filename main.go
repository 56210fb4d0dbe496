package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskmate/internal/api"
	"taskmate/internal/config"
	"taskmate/internal/logging"
	"taskmate/internal/redis"
	"taskmate/internal/service/ai"
	"taskmate/internal/service/apikeys"
	"taskmate/internal/service/tasks"
	"taskmate/internal/storage"
	"taskmate/internal/worker"
)

func main() {
	cfgPath := os.Getenv("TASKMATE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.String("error", logging.SanitizeError(err)))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", zap.String("driver", cfg.Database.Driver))
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	// Create the tasks table and its indexes
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		return err
	}
	taskService, err := tasks.NewService(db, cfg.Database.Driver, logger)
	if err != nil {
		return err
	}

	keys := apikeys.NewManager(cfg.LLM.Keys(), logger)
	if keys.Len() == 0 {
		logger.Warn("no api keys configured; chat is disabled (set GOOGLE_API_KEYS or GOOGLE_API_KEY)")
	}

	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := apikeys.NewSync(rdb, keys, logger).Start(ctx); err != nil {
			return err
		}
		logger.Info("sharing key exhaustion through redis")
	}

	registry, err := ai.NewTaskRegistry(ctx, taskService, logger)
	if err != nil {
		return err
	}
	factory, err := ai.NewChatModelFactory(cfg.LLM)
	if err != nil {
		return err
	}
	agent, err := ai.NewAgent(ai.AgentConfig{
		Keys:          keys,
		Registry:      registry,
		NewModel:      factory,
		MaxRoundTrips: cfg.Agent.MaxRoundTrips,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	dispatcher := worker.NewDispatcher(agent, worker.Config{
		MinWorkers:  cfg.Worker.MinWorkers,
		MaxWorkers:  cfg.Worker.MaxWorkers,
		QueueSize:   cfg.Worker.QueueSize,
		IdleTimeout: time.Duration(cfg.Worker.IdleTimeoutSeconds) * time.Second,
	}, logger)
	defer dispatcher.Close()

	gin.SetMode(cfg.Server.GinMode)
	handlers := api.NewHandler(taskService, dispatcher, keys, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		TurnTimeout: time.Duration(cfg.Agent.TurnTimeoutSeconds) * time.Second,
		Logger:      logger,
	})

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8000"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", addr),
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model),
			zap.Int("api_keys", keys.Len()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
