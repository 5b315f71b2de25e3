package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	taskmq "github.com/edgar-durand/cloud-taskmq-go"
	"github.com/edgar-durand/cloud-taskmq-go/dispatcher"
	"github.com/edgar-durand/cloud-taskmq-go/server"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := taskmq.Config{
		ProjectID:           env("TASKMQ_PROJECT", "local"),
		Location:            env("TASKMQ_LOCATION", "local"),
		StorageAdapter:      taskmq.Adapter(env("TASKMQ_ADAPTER", "memory")),
		DefaultProcessorURL: env("TASKMQ_PROCESSOR_URL", "http://localhost:8080/tasks/process"),
		StorageOptions: taskmq.StorageOptions{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			MongoURI:      env("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: env("MONGO_DB", "taskmq"),
			PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		},
		CleanupInterval: time.Hour,
		CleanupPolicy: &store.CleanupPolicy{
			OlderThan:       7 * 24 * time.Hour,
			RemoveCompleted: true,
			RemoveFailed:    true,
		},
		Logger: logger,
	}

	// Comma-separated queue names keep local bootstrap simple; anything
	// richer should construct Config programmatically.
	for _, name := range strings.Split(env("TASKMQ_QUEUES", "default"), ",") {
		cfg.Queues = append(cfg.Queues, taskmq.QueueConfig{
			Name:       strings.TrimSpace(name),
			MaxRetries: 3,
			RetryDelay: 30 * time.Second,
		})
	}

	if endpoint := os.Getenv("TASKMQ_DISPATCHER_ENDPOINT"); endpoint != "" {
		cfg.Dispatcher = dispatcher.NewHTTPClient(dispatcher.HTTPClientOptions{Endpoint: endpoint})
		cfg.AutoCreateQueues = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := taskmq.New(ctx, cfg)
	if err != nil {
		log.Fatalw("engine init failed", "error", err)
	}

	srv := server.New(engine, server.Options{Logger: logger})
	go srv.Hub().Run(ctx)

	addr := env("TASKMQ_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		log.Infow("taskmq server listening", "addr", addr, "adapter", cfg.StorageAdapter)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.Warnw("engine close", "error", err)
	}
}
