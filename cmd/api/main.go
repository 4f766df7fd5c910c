package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rustworthy/batching-proxy/internal/batch"
	"github.com/rustworthy/batching-proxy/internal/cache"
	"github.com/rustworthy/batching-proxy/internal/config"
	httpserver "github.com/rustworthy/batching-proxy/internal/http"
	"github.com/rustworthy/batching-proxy/internal/http/handlers"
	"github.com/rustworthy/batching-proxy/internal/inference"
)

func main() {
	logger := log.New(os.Stdout, "[batching-proxy] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := inference.NewClient(inference.ClientConfig{
		BaseURL: cfg.InferenceServiceURL,
		APIKey:  cfg.InferenceServiceKey,
		Timeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		logger.Fatalf("failed to initialize inference client: %v", err)
	}

	store, storeCloser := setupCache(ctx, cfg, logger)
	defer storeCloser()

	dispatcher := batch.NewDispatcher(client, batch.Config{
		MaxWaitTime:    cfg.MaxWaitTime,
		MaxBatchSize:   cfg.MaxBatchSize,
		IntakeCapacity: cfg.IntakeQueueCapacity,
	}, logger)
	go dispatcher.Run()

	api := handlers.NewAPI(handlers.APIDependencies{
		Dispatcher: dispatcher,
		Cache:      store,
		Logger:     logger,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// A request can legitimately wait out the whole batching budget plus
		// the upstream round-trip before its response starts.
		WriteTimeout: cfg.MaxWaitTime + cfg.UpstreamTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("proxy listening on %s upstream=%s", server.Addr, cfg.InferenceServiceURL)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	case <-dispatcher.Done():
		// No request can complete without the dispatcher.
		logger.Fatalf("dispatcher exited while serving")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}

	// In-flight handlers have drained; flush whatever is still pending.
	dispatcher.Close()
	logger.Printf("shutdown complete")
}

func setupCache(ctx context.Context, cfg config.Config, logger *log.Logger) (cache.Store, func()) {
	if !cfg.CacheEnabled {
		return nil, func() {}
	}

	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using in-memory embedding cache")
		return cache.NewMemoryStore(cache.MemoryConfig{
			TTL:        cfg.CacheTTL,
			MaxEntries: cfg.CacheMaxEntries,
		}), func() {}
	}

	redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.CacheTTL,
	}, logger)
	if err != nil {
		logger.Printf("failed to initialize redis embedding cache, fallback to memory: %v", err)
		return cache.NewMemoryStore(cache.MemoryConfig{
			TTL:        cfg.CacheTTL,
			MaxEntries: cfg.CacheMaxEntries,
		}), func() {}
	}
	logger.Printf("redis embedding cache initialized addr=%s", cfg.RedisAddr)
	return redisStore, func() {
		_ = redisStore.Close()
	}
}
