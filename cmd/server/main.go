package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"legalresearch-backend/config"
	"legalresearch-backend/handlers"
	"legalresearch-backend/llm"
	"legalresearch-backend/logger"
	"legalresearch-backend/metrics"
	"legalresearch-backend/pipeline"
	"legalresearch-backend/provider"
	"legalresearch-backend/repository"
	"legalresearch-backend/search"
	"legalresearch-backend/service"
	"legalresearch-backend/storage"
	"legalresearch-backend/telemetry"
	"legalresearch-backend/tokens"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Environment: env,
		Enabled:     cfg.Tracing.Enabled,
	}, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Initialize database connections
	db, err := initPostgres(ctx, cfg.Database.URL, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize Postgres", zap.Error(err))
	}
	defer db.Close()

	// Initialize storage
	artifactStorage, err := storage.NewStorage(ctx, storage.StorageConfig{
		Type:         storage.StorageType(cfg.Storage.Type),
		LocalPath:    cfg.Storage.LocalPath,
		S3Bucket:     cfg.Storage.S3Bucket,
		S3Region:     cfg.Storage.S3Region,
		AWSAccessKey: cfg.Storage.AWSAccessKey,
		AWSSecretKey: cfg.Storage.AWSSecretKey,
	})
	if err != nil {
		zlog.Fatal("Failed to initialize storage", zap.Error(err))
	}
	zlog.Info("Storage initialized", zap.String("type", cfg.Storage.Type))

	// Initialize repositories
	researchRepo := repository.NewResearchRepository(db)
	jobRepo := repository.NewResearchJobRepository(db)
	legalChunkRepo := repository.NewLegalChunkRepository(db)

	gateway, err := initLLM(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize LLM gateway", zap.Error(err))
	}

	embedder := initEmbedder(ctx, cfg, zlog)
	searchPolicy := provider.Policy{Attempts: cfg.Search.Attempts, Timeout: cfg.SearchTimeout()}
	sources := []search.Gateway{
		search.NewWebSearch(search.WebSearchConfig{
			Endpoint:      cfg.Search.Web.Endpoint,
			Keys:          provider.NewKeyRotator(cfg.Search.Web.APIKeys...),
			Policy:        searchPolicy,
			RatePerSecond: cfg.Search.Web.RatePerSecond,
			Burst:         cfg.Search.Web.Burst,
		}, zlog),
		search.NewLegalDBSearch(embedder, legalChunkRepo, searchPolicy),
	}

	researchPipeline := pipeline.New(gateway, sources,
		pipeline.WithConfig(pipeline.Config{
			TokenCeiling:          cfg.Pipeline.TokenCeiling,
			HistoryTurns:          cfg.Pipeline.HistoryTurns,
			RetrievalTimeout:      cfg.RetrievalTimeout(),
			MinSourceContentChars: cfg.Pipeline.MinSourceContentChars,
			EnhancerMinChars:      cfg.Pipeline.EnhancerMinChars,
			EnhancerMaxChars:      cfg.Pipeline.EnhancerMaxChars,
		}),
		pipeline.WithEstimator(tokens.New(cfg.LLM.TokenEncoding)),
		pipeline.WithLogger(zlog),
	)

	// Initialize services
	researchService := service.NewResearchService(
		service.WithPipeline(researchPipeline),
		service.WithResearchRepository(researchRepo),
		service.WithResearchJobRepository(jobRepo),
		service.WithStorage(artifactStorage),
		service.WithLogger(zlog),
	)

	// Initialize handlers
	researchHandler := handlers.NewResearchHandler(researchService, zlog)

	if env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(zlog))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := r.Group("/api")
	{
		// Research endpoints
		api.POST("/research", researchHandler.Research)
		api.GET("/research", researchHandler.ListResearch)
		api.GET("/research/:id", researchHandler.GetResearch)
		api.GET("/research/:id/artifact", researchHandler.DownloadArtifact)
		api.POST("/research/jobs", researchHandler.CreateJob)

		// Job endpoints
		api.GET("/jobs/:id", researchHandler.GetJobStatus)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	go func() {
		zlog.Info("Server starting", zap.Int("port", cfg.HTTP.Port), zap.String("env", env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zlog.Error("Tracing shutdown failed", zap.Error(err))
	}
}

func initPostgres(ctx context.Context, connString string, zlog *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Enable pgvector extension
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		zlog.Warn("Failed to create pgvector extension; it may already be installed or require superuser privileges", zap.Error(err))
	}

	zlog.Info("Postgres connection established with pgvector support")
	return pool, nil
}

// initLLM builds the failover chain in configured order. Providers without
// keys are skipped.
func initLLM(cfg config.Config, zlog *zap.Logger) (llm.Gateway, error) {
	var providers []llm.Provider
	for _, p := range cfg.LLM.Providers {
		keys := provider.NewKeyRotator(p.APIKeys...)
		if keys.Len() == 0 {
			zlog.Warn("LLM provider has no API keys, skipping", zap.String("provider", p.Name))
			continue
		}
		switch p.Name {
		case "gemini":
			providers = append(providers, llm.NewGeminiProvider(p.Model, keys))
		case "anthropic":
			providers = append(providers, llm.NewAnthropicProvider(p.Model, p.BaseURL, keys))
		case "openai":
			providers = append(providers, llm.NewOpenAIProvider(p.Model, p.BaseURL, keys))
		}
		zlog.Info("LLM provider configured", zap.String("provider", p.Name), zap.String("model", p.Model), zap.Int("keys", keys.Len()))
	}
	if len(providers) == 0 {
		return nil, llm.ErrNoProviders
	}

	policy := provider.Policy{
		Attempts: cfg.LLM.Attempts,
		Timeout:  cfg.LLMTimeout(),
		Backoff:  cfg.LLMBackoff(),
	}
	return llm.NewFailoverGateway(policy, zlog, providers...), nil
}

// initEmbedder wraps the Gemini embedder in the Redis cache when Redis is
// configured and reachable.
func initEmbedder(ctx context.Context, cfg config.Config, zlog *zap.Logger) llm.Embedder {
	base := llm.NewGeminiEmbedder(cfg.Embedding.Model, provider.NewKeyRotator(cfg.Embedding.APIKeys...))
	if cfg.Redis.Addr == "" {
		zlog.Info("Embedding cache disabled")
		return base
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zlog.Warn("Redis unreachable, embedding cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		_ = client.Close()
		return base
	}

	zlog.Info("Embedding cache enabled", zap.String("addr", cfg.Redis.Addr))
	return search.NewCachedEmbedder(base, search.NewRedisStore(client, cfg.EmbeddingTTL()), cfg.Embedding.Model, zlog)
}

// requestLogger stores a request-scoped logger in the request context and
// logs every request once it completes.
func requestLogger(zlog *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		reqLog := zlog.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), reqLog))

		c.Next()
		reqLog.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
