package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"legalresearch-backend/config"
	"legalresearch-backend/llm"
	"legalresearch-backend/logger"
	"legalresearch-backend/models"
	"legalresearch-backend/provider"
	"legalresearch-backend/repository"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type ingestOptions struct {
	Env           string
	Dir           string
	Jurisdiction  string
	Chunk         chunkOptions
	Concurrency   int
	RatePerSecond float64
	Force         bool
}

// chunkStore is the part of the legal chunk repository ingestion writes to.
type chunkStore interface {
	Insert(ctx context.Context, chunk *models.LegalChunk) error
	CountBySourceDocument(ctx context.Context, sourceDocument string) (int, error)
}

type ingester struct {
	embedder llm.Embedder
	store    chunkStore
	limiter  *rate.Limiter
	policy   provider.Policy
	opts     ingestOptions
	logger   *zap.Logger
}

func runIngest(ctx context.Context, opts ingestOptions) error {
	cfg, err := config.Load(opts.Env)
	if err != nil {
		return err
	}
	zlog, err := logger.NewLogger(opts.Env, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	var tableExists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'legal_chunks')").Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check table existence: %w", err)
	}
	if !tableExists {
		return fmt.Errorf("legal_chunks table does not exist, run create-schema first")
	}

	keys := provider.NewKeyRotator(cfg.Embedding.APIKeys...)
	if keys.Len() == 0 {
		return fmt.Errorf("embedding.api_keys is empty")
	}

	ing := newIngester(
		llm.NewGeminiEmbedder(cfg.Embedding.Model, keys),
		repository.NewLegalChunkRepository(pool),
		provider.Policy{Attempts: cfg.LLM.Attempts, Timeout: cfg.LLMTimeout(), Backoff: cfg.LLMBackoff()},
		opts,
		zlog,
	)
	return ing.ingestDir(ctx)
}

func newIngester(embedder llm.Embedder, store chunkStore, policy provider.Policy, opts ingestOptions, zlog *zap.Logger) *ingester {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &ingester{
		embedder: embedder,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Concurrency),
		policy:   policy.WithDefaults(),
		opts:     opts,
		logger:   zlog,
	}
}

func ingestible(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".html", ".htm":
		return true
	}
	return false
}

// ingestDir ingests every document in the directory. A failing document is
// logged and skipped; the run fails only when nothing could be ingested.
func (i *ingester) ingestDir(ctx context.Context) error {
	files, err := os.ReadDir(i.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	var ingested, failed int
	for _, file := range files {
		if file.IsDir() || !ingestible(file.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(i.opts.Dir, file.Name())
		n, err := i.ingestFile(ctx, path)
		if err != nil {
			failed++
			i.logger.Error("Failed to ingest document", zap.String("file", file.Name()), zap.Error(err))
			continue
		}
		if n > 0 {
			ingested++
		}
	}

	i.logger.Info("Ingestion complete", zap.Int("documents", ingested), zap.Int("failed", failed))
	if ingested == 0 && failed > 0 {
		return fmt.Errorf("all %d documents failed", failed)
	}
	return nil
}

// ingestFile chunks, embeds and stores one document. It returns the number of
// chunks stored, zero when the document was already present.
func (i *ingester) ingestFile(ctx context.Context, path string) (int, error) {
	name := filepath.Base(path)

	if !i.opts.Force {
		count, err := i.store.CountBySourceDocument(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("check existing chunks: %w", err)
		}
		if count > 0 {
			i.logger.Info("Skipping already ingested document", zap.String("file", name), zap.Int("chunks", count))
			return 0, nil
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	text, err := documentText(name, raw)
	if err != nil {
		return 0, fmt.Errorf("extract text: %w", err)
	}

	chunks := buildChunks(name, text, i.opts.Jurisdiction, i.opts.Chunk)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text")
	}
	i.logger.Info("Chunked document",
		zap.String("file", name),
		zap.String("type", chunks[0].SourceType),
		zap.Int("chunks", len(chunks)),
	)

	if err := i.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}

	for _, c := range chunks {
		if err := i.store.Insert(ctx, c); err != nil {
			return 0, fmt.Errorf("store chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return len(chunks), nil
}

func (i *ingester) embedChunks(ctx context.Context, chunks []*models.LegalChunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Concurrency)

	for _, c := range chunks {
		g.Go(func() error {
			if err := i.limiter.Wait(gctx); err != nil {
				return err
			}
			input := buildEmbeddingInput(c)
			vec, err := provider.Call(gctx, i.policy, func(ctx context.Context) ([]float32, error) {
				return i.embedder.Embed(ctx, input)
			})
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", c.ChunkIndex, err)
			}
			if len(vec) != repository.EmbeddingDimensions {
				return fmt.Errorf("embed chunk %d: got %d dimensions, want %d", c.ChunkIndex, len(vec), repository.EmbeddingDimensions)
			}
			normalizeEmbedding(vec)
			c.Embedding = vec
			return nil
		})
	}
	return g.Wait()
}
