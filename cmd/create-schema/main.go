package main

import (
	"context"
	"fmt"
	"log"

	"legalresearch-backend/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

const legalChunksSQL = `
CREATE TABLE IF NOT EXISTS legal_chunks (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),

    -- Document identification
    source_type VARCHAR(50) NOT NULL CHECK (source_type IN ('judgment', 'statute', 'commentary')),
    source_document VARCHAR(255) NOT NULL,
    chunk_index INTEGER NOT NULL,

    -- Content
    chunk_text TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    source_url TEXT,
    citation TEXT,
    court TEXT,
    jurisdiction VARCHAR(100) NOT NULL DEFAULT '',
    metadata JSONB DEFAULT '{}'::jsonb,

    embedding vector(768),

    created_at TIMESTAMP DEFAULT NOW(),

    CONSTRAINT chunk_order_unique UNIQUE (source_document, chunk_index)
);`

const researchRecordsSQL = `
CREATE TABLE IF NOT EXISTS research_records (
    id UUID PRIMARY KEY,
    request JSONB NOT NULL,
    status VARCHAR(32) NOT NULL,
    tier VARCHAR(32) NOT NULL DEFAULT '',
    response TEXT NOT NULL DEFAULT '',
    sources JSONB NOT NULL DEFAULT '[]'::jsonb,
    audit JSONB NOT NULL DEFAULT '{}'::jsonb,
    summarization_stages TEXT[] NOT NULL DEFAULT '{}',
    total_tokens INTEGER NOT NULL DEFAULT 0,
    artifact_path TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);`

const researchJobsSQL = `
CREATE TABLE IF NOT EXISTS research_jobs (
    id UUID PRIMARY KEY,
    request JSONB NOT NULL,
    status VARCHAR(32) NOT NULL CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
    current_step VARCHAR(64),
    steps JSONB NOT NULL DEFAULT '[]'::jsonb,
    research_id UUID REFERENCES research_records(id) ON DELETE SET NULL,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMP
);`

func main() {
	var (
		env   string
		reset bool
	)

	cmd := &cobra.Command{
		Use:   "create-schema",
		Short: "Create the legal research database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			return createSchema(cmd.Context(), cfg.Database.URL, reset)
		},
	}
	cmd.Flags().StringVar(&env, "env", config.GetEnv(), "config environment (local, dev, prod)")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop existing tables first (development only)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func createSchema(ctx context.Context, connString string, reset bool) error {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	// Enable pgvector extension
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("Warning: Failed to create pgvector extension: %v", err)
	} else {
		log.Println("pgvector extension enabled")
	}

	if reset {
		for _, table := range []string{"research_jobs", "research_records", "legal_chunks"} {
			if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
				return fmt.Errorf("failed to drop %s: %w", table, err)
			}
			log.Printf("Dropped existing %s table (if any)", table)
		}
	}

	tables := []struct {
		name string
		sql  string
	}{
		{"legal_chunks", legalChunksSQL},
		{"research_records", researchRecordsSQL},
		{"research_jobs", researchJobsSQL},
	}
	for _, t := range tables {
		if _, err := pool.Exec(ctx, t.sql); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
		log.Printf("Created %s table", t.name)
	}

	indexes := []struct {
		name string
		sql  string
	}{
		{
			name: "Vector similarity search (HNSW)",
			sql: `CREATE INDEX IF NOT EXISTS idx_embedding_hnsw ON legal_chunks
USING hnsw (embedding vector_cosine_ops)
WITH (m = 16, ef_construction = 64);`,
		},
		{
			name: "Jurisdiction filtering",
			sql:  "CREATE INDEX IF NOT EXISTS idx_jurisdiction ON legal_chunks(lower(jurisdiction));",
		},
		{
			name: "Source document filtering",
			sql:  "CREATE INDEX IF NOT EXISTS idx_source_document ON legal_chunks(source_document);",
		},
		{
			name: "Citation lookup",
			sql:  "CREATE INDEX IF NOT EXISTS idx_citation ON legal_chunks(citation) WHERE citation IS NOT NULL;",
		},
		{
			name: "Metadata JSONB filtering",
			sql:  "CREATE INDEX IF NOT EXISTS idx_metadata_gin ON legal_chunks USING gin (metadata);",
		},
		{
			name: "Recent research",
			sql:  "CREATE INDEX IF NOT EXISTS idx_research_created_at ON research_records(created_at DESC);",
		},
		{
			name: "Job status",
			sql:  "CREATE INDEX IF NOT EXISTS idx_research_jobs_status ON research_jobs(status);",
		},
	}

	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx.sql); err != nil {
			log.Printf("Warning: Failed to create index %s: %v", idx.name, err)
		} else {
			log.Printf("Created index: %s", idx.name)
		}
	}

	fmt.Println("\nDatabase schema created successfully!")
	fmt.Println("   Tables: legal_chunks, research_records, research_jobs")
	fmt.Printf("   Indexes: %d\n", len(indexes))
	return nil
}
