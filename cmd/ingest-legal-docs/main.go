package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest-legal-docs",
		Short: "Chunk, embed and store legal documents for internal search",
		Long: `Reads every .txt, .md and .html file in a directory, splits it into
overlapping chunks, embeds each chunk and upserts it into legal_chunks.
Documents that already have chunks are skipped unless --force is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Env, "env", "local", "config environment (local, dev, prod)")
	flags.StringVar(&opts.Dir, "dir", "./legal_docs", "directory of documents to ingest")
	flags.StringVar(&opts.Jurisdiction, "jurisdiction", "Zimbabwe", "jurisdiction stored on every chunk")
	flags.IntVar(&opts.Chunk.MaxWords, "chunk-words", 400, "maximum words per chunk")
	flags.IntVar(&opts.Chunk.OverlapWords, "overlap-words", 50, "words shared by consecutive chunks")
	flags.IntVar(&opts.Concurrency, "concurrency", 4, "concurrent embedding calls")
	flags.Float64Var(&opts.RatePerSecond, "rate", 5, "embedding calls per second")
	flags.BoolVar(&opts.Force, "force", false, "re-ingest documents that already have chunks")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
