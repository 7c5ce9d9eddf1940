package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/mailmule/mailmule/internal/config"
	"github.com/mailmule/mailmule/internal/logger"
	"github.com/mailmule/mailmule/pkg/backfill"
	"github.com/mailmule/mailmule/pkg/embed"
	"github.com/mailmule/mailmule/pkg/index"
	"github.com/mailmule/mailmule/pkg/query"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/spf13/cobra"
)

var searchTopK int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the mailbox from the command line",
	Long: `One-shot search: embeds any pending backlog, builds the index in memory,
answers the query and prints the results. For interactive use prefer a
running daemon and its HTTP API.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top", "k", query.DefaultTopK, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging, err := setupLogging(cfg, false)
	if err != nil {
		return err
	}
	defer logging.Close()

	store, err := record.Open(cfg.Store.Path, logger.Component("record"))
	if err != nil {
		return err
	}
	defer store.Close()

	embedder, err := embed.NewEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	rewriter, err := embed.NewRewriter(cfg.Rewrite)
	if err != nil {
		return err
	}

	ctx := context.Background()
	embedTimeout := time.Duration(cfg.Embedding.TimeoutSec) * time.Second

	worker := backfill.NewWorker(store, embedder, cfg.Backfill.BatchSize,
		embedTimeout, logger.Component("backfill"))
	if _, err := worker.Run(ctx); err != nil {
		return err
	}

	var searchers []query.Searcher
	for _, kind := range config.IndexedKinds(cfg.Index.Granularity) {
		sync := index.NewSynchronizer(store, kind, cfg.Index.IncrementalThreshold,
			logger.Component("index"))
		if err := sync.Reconcile(ctx); err != nil {
			return err
		}
		searchers = append(searchers, sync)
	}

	engine := query.NewEngine(store, embedder, rewriter, searchers,
		time.Duration(cfg.Rewrite.TimeoutSec)*time.Second, embedTimeout,
		logger.Component("query"))

	results, err := engine.Search(ctx, args[0], searchTopK)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%2d. [%.3f] %s - %s (%s, %s)\n", i+1, r.Score,
			r.Subject, r.Snippet, r.Sender, time.Unix(r.Date, 0).Format("2006-01-02"))
	}
	return nil
}
