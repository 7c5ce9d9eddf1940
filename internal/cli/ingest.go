package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/mailmule/mailmule/internal/logger"
	"github.com/mailmule/mailmule/pkg/ingest"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a JSON batch file into the record store",
	Long: `Validate and upsert a batch of mail records. Accepts a flat record array
or the conversation-grouped mailbox export format. Repeating a batch is a
no-op: stored records are immutable.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging, err := setupLogging(cfg, false)
	if err != nil {
		return err
	}
	defer logging.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}

	parser, err := ingest.NewParser()
	if err != nil {
		return err
	}
	records, err := parser.ParseBatch(data)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Batch is empty, nothing to do")
		return nil
	}

	store, err := record.Open(cfg.Store.Path, logger.Component("record"))
	if err != nil {
		return err
	}
	defer store.Close()

	touched, err := store.UpsertMessages(context.Background(), records)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %d messages across %d conversations\n", len(records), len(touched))
	return nil
}
