package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailmule/mailmule/internal/daemon"
	"github.com/mailmule/mailmule/internal/tracing"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MailMule daemon",
	Long: `Run the MailMule daemon: spool ingestion, embedding backfill, index
reconciliation and the HTTP search API. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging, err := setupLogging(cfg, true)
	if err != nil {
		return err
	}
	defer logging.Close()

	if err := tracing.Init("mailmule", GetVersion()); err != nil {
		return err
	}
	defer tracing.Shutdown(context.Background())

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
