package cli

import (
	"github.com/mailmule/mailmule/internal/config"
	"github.com/mailmule/mailmule/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mailmule",
	Short: "MailMule - semantic search over your mailbox",
	Long: `MailMule ingests cleaned mail records, embeds messages and conversations,
and answers natural-language queries by nearest-neighbor lookup over an
incrementally synchronized in-memory vector index.`,
	Version: version,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mailmule/mailmule.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads configuration and applies CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// setupLogging initializes the global logger from config. console controls
// whether log lines also go to stdout (off for commands with line-oriented
// output).
func setupLogging(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: console,
		Pretty:  cfg.Logging.Pretty,
	})
}
