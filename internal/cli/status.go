package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mailmule/mailmule/pkg/health"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running daemon",
	Long:  `Query the health endpoint of a running MailMule daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("Status: not running")
		return nil
	}
	defer resp.Body.Close()

	var status health.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("unexpected health response: %w", err)
	}

	if status.StoreReachable {
		fmt.Println("Status: running")
	} else {
		fmt.Println("Status: degraded (record store unreachable)")
	}
	for kind, idx := range status.Indexes {
		fmt.Printf("Index %s: %s (%d entries)\n", kind, idx.State, idx.Entries)
	}
	return nil
}
