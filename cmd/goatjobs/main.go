package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/plan4better/goat-core-sub000/config"
	"github.com/plan4better/goat-core-sub000/logger"
)

var rootCmd = &cobra.Command{
	Use:   "goatjobs",
	Short: "GOAT job engine operations",
	Long: `GOAT job engine operations.

Operator surface over the job store. Jobs themselves are submitted and
killed through the application; this tool only migrates the schema,
recovers jobs orphaned by a crash, inspects the store, and applies
retention cleanup.

Examples:
  goatjobs migrate              # Apply pending schema migrations
  goatjobs recover              # Finalize jobs orphaned by a crash
  goatjobs ls --status running  # List running jobs
  goatjobs cleanup --days 30    # Delete old terminal jobs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
