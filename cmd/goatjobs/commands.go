package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plan4better/goat-core-sub000/config"
	"github.com/plan4better/goat-core-sub000/db"
	"github.com/plan4better/goat-core-sub000/job"
	"github.com/plan4better/goat-core-sub000/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.Migrate(database, logger.Logger); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finalize jobs orphaned by a crashed worker process",
	Long: `Finalize pending and running jobs abandoned by a worker process that
exited without resolving them. Partial work is compensated and each
orphan is marked failed. Only jobs untouched for at least the grace
window are recovered, so the command is safe to run next to a live
engine; pass --grace 0 when no workers are running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		graceMinutes, _ := cmd.Flags().GetInt("grace")
		grace := time.Duration(graceMinutes) * time.Minute

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		store := job.NewStore(database)
		comp := job.NewCompensationRegistry(database,
			time.Duration(cfg.Jobs.OrphanWindowMinutes)*time.Minute, logger.Logger)

		recovered, err := job.RecoverOrphans(context.Background(), store, comp, grace, logger.Logger)
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		fmt.Printf("Recovered %d orphaned job(s)\n", recovered)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs, optionally filtered by lifecycle state.

Status filters: pending, running, finished, failed, killed, timeout

Examples:
  goatjobs ls                  # List recent jobs
  goatjobs ls --status failed  # List failed jobs
  goatjobs ls --limit 50       # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runLs(statusFilter, limit)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			days = cfg.Jobs.RetentionDays
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		store := job.NewStore(database)
		deleted, err := store.CleanupOldJobs(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Printf("Deleted %d job(s) older than %d day(s)\n", deleted, days)
		return nil
	},
}

func init() {
	lsCmd.Flags().String("status", "", "Filter by status (pending, running, finished, failed, killed, timeout)")
	lsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	cleanupCmd.Flags().Int("days", 0, "Retention period in days (default: configured retention_days)")

	recoverCmd.Flags().Int("grace", int(job.DefaultRecoveryGrace.Minutes()),
		"Skip jobs updated within this many minutes (0 recovers everything)")
}

func openDatabase() (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func runLs(statusFilter string, limit int) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)

	var status *job.Status
	if statusFilter != "" {
		if !job.IsValidStatus(statusFilter) {
			return fmt.Errorf("invalid status filter: %s", statusFilter)
		}
		s := job.Status(statusFilter)
		status = &s
	}

	jobs, err := store.List(status, limit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-20s %-6s %s\n", "JOB ID", "STATUS", "TYPE", "STEPS", "CREATED")
	fmt.Printf("%-36s %-10s %-20s %-6s %s\n", "------", "------", "----", "-----", "-------")
	for _, j := range jobs {
		fmt.Printf("%-36s %-10s %-20s %-6d %s\n",
			j.ID,
			j.StatusSimple,
			truncate(j.Type, 20),
			j.Status.Len(),
			j.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
