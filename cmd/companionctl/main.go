// companionctl inspects and maintains the companion task queue and reward records.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/companion/internal/config"
	"github.com/ashureev/companion/internal/domain"
	"github.com/ashureev/companion/internal/reward"
	"github.com/ashureev/companion/internal/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Admin is the slice of the repository the CLI operates on.
type Admin interface {
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.ScheduledTaskRecord, error)
	RescueTasks(ctx context.Context) (int64, error)
	PruneTasks(ctx context.Context, before time.Time) (int64, error)
	GetRewardStats(ctx context.Context, userID string) (*domain.RewardStats, error)
}

// opener returns an Admin and a function that releases it.
type opener func(ctx context.Context) (Admin, func() error, error)

var (
	dbPath  string
	keyPath string
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()

	if err := newRootCmd(openStore).Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(context.Context) (Admin, func() error, error) {
	sealer, err := store.LoadOrCreateKey(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load data key: %w", err)
	}
	repo, err := store.NewSQLite(dbPath, sealer)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "companionctl",
		Short:         "Maintain the companion task queue",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().StringVar(&dbPath, "db", envOr("DB_PATH", config.DefaultDBPath), "SQLite database path")
	root.PersistentFlags().StringVar(&keyPath, "key", envOr("DATA_KEY_PATH", config.DefaultDataKeyPath), "data encryption key path")

	queue := &cobra.Command{Use: "queue", Short: "Inspect and maintain scheduled tasks"}
	queue.AddCommand(queueListCmd(open), queueRescueCmd(open), queuePruneCmd(open))

	stats := &cobra.Command{Use: "stats", Short: "Inspect reward records"}
	stats.AddCommand(statsShowCmd(open))

	root.AddCommand(queue, stats)
	return root
}

func withAdmin(ctx context.Context, open opener, fn func(context.Context, Admin) error) (err error) {
	admin, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := release(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, admin)
}

func queueListCmd(open opener) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := domain.TaskStatus(status)
			switch s {
			case "", domain.TaskPending, domain.TaskActive, domain.TaskSkipped, domain.TaskDone:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return withAdmin(cmd.Context(), open, func(ctx context.Context, a Admin) error {
				tasks, err := a.ListTasks(ctx, s, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput(cmd) {
					return printJSON(out, tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Scheduled", "Status", "Activity", "Difficulty", "Routine"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID,
						t.ScheduledAt.Format(domain.TimeLayout),
						t.Status,
						t.Payload.Activity,
						t.Payload.Difficulty,
						t.IsRoutine,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, active, skipped, done)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	return cmd
}

func queueRescueCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rescue",
		Short: "Reset records with a missing status to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), open, func(ctx context.Context, a Admin) error {
				n, err := a.RescueTasks(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "rescued %d record(s)\n", n)
				return err
			})
		},
	}
}

func queuePruneCmd(open opener) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete done and skipped records scheduled before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			cutoff := time.Now().Add(-olderThan)
			return withAdmin(cmd.Context(), open, func(ctx context.Context, a Admin) error {
				n, err := a.PruneTasks(ctx, cutoff)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d record(s) scheduled before %s\n", n, cutoff.Format(domain.TimeLayout))
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of records to delete")
	return cmd
}

func statsShowCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's experience, level, and streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), open, func(ctx context.Context, a Admin) error {
				stats, err := a.GetRewardStats(ctx, args[0])
				if err != nil {
					return err
				}
				if stats == nil {
					stats = &domain.RewardStats{UserID: args[0]}
				}
				out := cmd.OutOrStdout()
				if jsonOutput(cmd) {
					return printJSON(out, map[string]any{
						"user_id":              stats.UserID,
						"xp":                   stats.XP,
						"level":                reward.Level(stats.XP),
						"streak":               stats.StreakCount,
						"last_completion_date": stats.LastCompletionDate,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"User", "XP", "Level", "Streak", "Last completion"})
				tw.AppendRow(table.Row{stats.UserID, stats.XP, reward.Level(stats.XP), stats.StreakCount, stats.LastCompletionDate})
				tw.Render()
				return nil
			})
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func jsonOutput(cmd *cobra.Command) bool {
	v, err := cmd.Flags().GetBool("json")
	return err == nil && v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
