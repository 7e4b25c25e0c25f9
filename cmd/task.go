package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/example/slotsniper/internal/config"
	"github.com/example/slotsniper/internal/engine"
	"github.com/example/slotsniper/internal/tasks"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage acquisition tasks (non-UI)",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskDeleteCmd())
	cmd.AddCommand(newTaskStatusCmd("pause", tasks.StatusPaused))
	cmd.AddCommand(newTaskStatusCmd("resume", tasks.StatusActive))
	cmd.AddCommand(newTaskRunCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var d tasks.Draft

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := d.Build()
			if err != nil {
				return err
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := tasks.NewRepo(db).Create(ctx, t)
			if err != nil {
				return err
			}
			loc := location(cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "created task id=%d name=%q next_run=%s\n",
				id, t.Name, t.NextRunAt(time.Now(), loc).In(loc).Format(time.RFC3339))
			return nil
		},
	}

	f := c.Flags()
	f.StringVar(&d.Name, "name", "", "task name (unique)")
	f.StringVar(&d.Schedule, "schedule", "daily", "daily, weekly or once")
	f.StringVar(&d.RunTime, "run-time", "08:00", "local time the run starts, HH:MM[:SS]")
	f.StringVar(&d.Weekday, "weekday", "", "weekday for weekly tasks (0-6 or mon..sun)")
	f.StringVar(&d.RunDate, "run-date", "", "date for once tasks, YYYY-MM-DD")
	f.StringVar(&d.DayOffset, "day-offset", "0", "target date is the run day plus N days")
	f.StringVar(&d.TargetDate, "target-date", "", "fixed target date YYYY-MM-DD (overrides --day-offset)")
	f.StringVar(&d.Windows, "windows", "", "comma-separated time windows, e.g. 20:00,21:00")
	f.StringVar(&d.Candidates, "candidates", "", "comma-separated candidate units (empty = any)")
	f.StringVar(&d.Groups, "groups", "", "priority groups, e.g. 5,6;7,8")
	f.StringVar(&d.Sequences, "time-sequences", "", "time sequences, e.g. 20:00,21:00;19:00,20:00")
	f.StringVar(&d.TargetCount, "target-count", "1", "units to acquire per window")
	f.StringVar(&d.Strategy, "strategy", "normal", "normal, priority, time_priority or staged")
	f.StringVar(&d.DeadlineLead, "deadline-lead", "0", "stop N minutes before the first window starts")
	f.StringVar(&d.NotifyPhones, "notify-phones", "", "comma-separated phones for this task")
	f.BoolVar(&d.AllowPartial, "allow-partial", false, "accept fewer than target-count in a window")
	f.BoolVar(&d.PreferContiguous, "prefer-contiguous", false, "prefer adjacent unit numbers")

	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("windows")
	return c
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			ts, err := tasks.NewRepo(db).List(ctx)
			if err != nil {
				return err
			}
			loc := location(cfg)
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tSTRATEGY\tSTATUS\tNEXT RUN\tLAST RESULT")
			for _, t := range ts {
				next := "-"
				if at := t.NextRunAt(now, loc); !at.IsZero() {
					next = at.In(loc).Format("2006-01-02 15:04")
				}
				last := "-"
				if t.LastResult != nil {
					last = *t.LastResult
				}
				fmt.Fprintf(w, "%d\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Name, t.Schedule, t.RunTime, t.Strategy, t.Status, next, last)
			}
			return w.Flush()
		},
	}
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := tasks.NewRepo(db)
			t, err := repo.GetByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("task %q: %w", args[0], err)
			}
			if err := repo.Delete(ctx, t.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted task %q\n", t.Name)
			return nil
		},
	}
}

func newTaskStatusCmd(use string, status tasks.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: fmt.Sprintf("Mark a task %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := tasks.NewRepo(db)
			t, err := repo.GetByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("task %q: %w", args[0], err)
			}
			return repo.SetStatus(ctx, t.ID, status)
		},
	}
}

// newTaskRunCmd runs a stored task once in the foreground, bypassing the
// scheduler. Ctrl-C stops the run.
func newTaskRunCmd() *cobra.Command {
	var date string

	c := &cobra.Command{
		Use:   "run NAME",
		Short: "Run a task now and wait for the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := log.Default()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			db, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := tasks.NewRepo(db)
			t, err := repo.GetByName(ctx, args[0])
			if err != nil {
				return fmt.Errorf("task %q: %w", args[0], err)
			}

			tuning, err := config.NewStore(cfg.TuningFile, logger)
			if err != nil {
				return err
			}
			runner, closeRunner := newRunner(cfg, db, newProvider(cfg), tuning, logger)
			defer closeRunner()

			spec := t.Spec()
			if date != "" {
				spec.Date = date
			}
			started := time.Now()
			out, err := runner.RunOnce(ctx, spec)
			if err != nil {
				return err
			}
			bg, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer done()
			if err := repo.MarkRun(bg, t.ID, started, out); err != nil {
				logger.Printf("task: record result failed: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", out.Result, out.Message)
			if out.Result != engine.ResultSuccess {
				return fmt.Errorf("run ended %s", out.Result)
			}
			return nil
		},
	}
	c.Flags().StringVar(&date, "date", "", "override the target date YYYY-MM-DD")
	return c
}
