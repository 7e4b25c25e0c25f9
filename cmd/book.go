package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/slotsniper/internal/config"
	"github.com/example/slotsniper/internal/engine"
	"github.com/spf13/cobra"
)

// newBookCmd books specific pairs immediately, outside any task.
func newBookCmd() *cobra.Command {
	var date, list string

	c := &cobra.Command{
		Use:   "book",
		Short: "Book the given unit@window pairs now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := engine.ParsePairs(list)
			if err != nil {
				return err
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := log.Default()
			if date == "" {
				date = time.Now().In(location(cfg)).Format("2006-01-02")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			tuning, err := config.NewStore(cfg.TuningFile, logger)
			if err != nil {
				return err
			}
			runner := engine.NewRunner(newProvider(cfg), newNotifier(cfg, logger), nil, tuning, logger)

			res, err := runner.Book(ctx, date, ps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range res.Skipped {
				fmt.Fprintf(out, "skipped %s: not available\n", p)
			}
			fmt.Fprintf(out, "%s: %s\n", res.Outcome.Status, res.Outcome.Message)
			for _, p := range res.Outcome.Held {
				fmt.Fprintf(out, "held %s\n", p)
			}
			if res.Outcome.Status != engine.StatusSuccess {
				return fmt.Errorf("booking ended %s", res.Outcome.Status)
			}
			return nil
		},
	}
	c.Flags().StringVar(&date, "date", "", "date to book YYYY-MM-DD (default today)")
	c.Flags().StringVar(&list, "pairs", "", "comma-separated pairs, e.g. 6@21:00,7@21:00")
	_ = c.MarkFlagRequired("pairs")
	return c
}
