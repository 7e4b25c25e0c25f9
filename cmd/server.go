package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/slotsniper/internal/auth"
	"github.com/example/slotsniper/internal/config"
	"github.com/example/slotsniper/internal/scheduler"
	"github.com/example/slotsniper/internal/tasks"
	"github.com/example/slotsniper/internal/web"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the web console + scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := log.Default()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer d.Close()

			tuning, err := config.NewStore(cfg.TuningFile, logger)
			if err != nil {
				return err
			}
			go func() {
				if err := tuning.Watch(ctx); err != nil && ctx.Err() == nil {
					logger.Printf("config: tuning watch stopped: %v", err)
				}
			}()

			prov := newProvider(cfg)
			runner, closeRunner := newRunner(cfg, d, prov, tuning, logger)
			defer closeRunner()

			taskRepo := tasks.NewRepo(d)
			loc := location(cfg)

			// scheduler
			s := &scheduler.Scheduler{
				Repo:           taskRepo,
				Runner:         runner,
				Notifier:       runner.Notifier,
				Interval:       cfg.PollInterval,
				HealthInterval: cfg.HealthCheck,
				Location:       loc,
				Logger:         logger,
			}
			if cfg.HealthCheck > 0 {
				s.Health = prov
			}
			s.SetLimit(cfg.MaxConcurrentRuns)
			go func() { _ = s.Run(ctx) }()

			// web
			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			ws := &web.Server{
				Auth:      authStore,
				Operators: authStore,
				Tasks:     taskRepo,
				Scheduler: s,
				Location:  loc,
				Logger:    logger,
				BaseURL:   cfg.BaseURL,
			}
			err = web.Start(ctx, cfg.ListenAddr, ws.Routes())
			cancel()
			s.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
