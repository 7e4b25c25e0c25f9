package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/example/slotsniper/internal/config"
	"github.com/example/slotsniper/internal/engine"
	"github.com/spf13/cobra"
)

// newCheckCmd verifies the provider session before a task is left to run unattended.
func newCheckCmd() *cobra.Command {
	var refresh bool

	c := &cobra.Command{
		Use:   "check",
		Short: "Check provider credentials and clock skew",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p := newProvider(cfg)
			out := cmd.OutOrStdout()

			if refresh {
				cookie, err := p.RefreshCookie(ctx)
				if err != nil {
					return fmt.Errorf("refresh cookie: %w", err)
				}
				fmt.Fprintf(out, "cookie: %s\n", cookie)
			}

			before := time.Now()
			server, err := p.ServerTime(ctx)
			if err != nil {
				fmt.Fprintf(out, "server time: unavailable (%v)\n", err)
			} else {
				local := before.Add(time.Since(before) / 2)
				fmt.Fprintf(out, "server time: %s (skew %s)\n", server.Format(time.RFC3339), server.Sub(local).Round(time.Millisecond))
			}

			if err := p.Ping(ctx, location(cfg)); err != nil {
				if engine.KindOf(err) == engine.KindSession {
					return fmt.Errorf("session invalid, refresh PROVIDER_TOKEN / PROVIDER_COOKIE: %w", err)
				}
				return fmt.Errorf("provider check failed: %w", err)
			}
			fmt.Fprintln(out, "session: ok")
			return nil
		},
	}
	c.Flags().BoolVar(&refresh, "refresh-cookie", false, "fetch a fresh JSESSIONID before checking")
	return c
}
