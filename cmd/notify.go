package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/example/slotsniper/internal/config"
	"github.com/spf13/cobra"
)

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Notification channel tools",
	}
	cmd.AddCommand(newNotifyTestCmd())
	return cmd
}

// newNotifyTestCmd sends one message through the configured channels.
func newNotifyTestCmd() *cobra.Command {
	var message, phones string

	c := &cobra.Command{
		Use:   "test",
		Short: "Send a test message to the configured recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			n := newNotifier(cfg, log.Default())
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if message == "" {
				message = fmt.Sprintf("[slotsniper] test message sent at %s", time.Now().In(location(cfg)).Format("2006-01-02 15:04:05"))
			}
			if phones != "" {
				err = n.NotifyTo(ctx, strings.Split(phones, ","), message)
			} else {
				err = n.Notify(ctx, message)
			}
			if err != nil {
				return fmt.Errorf("notify: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent via %d channel(s)\n", len(n))
			return nil
		},
	}
	c.Flags().StringVar(&message, "message", "", "message text (default: a timestamped test line)")
	c.Flags().StringVar(&phones, "phones", "", "comma-separated phones overriding NOTIFY_PHONES")
	return c
}
