package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/example/slotsniper/internal/auth"
	"github.com/example/slotsniper/internal/config"
	"github.com/spf13/cobra"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage web console operators",
	}
	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserPhonesCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var username, password, phones string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an operator (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("SLOTSNIPER_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or SLOTSNIPER_PASSWORD required")
			}

			ctx := context.Background()
			d, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			store := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			id, err := store.CreateOperator(ctx, username, password, strings.Split(phones, ","))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created operator %q id=%d\n", username, id)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password (or SLOTSNIPER_PASSWORD)")
	c.Flags().StringVar(&phones, "phones", "", "comma-separated phones notified for this operator's tasks")
	_ = c.MarkFlagRequired("username")
	return c
}

// newUserPhonesCmd replaces an operator's default notification phones.
func newUserPhonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phones USERNAME [PHONE,...]",
		Short: "Set an operator's notification phones (empty clears them)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			var phones []string
			if len(args) == 2 {
				phones = auth.CleanPhones(strings.Split(args[1], ","))
			}
			store := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			if err := store.SetPhones(ctx, args[0], phones); err != nil {
				return fmt.Errorf("operator %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator %q phones: %s\n", args[0], strings.Join(phones, ","))
			return nil
		},
	}
}
