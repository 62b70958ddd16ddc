package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup [integration]",
		Short: "Register vendor webhook subscriptions",
		Long: `Register the vendor-side webhook subscriptions for an integration.

A subscription that fails to register is reported as a warning; syncing works
without webhooks, just without real-time updates.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			integration := ""
			if len(args) > 0 {
				integration = args[0]
			}

			logger := buildLogger()

			engine, store, err := buildEngine(integration, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := engine.SetupIntegration(context.Background()); err != nil {
				return err
			}

			fmt.Println("Webhook setup complete.")

			return nil
		},
	}
}
