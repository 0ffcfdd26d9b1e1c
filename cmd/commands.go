package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Long: `Loads saved auctions, starts the ticker and the operator HTTP
server, and writes a final snapshot on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run engine: %w", err)
			}
			return nil
		},
	}
}

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Load and write a snapshot once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if err := appInstance.Save(cmd.Context()); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved")
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	var tick bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load saved auctions and print counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if tick {
				if err := appInstance.Check(cmd.Context()); err != nil {
					return fmt.Errorf("check: %w", err)
				}
			}
			active, total, err := appInstance.Counts(cmd.Context())
			if err != nil {
				return fmt.Errorf("count auctions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active=%d total=%d\n", active, total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&tick, "tick", false, "run one scheduler pass before counting")
	return cmd
}

func newClearDeletedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-deleted",
		Short: "Forget deleted auctions so they can be added again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := loadApp(cmd)
			if err != nil {
				return err
			}
			n, err := appInstance.ClearDeleted(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear deleted: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d deleted auctions\n", n)
			return nil
		},
	}
}

func loadApp(cmd *cobra.Command) (App, error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	if _, err := appInstance.Load(cmd.Context()); err != nil {
		return nil, fmt.Errorf("load auctions: %w", err)
	}
	return appInstance, nil
}
