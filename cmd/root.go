// Package cmd defines the snipewatch CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/snipewatch/internal/config"
	"github.com/JakeFAU/snipewatch/internal/server"
)

// App is the engine surface the commands drive. Tests swap in a fake.
type App interface {
	Run(ctx context.Context) error
	Load(ctx context.Context) (int, error)
	Save(ctx context.Context) error
	Check(ctx context.Context) error
	Counts(ctx context.Context) (active, total int, err error)
	ClearDeleted(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

type appKeyType struct{}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "snipewatch",
		Short: "Track auctions, keep them fresh and fire snipes before they close.",
		Long: `snipewatch keeps a registry of auction listings up to date on a
fixed tick, fires scheduled snipes through the site driver and
checkpoints everything to a rotating XML snapshot.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			return appInstance.Close(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SNIPEWATCH_* overrides)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newClearDeletedCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
