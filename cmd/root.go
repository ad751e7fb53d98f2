// Package cmd defines and implements the CLI commands for the fineweb-news executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/app"
	"github.com/JakeFAU/fineweb-news/internal/config"
	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/logging"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitInterrupted = 130
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// collaborators such as a fake hub transport.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fineweb-news",
		Short: "Extracts news articles of one publisher from a partitioned web-crawl dataset.",
		Long: `fineweb-news walks the shards of a hub dataset subset by subset, keeps the
rows of one news site, caches filtered shards on local disk and publishes every
completed subset to a result dataset. Interrupted runs resume from the cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config is loaded and the application built before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); FWNEWS_* environment variables override it")
	cmd.PersistentFlags().String("dataset", "", "source dataset identity (overrides dataset.identity)")

	cmd.AddCommand(newRunCmd(), newCatalogCmd(), newEvictCmd())
	return cmd
}

// applyFlagOverrides copies explicitly set flags of cmd into cfg.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, apply func()) {
		if err == nil && flags.Lookup(name) != nil && flags.Changed(name) {
			apply()
		}
	}
	set("dataset", func() { cfg.Dataset.Identity, err = flags.GetString("dataset") })
	set("result", func() { cfg.Result.Identity, err = flags.GetString("result") })
	set("visibility", func() { cfg.Result.Visibility, err = flags.GetString("visibility") })
	set("subset-limit", func() { cfg.Run.SubsetLimit, err = flags.GetInt("subset-limit") })
	set("reverse", func() { cfg.Run.ReverseOrder, err = flags.GetBool("reverse") })
	set("concurrency", func() { cfg.Run.Concurrency, err = flags.GetInt("concurrency") })
	set("keep-cache", func() { cfg.Run.KeepCache, err = flags.GetBool("keep-cache") })
	set("subset", func() { cfg.Run.Subsets, err = flags.GetStringSlice("subset") })
	set("dry-run", func() {
		var dry bool
		if dry, err = flags.GetBool("dry-run"); dry {
			cfg.Registry.Backend = config.BackendMemory
			cfg.Run.KeepCache = true
		}
	})
	set("metrics-addr", func() { cfg.Metrics.Addr, err = flags.GetString("metrics-addr") })
	return err
}

// withApp resolves the App built by the root pre-run hook and closes it once fn
// returns, successfully or not.
func withApp(fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, ok := cmd.Context().Value(appKey).(*app.App)
		if !ok || appInstance == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			appInstance.Close()
			_ = appInstance.Logger().Sync()
		}()
		return fn(cmd, appInstance, args)
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, extract.ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFatal
	}
}

// Execute runs the CLI until completion or SIGINT/SIGTERM and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fineweb-news: %v\n", err)
	}
	return exitCode(err)
}
