// Package cmd defines the CLI commands for the campus crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/api"
	"github.com/JakeFAU/campus-crawler/internal/app"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/logging"
	"github.com/JakeFAU/campus-crawler/internal/scheduler"
)

type appKeyType string

const appKey appKeyType = "app"

// App is the service container the commands use. Tests inject their own.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Index() crawler.IndexStore
	Scheduler() *scheduler.Scheduler
	Server(withCrawler bool) *api.Server
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "campus-crawler",
		Short: "A polite, domain-scoped crawler and search index for a university web.",
		Long: `campus-crawler repeatedly samples links from pages it has already indexed,
fetches the ones it has not seen, extracts their text and attachments,
and stores them in a searchable index.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.NewWithOptions(logging.Options{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	return cmd
}

// applyFlagOverrides copies explicitly set command flags over the loaded
// configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		v, err := flags.GetInt("batch-size")
		if err != nil {
			return fmt.Errorf("read --batch-size: %w", err)
		}
		cfg.Crawler.BatchSize = v
	}
	if flags.Changed("item-ceiling") {
		v, err := flags.GetInt("item-ceiling")
		if err != nil {
			return fmt.Errorf("read --item-ceiling: %w", err)
		}
		cfg.Crawler.ItemCeiling = v
	}
	if flags.Changed("delay") {
		v, err := flags.GetDuration("delay")
		if err != nil {
			return fmt.Errorf("read --delay: %w", err)
		}
		cfg.Crawler.Delay = v
	}
	if flags.Changed("allowed-domains") {
		v, err := flags.GetStringSlice("allowed-domains")
		if err != nil {
			return fmt.Errorf("read --allowed-domains: %w", err)
		}
		cfg.Crawler.AllowedDomains = v
	}
	if flags.Changed("addr") {
		v, err := flags.GetString("addr")
		if err != nil {
			return fmt.Errorf("read --addr: %w", err)
		}
		cfg.Server.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
