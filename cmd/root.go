// Package cmd defines the CLI commands for the contentgen executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/config"
	"github.com/JakeFAU/contentgen-pipeline/internal/logging"
	"github.com/JakeFAU/contentgen-pipeline/internal/server"
)

// Runner is the part of server.App the commands drive. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context, opts server.RunOptions) error
}

// newRunner is the application factory. It's a variable so tests can
// replace it.
var newRunner = func(ctx context.Context, cfg config.Config) (Runner, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// migrate is swapped in tests like newRunner.
var migrate = server.Migrate

type options struct {
	cfgFile string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "contentgen",
		Short: "Content generation pipeline: HTTP admission, job queue and worker.",
		Long: `contentgen accepts article and novel generation requests over HTTP,
gates them by per-IP rate limits and an access ledger, queues them on a broker,
and runs a single worker that drives the generator and reports results to
caller webhooks.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a config file (env CONTENTGEN_* overrides)")

	cmd.AddCommand(newServeCmd(opts), newWorkerCmd(opts), newMigrateCmd(opts))
	return cmd
}

func (o *options) load() (config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, o *options, ro server.RunOptions) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	app, err := newRunner(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(cmd.Context(), ro)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandLogger is used by commands that do not build the full App.
func commandLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger, nil
}
