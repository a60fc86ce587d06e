package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply access ledger schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			logger, err := commandLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			applied, err := migrate(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("schema is up to date")
			} else {
				logger.Info("migrations applied", zap.Int("count", len(applied)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			return nil
		},
	}
}
