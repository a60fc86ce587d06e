package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/contentgen-pipeline/internal/server"
)

func newServeCmd(o *options) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serves job submission, access requests and the admin routes. With
--with-worker the queue consumer runs in the same process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, server.RunOptions{HTTP: true, Worker: withWorker})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume and process jobs in this process")
	return cmd
}

func newWorkerCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the broker one at a time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, server.RunOptions{Worker: true})
		},
	}
}
