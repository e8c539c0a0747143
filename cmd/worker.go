package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/jobs"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run analysis workflows from the Temporal task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.temporalClient()
		if err != nil {
			return err
		}

		concurrency := workerConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Batch.MaxConcurrentLeads
		}
		w := jobs.NewWorker(c, cfg.Temporal.TaskQueue, &jobs.Activities{Analyzer: env.Orchestrator}, concurrency)

		zap.L().Info("starting worker",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.Int("max_concurrent_leads", concurrency),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "leads analysed at once (default batch.max_concurrent_leads)")
	rootCmd.AddCommand(workerCmd)
}
