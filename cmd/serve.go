package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/api"
	"github.com/sells-group/lead-analyzer/internal/collab"
	"github.com/sells-group/lead-analyzer/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for analysis requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		dispatcher, wait, err := env.newDispatcher(ctx)
		if err != nil {
			return err
		}
		defer wait()

		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(env.Store, env.Breakers.States)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring, collab.NewLogMetrics())
			go checker.Run(ctx)
		}

		srv := api.NewServer(api.Deps{
			Batch:    analysis.NewBatch(env.Ledger, dispatcher),
			Analyses: env.Orchestrator,
			Jobs:     env.Ledger,
			Prompts:  env.Registry,
			Breakers: env.Breakers.States,
		}, cfg.Server.CORSOrigins)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		zap.L().Info("serving", zap.Int("port", port), zap.String("dispatcher", cfg.Batch.Dispatcher))
		return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
