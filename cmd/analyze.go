package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	analyzeLeadID int64
	analyzeOnce   bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a single lead",
	Long: `Runs every dimension agent against the lead, synthesizes a recommendation,
and prints the result. Retryable failures are retried in-process after the
configured backoff unless --once is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyzeLeadID <= 0 {
			return eris.New("--lead must be a positive lead id")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		run := env.Scheduler.Run
		if analyzeOnce {
			run = env.Orchestrator.AnalyzeLead
		}

		res, err := run(ctx, analyzeLeadID)
		if err != nil {
			return eris.Wrapf(err, "analyze lead %d", analyzeLeadID)
		}

		zap.L().Info("analysis finished",
			zap.Int64("lead_id", res.LeadID),
			zap.String("analysis_id", res.AnalysisID),
			zap.Bool("cached", res.Cached),
		)

		summary, err := env.Orchestrator.GetAnalysisStatus(ctx, res.AnalysisID)
		if err != nil {
			return writeJSON(os.Stdout, res)
		}
		return writeJSON(os.Stdout, summary)
	},
}

func init() {
	analyzeCmd.Flags().Int64Var(&analyzeLeadID, "lead", 0, "lead id to analyze")
	analyzeCmd.Flags().BoolVar(&analyzeOnce, "once", false, "run a single attempt without waiting for retries")
	rootCmd.AddCommand(analyzeCmd)
}

// writeJSON prints v as indented JSON.
func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
