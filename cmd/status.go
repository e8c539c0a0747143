package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/collab"
	"github.com/sells-group/lead-analyzer/internal/ledger"
	"github.com/sells-group/lead-analyzer/internal/model"
)

var (
	statusLeadID int64
	cancelLeadID int64
)

var statusCmd = &cobra.Command{
	Use:   "status [analysis-id]",
	Short: "Show an analysis or the ledger entry for a lead",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && statusLeadID <= 0 {
			return eris.New("pass an analysis id or --lead")
		}
		if err := cfg.Validate("prompts"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 1 {
			orch := analysis.NewOrchestrator(analysis.Deps{Store: st}, analysis.Config{})
			sum, err := orch.GetAnalysisStatus(ctx, args[0])
			if err != nil {
				return err
			}
			formatSummary(os.Stdout, sum)
			return nil
		}

		entry, err := ledger.New(st, 0).Get(ctx, model.AnalyzeLeadKey(statusLeadID))
		if err != nil {
			return err
		}
		formatJob(os.Stdout, entry)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a queued or running analysis for a lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cancelLeadID <= 0 {
			return eris.New("--lead must be a positive lead id")
		}
		if err := cfg.Validate("prompts"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		key := model.AnalyzeLeadKey(cancelLeadID)
		ok, err := ledger.New(st, 0).Cancel(ctx, key)
		if err != nil {
			return err
		}
		result := "noop"
		if ok {
			result = "ok"
		}
		collab.NewStoreAuditor(st).EmitAuditEntry(ctx, "cli", "analysis.cancel", result, analysis.LeadRef(cancelLeadID))

		if ok {
			fmt.Printf("cancelled %s\n", key)
		} else {
			fmt.Printf("%s was not queued or running\n", key)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int64Var(&statusLeadID, "lead", 0, "show the ledger entry for this lead")
	cancelCmd.Flags().Int64Var(&cancelLeadID, "lead", 0, "lead id to cancel")
	rootCmd.AddCommand(statusCmd, cancelCmd)
}

func formatSummary(out io.Writer, s *model.AnalysisSummary) {
	_, _ = fmt.Fprintf(out, "Analysis:       %s\n", s.AnalysisID)
	_, _ = fmt.Fprintf(out, "Lead:           %d\n", s.LeadID)
	_, _ = fmt.Fprintf(out, "Status:         %s\n", s.Status)
	if s.Recommendation != nil {
		_, _ = fmt.Fprintf(out, "Recommendation: %s\n", *s.Recommendation)
	}
	if s.Confidence != nil {
		_, _ = fmt.Fprintf(out, "Confidence:     %.2f\n", *s.Confidence)
	}
	_, _ = fmt.Fprintf(out, "Started:        %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	if s.CompletedAt != nil {
		_, _ = fmt.Fprintf(out, "Duration:       %s\n", s.CompletedAt.Sub(s.StartedAt).Round(time.Second))
	}
	if s.Reasoning != "" {
		_, _ = fmt.Fprintf(out, "\n%s\n", s.Reasoning)
	}

	if len(s.Dimensions) == 0 {
		return
	}
	dims := make([]string, 0, len(s.Dimensions))
	for d := range s.Dimensions {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DIMENSION\tSTATUS")
	_, _ = fmt.Fprintln(w, "---------\t------")
	for _, d := range dims {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", d, s.Dimensions[d])
	}
	_ = w.Flush()
}

func formatJob(out io.Writer, e *model.JobLedgerEntry) {
	_, _ = fmt.Fprintf(out, "Key:        %s\n", e.DedupeKey)
	_, _ = fmt.Fprintf(out, "Status:     %s\n", e.Status)
	_, _ = fmt.Fprintf(out, "Attempts:   %d\n", e.Attempts)
	if e.AnalysisID != "" {
		_, _ = fmt.Fprintf(out, "Analysis:   %s\n", e.AnalysisID)
	}
	if e.Status == model.JobStatusRetrying {
		_, _ = fmt.Fprintf(out, "Next run:   %s\n", e.NextRunAt.UTC().Format(time.RFC3339))
	}
	if e.LastError != "" {
		_, _ = fmt.Fprintf(out, "Last error: %s\n", e.LastError)
	}
	_, _ = fmt.Fprintf(out, "Updated:    %s\n", e.UpdatedAt.UTC().Format(time.RFC3339))
}
