package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-analyzer/internal/analysis"
)

var (
	batchLeads string
	batchFile  string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Queue many leads for analysis",
	Long: `Queues each lead in the job ledger and dispatches it. With the local
dispatcher the command waits for every lead to finish; with the temporal
dispatcher it returns once the workflows are started.

Examples:
  lead-analyzer batch --leads 101,102,103
  lead-analyzer batch --file leads.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := collectLeadIDs(batchLeads, batchFile)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return eris.New("no leads given: use --leads or --file")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		dispatcher, wait, err := env.newDispatcher(ctx)
		if err != nil {
			return err
		}

		res, err := analysis.NewBatch(env.Ledger, dispatcher).BatchAnalyze(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "batch analyze")
		}
		formatBatchResult(os.Stdout, res)

		wait()
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchLeads, "leads", "", "comma-separated lead ids")
	batchCmd.Flags().StringVar(&batchFile, "file", "", "CSV file whose first column holds lead ids")
	rootCmd.AddCommand(batchCmd)
}

// collectLeadIDs merges ids from the --leads list and the --file CSV.
func collectLeadIDs(list, path string) ([]int64, error) {
	ids, err := parseLeadList(list)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return ids, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open lead file %s", path)
	}
	defer f.Close() //nolint:errcheck

	fromFile, err := readLeadCSV(f)
	if err != nil {
		return nil, eris.Wrapf(err, "read lead file %s", path)
	}
	return append(ids, fromFile...), nil
}

// parseLeadList parses "1, 2,3" into ids.
func parseLeadList(list string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, eris.Errorf("invalid lead id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// readLeadCSV reads ids from the first column. A non-numeric first row is
// treated as a header.
func readLeadCSV(r io.Reader) ([]int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var ids []int64
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "parse csv")
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			if row == 0 {
				continue
			}
			return nil, eris.Errorf("row %d: invalid lead id %q", row+1, rec[0])
		}
		if id <= 0 {
			return nil, eris.Errorf("row %d: invalid lead id %q", row+1, rec[0])
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatBatchResult(out io.Writer, res *analysis.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LEAD\tSTATUS\tHANDLE\tERROR")
	_, _ = fmt.Fprintln(w, "----\t------\t------\t-----")
	for _, l := range res.PerLead {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", l.LeadID, l.Status, l.Handle, l.Error)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nQueued %d of %d leads\n", res.Queued, len(res.PerLead))
}
