package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/model"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import leads from a JSON array or JSON lines file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		f, err := os.Open(importFile)
		if err != nil {
			return eris.Wrapf(err, "open %s", importFile)
		}
		defer f.Close() //nolint:errcheck

		leads, err := readLeads(f)
		if err != nil {
			return eris.Wrapf(err, "parse %s", importFile)
		}

		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.SaveLeads(ctx, leads)
		if err != nil {
			return eris.Wrap(err, "import leads")
		}

		zap.L().Info("import complete",
			zap.Int("read", len(leads)),
			zap.Int64("written", n),
			zap.String("file", importFile),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to a JSON or JSONL lead file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

// readLeads accepts either a JSON array of leads or one lead object per line.
func readLeads(r io.Reader) ([]model.Lead, error) {
	br := bufio.NewReader(r)
	head, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var leads []model.Lead
	if head == '[' {
		if err := json.NewDecoder(br).Decode(&leads); err != nil {
			return nil, eris.Wrap(err, "decode lead array")
		}
	} else {
		dec := json.NewDecoder(br)
		for i := 1; ; i++ {
			var l model.Lead
			err := dec.Decode(&l)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, eris.Wrapf(err, "lead %d", i)
			}
			leads = append(leads, l)
		}
	}

	for i, l := range leads {
		if l.ID <= 0 {
			return nil, eris.Errorf("lead %d: id must be positive", i+1)
		}
		if l.AccountID == "" {
			return nil, eris.Errorf("lead %d: account_id is required", i+1)
		}
	}
	return leads, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if len(bytes.TrimSpace(b)) > 0 {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}
