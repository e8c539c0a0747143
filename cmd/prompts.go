package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/registry"
)

var (
	promptsVersion     int
	promptsFile        string
	promptsSchemaFile  string
	promptsTemperature float64
	promptsMaxTokens   int
	promptsNotes       string
	promptsAuthor      string
	promptsSeedFile    string
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage versioned dimension prompts",
}

var promptsListCmd = &cobra.Command{
	Use:   "list [dimension]",
	Short: "List dimensions, or every version of one dimension",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, closeFn, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if len(args) == 1 {
			versions, err := reg.ListVersions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				return eris.Wrapf(model.ErrNotFound, "no prompts for %s", args[0])
			}
			formatPromptVersions(os.Stdout, versions)
			return nil
		}

		dims, err := reg.Dimensions(ctx)
		if err != nil {
			return err
		}
		active := make([]model.AgentPrompt, 0, len(dims))
		for _, d := range dims {
			p, err := reg.GetActive(ctx, d)
			if err != nil {
				active = append(active, model.AgentPrompt{Dimension: d})
				continue
			}
			active = append(active, *p)
		}
		formatPromptVersions(os.Stdout, active)
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <dimension>",
	Short: "Print the active prompt, or --version N",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, closeFn, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		var p *model.AgentPrompt
		if promptsVersion > 0 {
			versions, err := reg.ListVersions(ctx, args[0])
			if err != nil {
				return err
			}
			for i := range versions {
				if versions[i].Version == promptsVersion {
					p = &versions[i]
					break
				}
			}
			if p == nil {
				return eris.Wrapf(model.ErrNotFound, "%s v%d", args[0], promptsVersion)
			}
		} else {
			p, err = reg.GetActive(ctx, args[0])
			if err != nil {
				return err
			}
		}
		return writeJSON(os.Stdout, p)
	},
}

var promptsUpdateCmd = &cobra.Command{
	Use:   "update <dimension>",
	Short: "Write and activate a new version from the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := updateParamsFromFlags(cmd)
		if err != nil {
			return err
		}

		reg, closeFn, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		p, err := reg.Update(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		fmt.Printf("%s is now at v%d\n", p.Dimension, p.Version)
		return nil
	},
}

var promptsRollbackCmd = &cobra.Command{
	Use:   "rollback <dimension> <version>",
	Short: "Copy an old version forward and activate it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[1])
		if err != nil || target <= 0 {
			return eris.Errorf("invalid version %q", args[1])
		}

		reg, closeFn, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		p, err := reg.Rollback(cmd.Context(), args[0], target, promptsAuthor)
		if err != nil {
			return err
		}
		fmt.Printf("%s rolled back to v%d as v%d\n", p.Dimension, target, p.Version)
		return nil
	},
}

var promptsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed default prompts for dimensions with no active version",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := promptsSeedFile
		if path == "" {
			path = cfg.Prompts.SeedFile
		}
		seeds, err := registry.LoadSeed(path)
		if err != nil {
			return err
		}

		reg, closeFn, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		created, err := reg.Seed(cmd.Context(), seeds, seedAuthor)
		if err != nil {
			return err
		}
		fmt.Printf("seeded %d of %d dimensions\n", len(created), len(seeds))
		return nil
	},
}

func init() {
	promptsShowCmd.Flags().IntVar(&promptsVersion, "version", 0, "show this version instead of the active one")

	promptsUpdateCmd.Flags().StringVar(&promptsFile, "prompt-file", "", "file holding the new system prompt")
	promptsUpdateCmd.Flags().StringVar(&promptsSchemaFile, "schema-file", "", "file holding the new JSON output schema")
	promptsUpdateCmd.Flags().Float64Var(&promptsTemperature, "temperature", 0, "sampling temperature")
	promptsUpdateCmd.Flags().IntVar(&promptsMaxTokens, "max-tokens", 0, "max output tokens")
	promptsUpdateCmd.Flags().StringVar(&promptsNotes, "notes", "", "change notes")

	promptsCmd.PersistentFlags().StringVar(&promptsAuthor, "author", "cli", "recorded as created_by")
	promptsSeedCmd.Flags().StringVar(&promptsSeedFile, "file", "", "YAML seed file (default: embedded defaults)")

	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd, promptsUpdateCmd, promptsRollbackCmd, promptsSeedCmd)
	rootCmd.AddCommand(promptsCmd)
}

// openRegistry opens the store for prompt management.
func openRegistry(cmd *cobra.Command) (*registry.Registry, func(), error) {
	if err := cfg.Validate("prompts"); err != nil {
		return nil, nil, err
	}
	st, reg, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { _ = st.Close() }, nil
}

// updateParamsFromFlags builds UpdateParams from the flags that were set.
func updateParamsFromFlags(cmd *cobra.Command) (registry.UpdateParams, error) {
	params := registry.UpdateParams{Notes: promptsNotes, Author: promptsAuthor}
	changed := false

	if promptsFile != "" {
		b, err := os.ReadFile(promptsFile)
		if err != nil {
			return params, eris.Wrapf(err, "read prompt file %s", promptsFile)
		}
		text := string(b)
		params.SystemPrompt = &text
		changed = true
	}
	if promptsSchemaFile != "" {
		b, err := os.ReadFile(promptsSchemaFile)
		if err != nil {
			return params, eris.Wrapf(err, "read schema file %s", promptsSchemaFile)
		}
		if !json.Valid(b) {
			return params, eris.Errorf("schema file %s is not valid JSON", promptsSchemaFile)
		}
		params.OutputSchema = b
		changed = true
	}
	if cmd.Flags().Changed("temperature") {
		t := promptsTemperature
		params.Temperature = &t
		changed = true
	}
	if cmd.Flags().Changed("max-tokens") {
		n := promptsMaxTokens
		params.MaxTokens = &n
		changed = true
	}
	if !changed {
		return params, eris.New("nothing to update: set --prompt-file, --schema-file, --temperature or --max-tokens")
	}
	return params, nil
}

func formatPromptVersions(out io.Writer, prompts []model.AgentPrompt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DIMENSION\tVERSION\tACTIVE\tAUTHOR\tCREATED\tNOTES")
	_, _ = fmt.Fprintln(w, "---------\t-------\t------\t------\t-------\t-----")
	for _, p := range prompts {
		created := ""
		if !p.CreatedAt.IsZero() {
			created = p.CreatedAt.UTC().Format(time.DateTime)
		}
		version := "-"
		if p.Version > 0 {
			version = "v" + strconv.Itoa(p.Version)
		}
		notes := p.Notes
		if len(notes) > 40 {
			notes = notes[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n", p.Dimension, version, p.Active, p.CreatedBy, created, notes)
	}
	_ = w.Flush()
}
