package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/model"
)

// resetUpdateFlags clears update flag state shared between tests.
func resetUpdateFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		promptsFile, promptsSchemaFile, promptsNotes = "", "", ""
		promptsTemperature, promptsMaxTokens = 0, 0
		for _, name := range []string{"temperature", "max-tokens"} {
			if f := promptsUpdateCmd.Flags().Lookup(name); f != nil {
				f.Changed = false
			}
		}
	})
}

func TestUpdateParamsFromFlags(t *testing.T) {
	resetUpdateFlags(t)
	dir := t.TempDir()
	promptFile := filepath.Join(dir, "prompt.txt")
	schemaFile := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(promptFile, []byte("You profile leads."), 0o644))
	require.NoError(t, os.WriteFile(schemaFile, []byte(`{"type":"object"}`), 0o644))

	promptsFile = promptFile
	promptsSchemaFile = schemaFile
	promptsNotes = "tighter wording"
	require.NoError(t, promptsUpdateCmd.Flags().Set("temperature", "0.3"))

	params, err := updateParamsFromFlags(promptsUpdateCmd)
	require.NoError(t, err)
	require.NotNil(t, params.SystemPrompt)
	assert.Equal(t, "You profile leads.", *params.SystemPrompt)
	assert.JSONEq(t, `{"type":"object"}`, string(params.OutputSchema))
	require.NotNil(t, params.Temperature)
	assert.InDelta(t, 0.3, *params.Temperature, 0.0001)
	assert.Nil(t, params.MaxTokens)
	assert.Equal(t, "tighter wording", params.Notes)
}

func TestUpdateParamsFromFlags_NothingSet(t *testing.T) {
	resetUpdateFlags(t)
	_, err := updateParamsFromFlags(promptsUpdateCmd)
	assert.ErrorContains(t, err, "nothing to update")
}

func TestUpdateParamsFromFlags_InvalidSchema(t *testing.T) {
	resetUpdateFlags(t)
	schemaFile := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(schemaFile, []byte(`{"type":`), 0o644))
	promptsSchemaFile = schemaFile

	_, err := updateParamsFromFlags(promptsUpdateCmd)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestFormatPromptVersions(t *testing.T) {
	created := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatPromptVersions(&buf, []model.AgentPrompt{
		{Dimension: "demographics", Version: 2, Active: true, CreatedBy: "ops", CreatedAt: created, Notes: "rollback to v1"},
		{Dimension: "demographics", Version: 1, CreatedBy: "system", CreatedAt: created, Notes: "seeded default with a long explanation that gets cut"},
		{Dimension: "orphan"},
	})

	out := buf.String()
	assert.Contains(t, out, "DIMENSION")
	assert.Contains(t, out, "v2")
	assert.Contains(t, out, "2026-02-01 09:30:00")
	assert.Contains(t, out, "rollback to v1")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "orphan")
}
