package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportCmd_Metadata(t *testing.T) {
	assert.Equal(t, "import", importCmd.Use)
	assert.NotEmpty(t, importCmd.Short)
	require.NotNil(t, importCmd.Flags().Lookup("file"))
}

func TestReadLeads_Array(t *testing.T) {
	leads, err := readLeads(strings.NewReader(`
	[{"id": 1, "account_id": "a1", "username": "rider"},
	 {"id": 2, "account_id": "a2", "title": "help"}]`))
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "rider", leads[0].Username)
	assert.Equal(t, "help", leads[1].Title)
}

func TestReadLeads_Lines(t *testing.T) {
	leads, err := readLeads(strings.NewReader("{\"id\": 3, \"account_id\": \"a3\"}\n{\"id\": 4, \"account_id\": \"a4\"}\n"))
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, int64(4), leads[1].ID)
}

func TestReadLeads_Empty(t *testing.T) {
	leads, err := readLeads(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestReadLeads_Invalid(t *testing.T) {
	_, err := readLeads(strings.NewReader(`[{"id": 0, "account_id": "a"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id must be positive")

	_, err = readLeads(strings.NewReader(`{"id": 5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_id is required")

	_, err = readLeads(strings.NewReader("{\"id\": 5, \"account_id\": \"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead 2")
}

func TestImportCmd_WritesLeads(t *testing.T) {
	useTestConfig(t)
	path := filepath.Join(t.TempDir(), "leads.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\": 11, \"account_id\": \"a11\", \"username\": \"hiker\"}\n"), 0o600))

	prev := importFile
	importFile = path
	t.Cleanup(func() { importFile = prev })

	importCmd.SetContext(context.Background())
	require.NoError(t, importCmd.RunE(importCmd, nil))

	st, _, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	lead, err := st.GetLead(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, "hiker", lead.Username)
}

func TestImportCmd_MissingFile(t *testing.T) {
	useTestConfig(t)
	prev := importFile
	importFile = filepath.Join(t.TempDir(), "nope.json")
	t.Cleanup(func() { importFile = prev })

	importCmd.SetContext(context.Background())
	err := importCmd.RunE(importCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}
