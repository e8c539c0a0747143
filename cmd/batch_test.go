package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/model"
)

func TestParseLeadList(t *testing.T) {
	ids, err := parseLeadList(" 1, 2,,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = parseLeadList("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseLeadList("1,abc")
	assert.ErrorContains(t, err, `invalid lead id "abc"`)

	_, err = parseLeadList("0")
	assert.Error(t, err)
}

func TestReadLeadCSV(t *testing.T) {
	ids, err := readLeadCSV(strings.NewReader("lead_id,source\n10,reddit\n11,forum\n\n12\n"))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, ids)

	ids, err = readLeadCSV(strings.NewReader("5\n6\n"))
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, ids)

	_, err = readLeadCSV(strings.NewReader("lead_id\n7\nseven\n"))
	assert.ErrorContains(t, err, "row 3")
}

func TestCollectLeadIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(path, []byte("id\n3\n4\n"), 0o644))

	ids, err := collectLeadIDs("1,2", path)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	_, err = collectLeadIDs("", filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorContains(t, err, "open lead file")
}

func TestFormatBatchResult(t *testing.T) {
	res := &analysis.BatchResult{
		Queued: 1,
		PerLead: []analysis.BatchLead{
			{LeadID: 1, Handle: "local:1", Status: model.JobStatusQueued},
			{LeadID: 2, Handle: "analyze:lead:2", Status: model.JobStatusDone},
			{LeadID: 3, Handle: "analyze:lead:3", Status: model.JobStatusQueued, Error: "temporal unavailable"},
		},
	}

	var buf bytes.Buffer
	formatBatchResult(&buf, res)

	out := buf.String()
	assert.Contains(t, out, "LEAD")
	assert.Contains(t, out, "local:1")
	assert.Contains(t, out, "temporal unavailable")
	assert.Contains(t, out, "Queued 1 of 3 leads")
}
