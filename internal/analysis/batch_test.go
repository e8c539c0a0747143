package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/model"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	leads []int64
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, leadID int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.leads = append(d.leads, leadID)
	return "", nil
}

func TestBatch_DedupesAndSkipsActiveLeads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.AnalyzeLead(ctx, 3)
	require.NoError(t, err)

	d := &recordingDispatcher{}
	res, err := NewBatch(env.ledger, d).BatchAnalyze(ctx, []int64{1, 2, 1, 3})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, []int64{1, 2}, d.leads)
	require.Len(t, res.PerLead, 3)
	assert.Equal(t, BatchLead{LeadID: 1, Handle: "analyze:lead:1", Status: model.JobStatusQueued}, res.PerLead[0])
	assert.Equal(t, model.JobStatusDone, res.PerLead[2].Status)

	entry, err := env.ledger.Get(ctx, model.AnalyzeLeadKey(2))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, entry.Status)
}

func TestBatch_DispatchErrorIsReportedPerLead(t *testing.T) {
	env := newTestEnv(t)
	d := &recordingDispatcher{err: errors.New("worker unavailable")}

	res, err := NewBatch(env.ledger, d).BatchAnalyze(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Zero(t, res.Queued)
	for _, item := range res.PerLead {
		assert.Equal(t, "worker unavailable", item.Error)
	}
}

func TestBatch_LocalDispatcherRunsLeads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	local := NewLocalDispatcher(ctx, NewScheduler(env.orch), 2)
	res, err := NewBatch(env.ledger, local).BatchAnalyze(ctx, []int64{1, 2, 42})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Queued)
	assert.Equal(t, "local:42", res.PerLead[2].Handle)

	local.Wait()

	for _, id := range []int64{1, 2, 42} {
		entry, err := env.ledger.Get(ctx, model.AnalyzeLeadKey(id))
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDone, entry.Status, id)
		assert.NotEmpty(t, entry.AnalysisID)
	}
}

func TestLocalDispatcher_StoppedBase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	local := NewLocalDispatcher(ctx, NewScheduler(&scriptedAnalyzer{}), 1)
	_, err := local.Dispatch(context.Background(), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
