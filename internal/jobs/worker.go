package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/model"
)

// ClientConfig describes how to reach the Temporal frontend.
type ClientConfig struct {
	HostPort  string
	Namespace string
}

// Dial connects to Temporal, logging through zap.
func Dial(cfg ClientConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker registers the analysis workflow and activities on taskQueue.
// maxConcurrent bounds leads analysed at once by this worker.
func NewWorker(c client.Client, taskQueue string, acts *Activities, maxConcurrent int) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: maxConcurrent,
	})
	w.RegisterWorkflow(AnalyzeLeadWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Dispatcher starts one workflow per lead. The workflow id is the ledger
// dedupe key, so a lead already in flight is not started twice.
type Dispatcher struct {
	client         client.Client
	taskQueue      string
	attemptTimeout time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(c client.Client, taskQueue string, attemptTimeout time.Duration) *Dispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Dispatcher{client: c, taskQueue: taskQueue, attemptTimeout: attemptTimeout}
}

// Dispatch starts or joins the workflow for leadID and returns its id and run id.
func (d *Dispatcher) Dispatch(ctx context.Context, leadID int64) (string, error) {
	id := model.AnalyzeLeadKey(leadID)
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: d.taskQueue,
	}, AnalyzeLeadWorkflow, AnalyzeLeadInput{LeadID: leadID, AttemptTimeout: d.attemptTimeout})
	if err != nil {
		return "", eris.Wrapf(err, "jobs: start workflow %s", id)
	}
	zap.L().Info("jobs: workflow started", zap.String("workflow_id", run.GetID()), zap.String("run_id", run.GetRunID()))
	return "temporal:" + run.GetID() + "/" + run.GetRunID(), nil
}
