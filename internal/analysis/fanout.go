// Package analysis runs the multi-agent lead analysis: dimension fan-out,
// meta-analysis synthesis, and the orchestrator that ties them to the ledger
// and the store.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-analyzer/internal/agent"
	"github.com/sells-group/lead-analyzer/internal/model"
)

// DefaultConcurrency bounds simultaneous dimension calls per analysis.
const DefaultConcurrency = 5

// PromptSource resolves the active prompt for a dimension.
type PromptSource interface {
	GetActive(ctx context.Context, dimension string) (*model.AgentPrompt, error)
}

// Runner executes one prompt against an input payload.
type Runner interface {
	Run(ctx context.Context, prompt *model.AgentPrompt, input any, voice *agent.VoiceConfig) (*agent.Result, error)
}

// FanOut runs every dimension agent concurrently with bounded parallelism.
// A dimension failure is recorded on its run and never stops its siblings.
type FanOut struct {
	prompts     PromptSource
	runner      Runner
	voice       *agent.VoiceConfig
	concurrency int
	now         func() time.Time
}

// NewFanOut creates a FanOut. concurrency <= 0 uses DefaultConcurrency.
func NewFanOut(prompts PromptSource, runner Runner, voice *agent.VoiceConfig, concurrency int) *FanOut {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &FanOut{prompts: prompts, runner: runner, voice: voice, concurrency: concurrency, now: time.Now}
}

// RunAll returns one terminal DimensionRun per dimension. It returns only
// after every unit has finished; cancelling ctx makes outstanding units fail
// with error kind cancelled.
func (f *FanOut) RunAll(ctx context.Context, dimensions []string, input model.AnalysisInput) map[string]*model.DimensionRun {
	snapshot, snapErr := agent.UserContent(input)

	runs := make(map[string]*model.DimensionRun, len(dimensions))
	for _, dim := range dimensions {
		runs[dim] = &model.DimensionRun{
			Dimension:     dim,
			Status:        model.DimensionStatusPending,
			InputSnapshot: snapshot,
		}
	}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, dim := range dimensions {
		run := runs[dim]
		g.Go(func() error {
			if snapErr != nil {
				f.fail(run, snapErr)
				return nil
			}
			f.runOne(ctx, run, input)
			return nil
		})
	}
	_ = g.Wait()
	return runs
}

func (f *FanOut) runOne(ctx context.Context, run *model.DimensionRun, input model.AnalysisInput) {
	run.Status = model.DimensionStatusRunning
	run.StartedAt = f.now().UTC()

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("analysis: dimension panicked", zap.String("dimension", run.Dimension), zap.Any("panic", r))
			f.fail(run, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		f.fail(run, err)
		return
	}

	prompt, err := f.prompts.GetActive(ctx, run.Dimension)
	if err != nil {
		f.fail(run, err)
		return
	}
	run.PromptID = prompt.ID
	run.PromptVersion = prompt.Version

	res, err := f.runner.Run(ctx, prompt, input, f.voice)
	if res != nil {
		run.RawResponse = res.Raw
		mi := res.ModelInfo
		run.ModelInfo = &mi
	}
	if err != nil {
		f.fail(run, err)
		return
	}

	run.Output = res.Output
	run.Status = model.DimensionStatusCompleted
	completed := f.now().UTC()
	run.CompletedAt = &completed
}

func (f *FanOut) fail(run *model.DimensionRun, err error) {
	if run.StartedAt.IsZero() {
		run.StartedAt = f.now().UTC()
	}
	run.Status = model.DimensionStatusFailed
	run.ErrorKind = model.ClassifyError(err)
	run.ErrorDetail = err.Error()
	completed := f.now().UTC()
	run.CompletedAt = &completed

	zap.L().Warn("analysis: dimension failed",
		zap.String("dimension", run.Dimension),
		zap.String("error_kind", string(run.ErrorKind)),
		zap.Error(err),
	)
}

// Outcomes lists the tagged outcome of every run in dimension order.
func Outcomes(dimensions []string, runs map[string]*model.DimensionRun) []model.Outcome {
	out := make([]model.Outcome, 0, len(dimensions))
	for _, dim := range dimensions {
		if r, ok := runs[dim]; ok {
			out = append(out, r.Outcome())
		}
	}
	return out
}

// resultsOf maps each dimension to its output, nil for failed dimensions.
func resultsOf(runs map[string]*model.DimensionRun) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(runs))
	for dim, r := range runs {
		if r.Status == model.DimensionStatusCompleted {
			out[dim] = r.Output
		} else {
			out[dim] = nil
		}
	}
	return out
}
