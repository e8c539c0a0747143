package analysis

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/lead-analyzer/internal/agent"
	"github.com/sells-group/lead-analyzer/internal/model"
)

const maxRecommendationLen = 64

// unavailable is the marker sent in place of a failed dimension's output.
type unavailable struct {
	Status    string          `json:"status"`
	ErrorKind model.ErrorKind `json:"error_kind"`
	Detail    string          `json:"detail,omitempty"`
}

// SynthesisInput is the payload the meta-analysis prompt receives.
type SynthesisInput struct {
	LeadID     int64                      `json:"lead_id"`
	Dimensions map[string]json.RawMessage `json:"dimensions"`
	Completed  int                        `json:"completed"`
	Failed     int                        `json:"failed"`
}

// Synthesis is a parsed verdict plus the prompt and call that produced it.
type Synthesis struct {
	model.Synthesis
	Prompt *model.AgentPrompt
	Result *agent.Result
}

// Synthesizer runs the meta-analysis prompt over all dimension outcomes.
type Synthesizer struct {
	prompts PromptSource
	runner  Runner
	voice   *agent.VoiceConfig
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(prompts PromptSource, runner Runner, voice *agent.VoiceConfig) *Synthesizer {
	return &Synthesizer{prompts: prompts, runner: runner, voice: voice}
}

// BuildInput assembles the aggregate payload. Every dimension appears: failed
// ones carry an explicit unavailable marker instead of being omitted.
func BuildInput(leadID int64, dimensions []string, runs map[string]*model.DimensionRun) (SynthesisInput, error) {
	in := SynthesisInput{LeadID: leadID, Dimensions: make(map[string]json.RawMessage, len(dimensions))}
	for _, dim := range dimensions {
		r, ok := runs[dim]
		if ok && r.Status == model.DimensionStatusCompleted {
			in.Dimensions[dim] = r.Output
			in.Completed++
			continue
		}
		marker := unavailable{Status: "unavailable", ErrorKind: model.ErrorKindInternal, Detail: "dimension did not run"}
		if ok {
			marker.ErrorKind = r.ErrorKind
			marker.Detail = r.ErrorDetail
		}
		b, err := json.Marshal(marker)
		if err != nil {
			return SynthesisInput{}, eris.Wrap(err, "analysis: marshal unavailable marker")
		}
		in.Dimensions[dim] = b
		in.Failed++
	}
	return in, nil
}

// Synthesize runs the meta-analysis prompt. Any error means the analysis
// cannot complete; the returned Synthesis may still carry the raw call.
func (s *Synthesizer) Synthesize(ctx context.Context, input SynthesisInput) (*Synthesis, error) {
	prompt, err := s.prompts.GetActive(ctx, model.MetaAnalysisDimension)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: meta-analysis prompt")
	}

	res, err := s.runner.Run(ctx, prompt, input, s.voice)
	out := &Synthesis{Prompt: prompt, Result: res}
	if err != nil {
		return out, err
	}

	verdict, err := ParseVerdict(res.Output)
	if err != nil {
		return out, &model.OutputValidationError{Dimension: model.MetaAnalysisDimension, Reason: err.Error(), Raw: res.Raw}
	}
	verdict.Raw = res.Output
	out.Synthesis = *verdict
	return out, nil
}

// ParseVerdict decodes and checks the meta-analysis output.
func ParseVerdict(raw json.RawMessage) (*model.Synthesis, error) {
	var v struct {
		Recommendation string   `json:"recommendation"`
		Confidence     *float64 `json:"confidence"`
		Reasoning      string   `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, eris.Wrap(err, "decode verdict")
	}
	rec, err := NormalizeRecommendation(v.Recommendation)
	if err != nil {
		return nil, err
	}
	if v.Confidence == nil {
		return nil, eris.New("confidence is missing")
	}
	if *v.Confidence < 0 || *v.Confidence > 1 {
		return nil, eris.Errorf("confidence %v outside [0,1]", *v.Confidence)
	}
	return &model.Synthesis{Recommendation: rec, Confidence: *v.Confidence, Reasoning: strings.TrimSpace(v.Reasoning)}, nil
}

var separators = regexp.MustCompile(`[\s\-]+`)

// NormalizeRecommendation canonicalises a free-form label: trimmed, case
// folded, separators as underscores, at most 64 characters. Unknown labels
// are kept; only an empty one is rejected.
func NormalizeRecommendation(s string) (string, error) {
	s = cases.Fold().String(strings.TrimSpace(s))
	s = separators.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "", eris.New("recommendation is empty")
	}
	if utf8.RuneCountInString(s) > maxRecommendationLen {
		s = string([]rune(s)[:maxRecommendationLen])
	}
	return s, nil
}
