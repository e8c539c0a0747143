package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		tmpl Template
		want string
	}{
		{"plain", `{"a":1}`, TemplateAuto, `{"a":1}`},
		{"surrounding prose", "Here you go: {\"a\":1} hope that helps", TemplateAuto, `{"a":1}`},
		{"json fence", "```json\n{\"a\": {\"b\": 2}}\n```", TemplateAuto, `{"a": {"b": 2}}`},
		{"bare fence", "```\n{\"a\":1}\n```", TemplateAuto, `{"a":1}`},
		{"think block", "<think>maybe {\"a\":0}</think>\n{\"a\":1}", TemplateThink, `{"a":1}`},
		{"reasoning block", "<reasoning>{x}</reasoning>{\"a\":1}", TemplateReasoning, `{"a":1}`},
		{"close marker only", "the user wants {json}</think>{\"a\":1}", TemplateThink, `{"a":1}`},
		{
			"channel format",
			"<|channel|>analysis<|message|>thinking {no}<|end|><|start|>assistant<|channel|>final<|message|>{\"a\":1}<|return|>",
			TemplateChannel,
			`{"a":1}`,
		},
		{"auto strips any family", "<reasoning>{bad}</reasoning><think>{bad}</think>{\"a\":1}", TemplateAuto, `{"a":1}`},
		{"braces inside strings", `{"text":"a } brace","n":{"m":1}} trailing {}`, TemplateAuto, `{"text":"a } brace","n":{"m":1}}`},
		{"escaped quote", `{"q":"say \"}\" now"}`, TemplateAuto, `{"q":"say \"}\" now"}`},
		{"unbalanced falls back to last brace", `{"a":{"b":1}`, TemplateAuto, `{"a":{"b":1}`},
		{"close marker inside answer", `{"note":"wrapped in </reasoning> tags","a":1}`, TemplateAuto, `{"note":"wrapped in </reasoning> tags","a":1}`},
		{"close marker inside answer after prose", "Answer: {\"note\":\"ends with </think>\"}", TemplateThink, `{"note":"ends with </think>"}`},
		{"none template keeps think", "<think>{\"x\":0}</think>{\"a\":1}", TemplateNone, `{"x":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw, tt.tmpl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSON_TruncatedReasoning(t *testing.T) {
	_, err := ExtractJSON("<think>I will answer with {\"a\":", TemplateThink)
	assert.ErrorIs(t, err, ErrNoJSON)

	got, err := ExtractJSON("{\"a\":1}\n<think>and then the model kept going", TemplateAuto)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)
}

func TestExtractJSON_NoObject(t *testing.T) {
	for _, raw := range []string{"", "no json here", "} backwards {"} {
		_, err := ExtractJSON(raw, TemplateAuto)
		assert.ErrorIs(t, err, ErrNoJSON, raw)
	}
}

func TestParseTemplate(t *testing.T) {
	assert.Equal(t, TemplateThink, ParseTemplate(" THINK "))
	assert.Equal(t, TemplateChannel, ParseTemplate("channel"))
	assert.Equal(t, TemplateNone, ParseTemplate("none"))
	assert.Equal(t, TemplateAuto, ParseTemplate(""))
	assert.Equal(t, TemplateAuto, ParseTemplate("unknown"))
}

func TestSystemPrompt_Voice(t *testing.T) {
	assert.Equal(t, "base", SystemPrompt("base", nil))
	assert.Equal(t, "base", SystemPrompt("base", &VoiceConfig{}))

	got := SystemPrompt("base", &VoiceConfig{Persona: "analyst", Tone: "neutral", StyleRules: []string{"be brief"}})
	assert.Equal(t, "## Voice\nPersona: analyst\nTone: neutral\n- be brief\n\nbase", got)
}
