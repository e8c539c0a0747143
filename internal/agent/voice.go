package agent

import "strings"

// VoiceConfig is an optional tone and persona block placed ahead of a
// dimension's system prompt.
type VoiceConfig struct {
	Persona    string   `mapstructure:"persona" yaml:"persona"`
	Tone       string   `mapstructure:"tone" yaml:"tone"`
	StyleRules []string `mapstructure:"style_rules" yaml:"style_rules"`
}

// IsZero reports whether the config adds nothing to the prompt.
func (v *VoiceConfig) IsZero() bool {
	return v == nil || (v.Persona == "" && v.Tone == "" && len(v.StyleRules) == 0)
}

// Block renders the voice section.
func (v *VoiceConfig) Block() string {
	if v.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Voice\n")
	if v.Persona != "" {
		b.WriteString("Persona: " + v.Persona + "\n")
	}
	if v.Tone != "" {
		b.WriteString("Tone: " + v.Tone + "\n")
	}
	for _, r := range v.StyleRules {
		b.WriteString("- " + r + "\n")
	}
	return b.String()
}

// SystemPrompt joins the voice block and the prompt text.
func SystemPrompt(prompt string, voice *VoiceConfig) string {
	block := voice.Block()
	if block == "" {
		return prompt
	}
	return block + "\n" + prompt
}
