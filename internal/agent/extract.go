package agent

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Template names the reasoning markup a model family wraps around its answer.
type Template string

const (
	// TemplateAuto strips every known reasoning marker.
	TemplateAuto      Template = "auto"
	TemplateNone      Template = "none"
	TemplateThink     Template = "think"
	TemplateReasoning Template = "reasoning"
	// TemplateChannel is the analysis/final channel format used by gpt-oss.
	TemplateChannel Template = "channel"
)

type marker struct {
	open, close string
}

var templateMarkers = map[Template][]marker{
	TemplateThink:     {{"<think>", "</think>"}},
	TemplateReasoning: {{"<reasoning>", "</reasoning>"}},
	TemplateChannel:   {{"<|channel|>analysis", "<|end|>"}},
}

// ParseTemplate maps a config value to a Template, defaulting to auto.
func ParseTemplate(s string) Template {
	switch t := Template(strings.ToLower(strings.TrimSpace(s))); t {
	case TemplateNone, TemplateThink, TemplateReasoning, TemplateChannel:
		return t
	default:
		return TemplateAuto
	}
}

func (t Template) markers() []marker {
	switch t {
	case TemplateNone:
		return nil
	case TemplateAuto, "":
		var all []marker
		for _, k := range []Template{TemplateThink, TemplateReasoning, TemplateChannel} {
			all = append(all, templateMarkers[k]...)
		}
		return all
	default:
		return templateMarkers[t]
	}
}

// ErrNoJSON is returned when no JSON object can be located in a response.
var ErrNoJSON = eris.New("no JSON object found in response")

// ExtractJSON pulls the JSON object out of a model response. Reasoning blocks
// for the template are removed first, then code fences, then the first
// balanced {...} is returned.
func ExtractJSON(raw string, tmpl Template) (string, error) {
	text := StripReasoning(raw, tmpl)
	text = stripFences(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSON
	}
	if obj, ok := balancedObject(text[start:]); ok {
		return obj, nil
	}
	end := strings.LastIndexByte(text, '}')
	if end <= start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// StripReasoning removes reasoning blocks. An open marker with no close means
// the response was truncated mid-reasoning, so everything after it goes. A
// close marker with no open means the template injected the open marker into
// the prompt, so everything before it goes, unless the marker sits inside the
// first JSON object where it is part of the answer.
func StripReasoning(raw string, tmpl Template) string {
	text := raw
	for _, m := range tmpl.markers() {
		for {
			open := strings.Index(text, m.open)
			closeIdx := strings.Index(text, m.close)
			switch {
			case closeIdx >= 0 && (open < 0 || closeIdx < open):
				if insideObject(text, closeIdx) {
					break
				}
				text = text[closeIdx+len(m.close):]
				continue
			case open >= 0 && closeIdx > open:
				text = text[:open] + text[closeIdx+len(m.close):]
				continue
			case open >= 0:
				text = text[:open]
			}
			break
		}
	}
	return strings.TrimSpace(text)
}

// insideObject reports whether byte offset i falls within the first {...}
// of text. An unterminated object extends to the end.
func insideObject(text string, i int) bool {
	start := strings.IndexByte(text, '{')
	if start < 0 || start > i {
		return false
	}
	obj, ok := balancedObject(text[start:])
	return !ok || start+len(obj) > i
}

func stripFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// balancedObject returns the prefix of s (which starts with '{') up to the
// matching close brace, skipping braces inside strings.
func balancedObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
