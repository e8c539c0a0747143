// Package prompts embeds the default dimension prompts used to seed an empty
// registry.
package prompts

import _ "embed"

// Defaults is the built-in seed file.
//
//go:embed defaults.yaml
var Defaults []byte

// Dimensions lists the analysis dimensions in the built-in seed file, in the
// order they are reported. The meta-analysis prompt is not a dimension.
var Dimensions = []string{
	"demographics",
	"interests",
	"lifestyle",
	"communication_style",
	"risk_flags",
	"engagement_fit",
}
