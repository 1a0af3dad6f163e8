package fastvlm

import (
	"fmt"
	"slices"

	"github.com/knights-analytics/fastvlm/pipelines"
)

// Preset is a named generation configuration.
type Preset struct {
	Name              string
	Description       string
	Prompt            string
	MaxResponseLength int
}

// Config returns the pipeline configuration of the preset.
func (p Preset) Config() pipelines.Config {
	return pipelines.Config{MaxResponseLength: p.MaxResponseLength, DefaultPrompt: p.Prompt}
}

// Presets lists the built in configurations.
var Presets = []Preset{
	{
		Name:              "brief",
		Description:       "one sentence description",
		Prompt:            "Describe this image in one sentence.",
		MaxResponseLength: 20,
	},
	{
		Name:              "detailed",
		Description:       "content, scene, colours and details",
		Prompt:            "Describe the content, scene, colours and details of this image.",
		MaxResponseLength: 100,
	},
	{
		Name:              "sentiment",
		Description:       "emotion and atmosphere",
		Prompt:            "Analyze the emotion and atmosphere this image conveys.",
		MaxResponseLength: 50,
	},
	{
		Name:              "objects",
		Description:       "main objects and elements",
		Prompt:            "Identify the main objects and elements in this image.",
		MaxResponseLength: 40,
	},
}

// GetPreset looks a preset up by name.
func GetPreset(name string) (Preset, error) {
	i := slices.IndexFunc(Presets, func(p Preset) bool { return p.Name == name })
	if i < 0 {
		return Preset{}, fmt.Errorf("unknown preset %q", name)
	}
	return Presets[i], nil
}
