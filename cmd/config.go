package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/fastvlm"
	"github.com/knights-analytics/fastvlm/pipelines"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// FileConfig is the YAML file given with --config. Unset fields keep their defaults.
type FileConfig struct {
	MaxResponseLength *int   `yaml:"max_response_length"`
	DefaultPrompt     string `yaml:"default_prompt"`
	ModelPath         string `yaml:"model_path"`
	Preset            string `yaml:"preset"`
	Workers           int    `yaml:"workers"`
}

func loadFileConfig(path string) (FileConfig, error) {
	var config FileConfig
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return config, fmt.Errorf("reading config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err = decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return config, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

// flagOverrides are the analyze flags given on the command line.
type flagOverrides struct {
	Preset       string
	Prompt       string
	ModelPath    string
	MaxLength    int
	MaxLengthSet bool
	Workers      int
	WorkersSet   bool
}

type analyzeSettings struct {
	ModelPath string
	Config    pipelines.Config
	Workers   int
}

// resolveSettings layers the built in defaults, the preset, the config file and the
// command line flags, each overriding the one before.
func resolveSettings(file FileConfig, flags flagOverrides) (analyzeSettings, error) {
	settings := analyzeSettings{Config: pipelines.DefaultConfig(), Workers: 1}

	presetName := file.Preset
	if flags.Preset != "" {
		presetName = flags.Preset
	}
	if presetName != "" {
		preset, err := fastvlm.GetPreset(presetName)
		if err != nil {
			return settings, err
		}
		settings.Config = preset.Config()
	}

	if file.DefaultPrompt != "" {
		settings.Config.DefaultPrompt = file.DefaultPrompt
	}
	if file.MaxResponseLength != nil {
		settings.Config.MaxResponseLength = *file.MaxResponseLength
	}
	if file.Workers > 0 {
		settings.Workers = file.Workers
	}
	settings.ModelPath = file.ModelPath

	if flags.Prompt != "" {
		settings.Config.DefaultPrompt = flags.Prompt
	}
	if flags.MaxLengthSet {
		settings.Config.MaxResponseLength = flags.MaxLength
	}
	if flags.WorkersSet {
		settings.Workers = flags.Workers
	}
	if flags.ModelPath != "" {
		settings.ModelPath = flags.ModelPath
	}

	if settings.Config.MaxResponseLength < 0 {
		return settings, fmt.Errorf("max response length must not be negative, got %d", settings.Config.MaxResponseLength)
	}
	if settings.Workers <= 0 {
		return settings, fmt.Errorf("workers must be positive, got %d", settings.Workers)
	}
	return settings, nil
}
