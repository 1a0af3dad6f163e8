package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/fastvlm/options"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// Artifact file names. They are looked up at the top of the model directory first and
// then anywhere below it, so both a flat layout and the hugging face onnx/ layout load.
const (
	VisionEncoderFilename = "vision_encoder.onnx"
	EmbedTokensFilename   = "embed_tokens.onnx"
	DecoderFilename       = "decoder_model_merged.onnx"
	TokenizerFilename     = "tokenizer.json"
	ConfigFilename        = "config.json"
)

// Architecture defaults of FastVLM-0.5B, used when config.json does not say otherwise.
const (
	DefaultNumHiddenLayers  = 24
	DefaultNumKeyValueHeads = 2
	DefaultHeadDim          = 64
	DefaultVocabCap         = 151646
	DefaultEosTokenID       = 151645
	DefaultImageTokenID     = 151646
)

// MissingArtifactError is returned when one of the required model files cannot be found.
type MissingArtifactError struct {
	Path string
	File string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("model file %s not found at %s", e.File, e.Path)
}

// ModelConfig holds what the generation loop needs to know about the decoder
// architecture.
type ModelConfig struct {
	EosTokenIDs      map[int64]bool
	NumHiddenLayers  int
	NumKeyValueHeads int
	HeadDim          int
	VocabSize        int
	ImageTokenID     int64
}

// DefaultModelConfig returns the FastVLM-0.5B architecture.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		EosTokenIDs:      map[int64]bool{DefaultEosTokenID: true},
		NumHiddenLayers:  DefaultNumHiddenLayers,
		NumKeyValueHeads: DefaultNumKeyValueHeads,
		HeadDim:          DefaultHeadDim,
		VocabSize:        DefaultVocabCap,
		ImageTokenID:     DefaultImageTokenID,
	}
}

// Model is the set of loaded FastVLM artifacts.
type Model struct {
	VisionEncoder Session
	EmbedTokens   Session
	Decoder       Session
	Tokenizer     *Tokenizer
	Destroy       func() error
	Path          string
	Config        ModelConfig
}

// LoadModel loads the three graphs and the tokenizer found under path.
func LoadModel(path string, opts *options.Options) (*Model, error) {
	model := &Model{Path: path}

	files := map[string]string{}
	for _, name := range []string{VisionEncoderFilename, EmbedTokensFilename, DecoderFilename, TokenizerFilename} {
		filePath, err := FindModelFile(path, name)
		if err != nil {
			return nil, err
		}
		files[name] = filePath
	}

	config, err := loadModelConfig(path)
	if err != nil {
		return nil, err
	}
	model.Config = config

	model.Destroy = func() error {
		var destroyErr error
		for _, s := range []Session{model.VisionEncoder, model.EmbedTokens, model.Decoder} {
			if s != nil {
				destroyErr = errors.Join(destroyErr, s.Destroy())
			}
		}
		if model.Tokenizer != nil {
			destroyErr = errors.Join(destroyErr, model.Tokenizer.Destroy())
		}
		model.VisionEncoder, model.EmbedTokens, model.Decoder, model.Tokenizer = nil, nil, nil, nil
		return destroyErr
	}

	if model.VisionEncoder, err = CreateSession(files[VisionEncoderFilename], opts); err != nil {
		return nil, errors.Join(fmt.Errorf("loading vision encoder: %w", err), model.Destroy())
	}
	if model.EmbedTokens, err = CreateSession(files[EmbedTokensFilename], opts); err != nil {
		return nil, errors.Join(fmt.Errorf("loading token embeddings: %w", err), model.Destroy())
	}
	if model.Decoder, err = CreateSession(files[DecoderFilename], opts); err != nil {
		return nil, errors.Join(fmt.Errorf("loading decoder: %w", err), model.Destroy())
	}
	if model.Tokenizer, err = LoadTokenizer(path, opts); err != nil {
		return nil, errors.Join(fmt.Errorf("loading tokenizer: %w", err), model.Destroy())
	}
	return model, nil
}

// FindModelFile returns the location of name under dir, preferring the shallowest match.
func FindModelFile(dir string, name string) (string, error) {
	for _, candidate := range []string{fileutil.PathJoinSafe(dir, name), fileutil.PathJoinSafe(dir, "onnx", name)} {
		exists, err := fileutil.FileExists(candidate)
		if err != nil {
			return "", err
		}
		if exists {
			return candidate, nil
		}
	}

	dirExists, err := fileutil.FileExists(dir)
	if err != nil {
		return "", err
	}
	if !dirExists {
		return "", &MissingArtifactError{Path: dir, File: name}
	}

	var found string
	depth := -1
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if info.IsDir() || info.Name() != name {
			return true, nil
		}
		d := 0
		if parent != "" {
			d = strings.Count(strings.Trim(parent, "/"), "/") + 1
		}
		if depth == -1 || d < depth {
			found = fileutil.PathJoinSafe(dir, parent, info.Name())
			depth = d
		}
		return true, nil
	}
	if err = fileutil.WalkDir()(context.Background(), dir, walker); err != nil {
		return "", err
	}
	if found == "" {
		return "", &MissingArtifactError{Path: dir, File: name}
	}
	return found, nil
}

// HasModelFiles reports whether every required artifact is present under dir.
func HasModelFiles(dir string) bool {
	for _, name := range []string{VisionEncoderFilename, EmbedTokensFilename, DecoderFilename, TokenizerFilename} {
		if _, err := FindModelFile(dir, name); err != nil {
			return false
		}
	}
	return true
}

type rawModelConfig struct {
	EosTokenID       any    `json:"eos_token_id"`
	NumHiddenLayers  *int   `json:"num_hidden_layers"`
	NumKeyValueHeads *int   `json:"num_key_value_heads"`
	HeadDim          *int   `json:"head_dim"`
	HiddenSize       *int   `json:"hidden_size"`
	NumAttentionHead *int   `json:"num_attention_heads"`
	VocabSize        *int   `json:"vocab_size"`
	ImageTokenIndex  *int64 `json:"image_token_index"`
	TextConfig       *struct {
		NumHiddenLayers  *int `json:"num_hidden_layers"`
		NumKeyValueHeads *int `json:"num_key_value_heads"`
	} `json:"text_config"`
}

// loadModelConfig reads config.json if present. Missing fields keep the FastVLM-0.5B
// defaults.
func loadModelConfig(path string) (ModelConfig, error) {
	config := DefaultModelConfig()
	configPath, err := FindModelFile(path, ConfigFilename)
	if err != nil {
		var missing *MissingArtifactError
		if errors.As(err, &missing) {
			return config, nil
		}
		return config, err
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return config, err
	}
	return parseModelConfig(configBytes)
}

func parseModelConfig(configBytes []byte) (ModelConfig, error) {
	config := DefaultModelConfig()
	raw := rawModelConfig{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(configBytes, &raw); err != nil {
		return config, fmt.Errorf("parsing %s: %w", ConfigFilename, err)
	}

	if raw.TextConfig != nil {
		if raw.TextConfig.NumHiddenLayers != nil {
			config.NumHiddenLayers = *raw.TextConfig.NumHiddenLayers
		}
		if raw.TextConfig.NumKeyValueHeads != nil {
			config.NumKeyValueHeads = *raw.TextConfig.NumKeyValueHeads
		}
	}
	if raw.NumHiddenLayers != nil {
		config.NumHiddenLayers = *raw.NumHiddenLayers
	}
	if raw.NumKeyValueHeads != nil {
		config.NumKeyValueHeads = *raw.NumKeyValueHeads
	}
	switch {
	case raw.HeadDim != nil:
		config.HeadDim = *raw.HeadDim
	case raw.HiddenSize != nil && raw.NumAttentionHead != nil && *raw.NumAttentionHead > 0:
		config.HeadDim = *raw.HiddenSize / *raw.NumAttentionHead
	}
	if raw.VocabSize != nil {
		config.VocabSize = min(*raw.VocabSize, DefaultVocabCap)
	}
	if raw.ImageTokenIndex != nil && *raw.ImageTokenIndex >= 0 {
		config.ImageTokenID = *raw.ImageTokenIndex
	}

	if raw.EosTokenID != nil {
		// im_end always stops a turn, whatever the config lists as eos
		config.EosTokenIDs = map[int64]bool{DefaultEosTokenID: true}
		switch v := raw.EosTokenID.(type) {
		case []any:
			for i, item := range v {
				num, ok := item.(float64)
				if !ok {
					return config, fmt.Errorf("eos_token_id contains non-numeric value at index %d", i)
				}
				config.EosTokenIDs[int64(num)] = true
			}
		case float64:
			config.EosTokenIDs[int64(v)] = true
		default:
			return config, errors.New("eos_token_id must be either a number or an array of numbers")
		}
	}

	if config.NumHiddenLayers <= 0 || config.NumKeyValueHeads <= 0 || config.HeadDim <= 0 {
		return config, fmt.Errorf("invalid decoder architecture in %s: layers %d, kv heads %d, head dim %d",
			ConfigFilename, config.NumHiddenLayers, config.NumKeyValueHeads, config.HeadDim)
	}
	return config, nil
}
