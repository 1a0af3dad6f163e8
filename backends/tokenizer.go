package backends

import (
	"errors"
	"fmt"
	"time"

	"github.com/knights-analytics/fastvlm/options"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// Tokenizer wraps either the rust or the pure go tokenizer runtime behind one value.
type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *Timings
	Destroy          func() error
	Runtime          string
}

// LoadTokenizer reads tokenizer.json from the model directory. The rust runtime is used
// with ORT unless the options ask for the go tokenizer.
func LoadTokenizer(modelPath string, s *options.Options) (*Tokenizer, error) {
	tokenizerPath, err := FindModelFile(modelPath, TokenizerFilename)
	if err != nil {
		return nil, err
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	runtime := s.TokenizerRuntime
	if runtime == "" {
		switch s.Backend {
		case "ORT":
			runtime = "RUST"
		case "GO":
			runtime = "GO"
		default:
			return nil, fmt.Errorf("runtime %s not recognized", s.Backend)
		}
	}
	switch runtime {
	case "RUST":
		return loadRustTokenizer(tokenizerBytes)
	case "GO":
		return loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("tokenizer runtime %s not recognized", runtime)
	}
}

// Encode tokenizes text, adding the tokenizer's special tokens.
func (t *Tokenizer) Encode(text string) ([]uint32, error) {
	start := time.Now()
	defer t.track(start)
	switch t.Runtime {
	case "RUST":
		return encodeRust(t, text)
	case "GO":
		return encodeGo(t, text)
	}
	return nil, fmt.Errorf("runtime %s not recognized", t.Runtime)
}

// Decode turns token ids back into text.
func (t *Tokenizer) Decode(tokens []uint32, skipSpecialTokens bool) (string, error) {
	start := time.Now()
	defer t.track(start)
	switch t.Runtime {
	case "RUST":
		return decodeRust(tokens, t, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, t, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", t.Runtime)
}

func (t *Tokenizer) track(start time.Time) {
	if t.TokenizerTimings != nil {
		t.TokenizerTimings.Track(start)
	}
}

var errEmptyEncoding = errors.New("tokenizer returned no ids")
