//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
	Options   []tokenizers.EncodeOption
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{
		Runtime:          "RUST",
		RustTokenizer:    &RustTokenizer{Tokenizer: tk, Options: []tokenizers.EncodeOption{tokenizers.WithReturnTokens()}},
		TokenizerTimings: &Timings{},
		Destroy: func() error {
			return tk.Close()
		},
	}, nil
}

func encodeRust(tk *Tokenizer, text string) ([]uint32, error) {
	output := tk.RustTokenizer.Tokenizer.EncodeWithOptions(text, true, tk.RustTokenizer.Options...)
	if len(output.IDs) == 0 {
		return nil, errEmptyEncoding
	}
	return output.IDs, nil
}

func decodeRust(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	return tokenizer.RustTokenizer.Tokenizer.Decode(tokens, skipSpecialTokens)
}
