package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/fastvlm/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "GO", GoTokenizer: &GoTokenizer{Tokenizer: tk}, TokenizerTimings: &Timings{}, Destroy: func() error {
		return nil
	}}, nil
}

func encodeGo(tk *Tokenizer, text string) ([]uint32, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(text, true)
	if err != nil {
		return nil, err
	}
	if len(output.Ids) == 0 {
		return nil, errEmptyEncoding
	}
	return safeconv.IntSliceToUint32Slice(output.Ids), nil
}

func decodeGo(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	return tokenizer.GoTokenizer.Tokenizer.Decode(safeconv.Uint32SliceToIntSlice(tokens), skipSpecialTokens)
}
