package pipelines

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knights-analytics/fastvlm/backends"
)

const (
	testHidden  = 4
	testLayers  = 2
	testHeads   = 1
	testHeadDim = 2
	testVocab   = 8
	testEOS     = 7
	testImageID = 6
)

func testModelConfig() backends.ModelConfig {
	return backends.ModelConfig{
		EosTokenIDs:      map[int64]bool{testEOS: true},
		NumHiddenLayers:  testLayers,
		NumKeyValueHeads: testHeads,
		HeadDim:          testHeadDim,
		VocabSize:        testVocab,
		ImageTokenID:     testImageID,
	}
}

type fixedSource float32

func (f fixedSource) Float32() float32 { return float32(f) }

type fakeSession struct {
	run     func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error)
	inputs  []backends.InputOutputInfo
	outputs []backends.InputOutputInfo
	calls   int
}

func (s *fakeSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	s.calls++
	return s.run(inputs)
}
func (s *fakeSession) InputsMeta() []backends.InputOutputInfo  { return s.inputs }
func (s *fakeSession) OutputsMeta() []backends.InputOutputInfo { return s.outputs }
func (s *fakeSession) Destroy() error                          { return nil }

// scriptedDecoder favours tokens[i] on call i and repeats the last one afterwards.
type scriptedDecoder struct {
	fakeSession
	tokens     []int
	seen       [][]backends.NamedTensor
	appendMode bool
	presentLen func(prev, step int) int
}

func newScriptedDecoder(tokens ...int) *scriptedDecoder {
	d := &scriptedDecoder{tokens: tokens}
	d.inputs = decoderInputsMeta(testLayers, testHeads, testHeadDim)
	d.run = d.step
	return d
}

func decoderInputsMeta(layers, heads, headDim int) []backends.InputOutputInfo {
	meta := []backends.InputOutputInfo{
		{Name: "inputs_embeds", Dimensions: backends.NewShape(-1, -1, testHidden)},
		{Name: "attention_mask", Dimensions: backends.NewShape(-1, -1)},
		{Name: "position_ids", Dimensions: backends.NewShape(-1, -1)},
	}
	for i := range layers {
		for _, kind := range []string{"key", "value"} {
			meta = append(meta, backends.InputOutputInfo{
				Name:       fmt.Sprintf("past_key_values.%d.%s", i, kind),
				Dimensions: backends.NewShape(-1, int64(heads), -1, int64(headDim)),
			})
		}
	}
	return meta
}

func (d *scriptedDecoder) step(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	d.seen = append(d.seen, inputs)
	embeds, ok := backends.FindTensor(inputs, "inputs_embeds")
	if !ok {
		return nil, errors.New("missing inputs_embeds")
	}
	past, ok := backends.FindTensor(inputs, "past_key_values.0.key")
	if !ok {
		return nil, errors.New("missing past key")
	}
	stepLen, prev := int(embeds.Shape[1]), int(past.Shape[2])

	token := d.tokens[min(len(d.seen)-1, len(d.tokens)-1)]
	logits := make([]float32, stepLen*testVocab)
	logits[(stepLen-1)*testVocab+token] = 10

	n := prev + stepLen
	if d.appendMode {
		n = stepLen
	}
	if d.presentLen != nil {
		n = d.presentLen(prev, stepLen)
	}
	outputs := []backends.NamedTensor{{Name: "logits", Shape: backends.NewShape(1, int64(stepLen), testVocab), Data: logits}}
	for i := range testLayers {
		for _, kind := range []string{"key", "value"} {
			data := make([]float32, testHeads*n*testHeadDim)
			for j := range data {
				data[j] = float32(len(d.seen))
			}
			outputs = append(outputs, backends.NamedTensor{
				Name:  fmt.Sprintf("present.%d.%s", i, kind),
				Shape: backends.NewShape(1, testHeads, int64(n), testHeadDim),
				Data:  data,
			})
		}
	}
	return outputs, nil
}

// embedRows embeds token id t as a row filled with t.
func embedRows(ids []int64) (Embeddings, error) {
	data := make([]float32, 0, len(ids)*testHidden)
	for _, id := range ids {
		for range testHidden {
			data = append(data, float32(id))
		}
	}
	return Embeddings{Data: data, Length: len(ids), Hidden: testHidden}, nil
}

func newEmbedSession() *fakeSession {
	return &fakeSession{
		inputs: []backends.InputOutputInfo{{Name: "input_ids"}},
		run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids := inputs[0].Data.([]int64)
			embeds, _ := embedRows(ids)
			return []backends.NamedTensor{{Name: "inputs_embeds", Shape: backends.NewShape(1, int64(len(ids)), testHidden), Data: embeds.Data}}, nil
		},
	}
}

func newVisionSession(imageTokens int) *fakeSession {
	return &fakeSession{
		inputs: []backends.InputOutputInfo{{Name: "pixel_values", Dimensions: backends.NewShape(-1, 3, -1, -1)}},
		run: func(_ []backends.NamedTensor) ([]backends.NamedTensor, error) {
			data := make([]float32, imageTokens*testHidden)
			for i := range data {
				data[i] = -1
			}
			return []backends.NamedTensor{{Name: "image_features", Shape: backends.NewShape(1, int64(imageTokens), testHidden), Data: data}}, nil
		},
	}
}

// fakeTokenizer encodes every prompt to the same ids and decodes id i as "t<i>".
type fakeTokenizer struct {
	err     error
	ids     []uint32
	encoded []string
	decoded [][]uint32
}

func (f *fakeTokenizer) Encode(text string) ([]uint32, error) {
	f.encoded = append(f.encoded, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

func (f *fakeTokenizer) Decode(ids []uint32, _ bool) (string, error) {
	f.decoded = append(f.decoded, ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("t%d", id)
	}
	return "  " + strings.Join(parts, " ") + "\n", nil
}
