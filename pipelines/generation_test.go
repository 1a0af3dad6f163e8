package pipelines

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/fastvlm/backends"
)

func newTestGenerator(t *testing.T, decoder backends.Session, maxLength int) (*Generator, *fakeTokenizer) {
	t.Helper()
	sampler, err := NewTopKSampler(DefaultTopK, DefaultTemperature, fixedSource(0.5))
	require.NoError(t, err)
	tk := &fakeTokenizer{}
	return &Generator{
		Decoder:           decoder,
		Embed:             embedRows,
		Tokenizer:         tk,
		Sampler:           sampler,
		DecoderTimings:    &backends.Timings{},
		Model:             testModelConfig(),
		MaxResponseLength: maxLength,
	}, tk
}

func TestGenerationStopsOnStopToken(t *testing.T) {
	decoder := newScriptedDecoder(3, 4, testEOS, 5)
	g, tk := newTestGenerator(t, decoder, 30)
	text, state, err := g.Generate(rows(testHidden, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, "t3 t4", text)
	assert.Equal(t, []uint32{3, 4}, state.GeneratedTokens)
	assert.Equal(t, StopReasonStopToken, state.StopReason)
	assert.Equal(t, PhaseStopped, state.Phase)
	assert.Equal(t, 3, decoder.calls)
	assert.Equal(t, [][]uint32{{3, 4}}, tk.decoded)
	assert.Equal(t, uint64(3), g.DecoderTimings.NumCalls)
}

func TestGenerationStopsAtStepCap(t *testing.T) {
	decoder := newScriptedDecoder(3)
	g, _ := newTestGenerator(t, decoder, 5)
	_, state, err := g.Generate(rows(testHidden, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, StopReasonStepCap, state.StopReason)
	assert.Equal(t, 5, state.Steps)
	assert.Len(t, state.GeneratedTokens, 5)
	assert.Equal(t, 5, decoder.calls)
}

func TestGenerationWithZeroCap(t *testing.T) {
	decoder := newScriptedDecoder(3)
	g, tk := newTestGenerator(t, decoder, 0)
	state := g.Init(rows(testHidden, 1))
	assert.Equal(t, PhaseStopped, state.Phase)
	assert.Equal(t, StopReasonStepCap, state.StopReason)
	assert.ErrorIs(t, g.Step(state), errGenerationStopped)

	text, _, err := g.Generate(rows(testHidden, 1))
	require.NoError(t, err)
	assert.Equal(t, EmptyGenerationText, text)
	assert.Equal(t, 0, decoder.calls)
	assert.Empty(t, tk.decoded)
}

func TestGenerationImmediateStopToken(t *testing.T) {
	g, _ := newTestGenerator(t, newScriptedDecoder(testEOS), 10)
	text, state, err := g.Generate(rows(testHidden, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, EmptyGenerationText, text)
	assert.Equal(t, StopReasonStopToken, state.StopReason)
}

func TestGenerationStepInputs(t *testing.T) {
	decoder := newScriptedDecoder(3, 4, testEOS)
	g, _ := newTestGenerator(t, decoder, 30)
	state := g.Init(rows(testHidden, 1, 2, 3))
	assert.Equal(t, []int64{0, 1, 2}, state.PositionIDs)
	assert.Equal(t, []int64{1, 1, 1}, state.AttentionMask)
	assert.Equal(t, 0, state.PastKV.Length)
	assert.Len(t, state.PastKV.Inputs(), 2*testLayers)

	require.NoError(t, g.Step(state))
	assert.Equal(t, []int64{3}, state.PositionIDs)
	assert.Equal(t, []int64{1, 1, 1, 1}, state.AttentionMask)
	assert.Equal(t, 3, state.PastKV.Length)
	assert.Equal(t, 1, state.CurrentEmbeds.Length)
	assert.Equal(t, []float32{3, 3, 3, 3}, state.CurrentEmbeds.Data)

	require.NoError(t, g.Step(state))
	assert.Equal(t, []int64{4}, state.PositionIDs)
	assert.Equal(t, 4, state.PastKV.Length)

	second := decoder.seen[1]
	embeds, _ := backends.FindTensor(second, "inputs_embeds")
	assert.Equal(t, backends.NewShape(1, 1, testHidden), embeds.Shape)
	mask, _ := backends.FindTensor(second, "attention_mask")
	assert.Equal(t, []int64{1, 1, 1, 1}, mask.Data)
	past, _ := backends.FindTensor(second, "past_key_values.1.value")
	assert.Equal(t, backends.NewShape(1, testHeads, 3, testHeadDim), past.Shape)
}

func TestGenerationAppendsCacheForStepOnlyPresents(t *testing.T) {
	decoder := newScriptedDecoder(3, 3, testEOS)
	decoder.appendMode = true
	g, _ := newTestGenerator(t, decoder, 30)
	state := g.Init(rows(testHidden, 1, 2))

	require.NoError(t, g.Step(state))
	require.NoError(t, g.Step(state))
	assert.Equal(t, 3, state.PastKV.Length)
	key := state.PastKV.Layers[0].Key
	assert.Equal(t, backends.NewShape(1, testHeads, 3, testHeadDim), key.Shape)
	// first two positions come from call 1, the third from call 2
	assert.Equal(t, []float32{1, 1, 1, 1, 2, 2}, key.Data)
}

func TestGenerationRejectsUnexpectedPresentLength(t *testing.T) {
	decoder := newScriptedDecoder(3)
	decoder.presentLen = func(prev, step int) int { return prev + step + 1 }
	g, _ := newTestGenerator(t, decoder, 30)
	_, _, err := g.Generate(rows(testHidden, 1, 2))
	var mismatch *TensorShapeMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestGenerationRejectsHiddenMismatch(t *testing.T) {
	decoder := newScriptedDecoder(3)
	g, _ := newTestGenerator(t, decoder, 30)
	g.Hidden = testHidden + 3
	state := g.Init(rows(testHidden, 1, 2))
	err := g.Step(state)
	var mismatch *TensorShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "7", mismatch.Expected)
	assert.Equal(t, "4", mismatch.Got)
	assert.Equal(t, 0, decoder.calls)

	g.Hidden = testHidden
	assert.NoError(t, g.Step(state))
}

func TestGenerationDecoderFailure(t *testing.T) {
	decoder := &fakeSession{run: func(_ []backends.NamedTensor) ([]backends.NamedTensor, error) {
		return nil, errors.New("boom")
	}}
	g, _ := newTestGenerator(t, decoder, 30)
	_, _, err := g.Generate(rows(testHidden, 1))
	var engineErr *InferenceEngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, NetworkDecoder, engineErr.Network)
	assert.EqualError(t, errors.Unwrap(err), "boom")
}

func TestGenerationIgnoresLogitsAboveVocabCap(t *testing.T) {
	decoder := newScriptedDecoder(3)
	inner := decoder.run
	decoder.run = func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
		outputs, err := inner(inputs)
		if err != nil {
			return nil, err
		}
		logits := outputs[0]
		data := logits.Data.([]float32)
		stepLen := int(logits.Shape[1])
		// a wider vocabulary whose reserved tail would win without the cap
		wide := make([]float32, stepLen*(testVocab+2))
		for p := range stepLen {
			copy(wide[p*(testVocab+2):], data[p*testVocab:(p+1)*testVocab])
			wide[p*(testVocab+2)+testVocab+1] = 100
		}
		outputs[0] = backends.NamedTensor{Name: "logits", Shape: backends.NewShape(1, int64(stepLen), testVocab+2), Data: wide}
		return outputs, nil
	}
	g, _ := newTestGenerator(t, decoder, 2)
	_, state, err := g.Generate(rows(testHidden, 1))
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 3}, state.GeneratedTokens)
}

func TestResultRequiresStoppedState(t *testing.T) {
	g, _ := newTestGenerator(t, newScriptedDecoder(3), 3)
	_, err := g.Result(g.Init(rows(testHidden, 1)))
	assert.Error(t, err)
}

func TestKVCacheInputsOrder(t *testing.T) {
	cache := NewKVCache(2, 2, 64)
	names := backends.GetNames(func() []backends.InputOutputInfo {
		var info []backends.InputOutputInfo
		for _, in := range cache.Inputs() {
			info = append(info, backends.InputOutputInfo{Name: in.Name})
		}
		return info
	}())
	assert.Equal(t, []string{
		"past_key_values.0.key", "past_key_values.0.value",
		"past_key_values.1.key", "past_key_values.1.value",
	}, names)
	for _, in := range cache.Inputs() {
		assert.Equal(t, backends.NewShape(1, 2, 0, 64), in.Shape)
	}
}

func TestKVCacheUpdateMissingPresent(t *testing.T) {
	cache := NewKVCache(1, 1, 1)
	err := cache.Update([]backends.NamedTensor{{Name: "present.0.key", Shape: backends.NewShape(1, 1, 1, 1), Data: []float32{1}}}, 1)
	assert.ErrorContains(t, err, "present.0.value")
}

func TestAppendPositions(t *testing.T) {
	// two heads, one cached position and one new position, head dim 2
	out := appendPositions([]float32{1, 1, 2, 2}, []float32{3, 3, 4, 4}, 2, 1, 1, 2)
	assert.Equal(t, []float32{1, 1, 3, 3, 2, 2, 4, 4}, out)
}
