package pipelines

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/fastvlm/backends"
)

// Phase is the position of a GenerationState in the decode state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStep
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseStep:
		return "step"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// StopReason records why generation ended.
type StopReason int

const (
	StopReasonNone StopReason = iota
	// StopReasonStopToken means the sampler produced an end of sequence or end of turn id.
	StopReasonStopToken
	// StopReasonStepCap means the maximum response length was reached.
	StopReasonStepCap
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonStopToken:
		return "stop token"
	case StopReasonStepCap:
		return "step cap"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// GenerationState is the full decoder loop state of one request.
type GenerationState struct {
	PastKV          *KVCache
	CurrentEmbeds   Embeddings
	AttentionMask   []int64
	PositionIDs     []int64
	GeneratedTokens []uint32
	Steps           int
	Phase           Phase
	StopReason      StopReason
}

// Generator drives the decoder network one token at a time.
type Generator struct {
	Decoder backends.Session
	// Embed maps token ids to their [1, len(ids), D] embeddings.
	Embed     func(ids []int64) (Embeddings, error)
	Tokenizer TextTokenizer
	Sampler   *TopKSampler
	// DecoderTimings is optional.
	DecoderTimings    *backends.Timings
	Model             backends.ModelConfig
	MaxResponseLength int
	// Hidden is the embedding width the decoder declares, 0 when it is dynamic.
	Hidden int
}

var errGenerationStopped = errors.New("generation has already stopped")

// Init builds the first decoder step over the fused prompt.
func (g *Generator) Init(fused Embeddings) *GenerationState {
	state := &GenerationState{
		CurrentEmbeds: fused,
		AttentionMask: make([]int64, fused.Length),
		PositionIDs:   make([]int64, fused.Length),
		PastKV:        NewKVCache(g.Model.NumHiddenLayers, g.Model.NumKeyValueHeads, g.Model.HeadDim),
		Phase:         PhaseStep,
	}
	for i := range fused.Length {
		state.AttentionMask[i] = 1
		state.PositionIDs[i] = int64(i)
	}
	if g.MaxResponseLength <= 0 {
		state.Phase = PhaseStopped
		state.StopReason = StopReasonStepCap
	}
	return state
}

// Step runs the decoder once and samples the next token.
func (g *Generator) Step(state *GenerationState) error {
	if state.Phase == PhaseStopped {
		return errGenerationStopped
	}

	embeds := state.CurrentEmbeds
	if g.Hidden > 0 && embeds.Hidden != g.Hidden {
		return shapeMismatch("decoder inputs_embeds hidden size", g.Hidden, embeds.Hidden)
	}
	inputs := make([]backends.NamedTensor, 0, 3+2*len(state.PastKV.Layers))
	inputs = append(inputs,
		backends.NamedTensor{Name: "inputs_embeds", Shape: backends.NewShape(1, int64(embeds.Length), int64(embeds.Hidden)), Data: embeds.Data},
		backends.NamedTensor{Name: "attention_mask", Shape: backends.NewShape(1, int64(len(state.AttentionMask))), Data: state.AttentionMask},
		backends.NamedTensor{Name: "position_ids", Shape: backends.NewShape(1, int64(len(state.PositionIDs))), Data: state.PositionIDs},
	)
	inputs = append(inputs, state.PastKV.Inputs()...)

	start := time.Now()
	outputs, err := g.Decoder.Run(inputs)
	if g.DecoderTimings != nil {
		g.DecoderTimings.Track(start)
	}
	if err != nil {
		return &InferenceEngineError{Network: NetworkDecoder, Err: err}
	}

	logits, err := g.lastLogits(outputs, embeds.Length)
	if err != nil {
		return err
	}
	if err = state.PastKV.Update(outputs, embeds.Length); err != nil {
		return err
	}

	token, err := g.Sampler.Sample(logits)
	if err != nil {
		return err
	}
	if g.isStopToken(int64(token)) {
		state.Phase = PhaseStopped
		state.StopReason = StopReasonStopToken
		log.Debug().Int("steps", state.Steps).Int("token", token).Msg("generation reached stop token")
		return nil
	}

	state.GeneratedTokens = append(state.GeneratedTokens, uint32(token))
	state.Steps++
	if state.Steps >= g.MaxResponseLength {
		state.Phase = PhaseStopped
		state.StopReason = StopReasonStepCap
		log.Debug().Int("steps", state.Steps).Msg("generation reached maximum response length")
		return nil
	}

	next, err := g.Embed([]int64{int64(token)})
	if err != nil {
		return err
	}
	if next.Length != 1 || next.Hidden != embeds.Hidden {
		return shapeMismatch("next token embedding", fmt.Sprintf("[1 1 %d]", embeds.Hidden), fmt.Sprintf("[1 %d %d]", next.Length, next.Hidden))
	}
	state.PositionIDs = []int64{int64(len(state.AttentionMask))}
	state.AttentionMask = append(state.AttentionMask, 1)
	state.CurrentEmbeds = next
	return nil
}

// lastLogits returns the logits of the final sequence position, cut to the vocabulary cap.
func (g *Generator) lastLogits(outputs []backends.NamedTensor, stepLen int) ([]float32, error) {
	logitsTensor, ok := backends.FindTensor(outputs, "logits")
	if !ok {
		if len(outputs) == 0 {
			return nil, errors.New("decoder returned no outputs")
		}
		logitsTensor = outputs[0]
	}
	shape := logitsTensor.Shape
	if len(shape) != 3 || shape[0] != 1 || shape[1] < 1 || int(shape[1]) > stepLen {
		return nil, shapeMismatch("decoder logits", fmt.Sprintf("[1 %d vocab]", stepLen), shape)
	}
	data, err := logitsTensor.Float32Data()
	if err != nil {
		return nil, err
	}
	positions, vocab := int(shape[1]), int(shape[2])
	limit := vocab
	if g.Model.VocabSize > 0 {
		limit = min(vocab, g.Model.VocabSize)
	}
	offset := (positions - 1) * vocab
	return data[offset : offset+limit], nil
}

func (g *Generator) isStopToken(token int64) bool {
	if len(g.Model.EosTokenIDs) == 0 {
		return token == backends.DefaultEosTokenID
	}
	return g.Model.EosTokenIDs[token]
}

// Result decodes the generated tokens of a stopped state.
func (g *Generator) Result(state *GenerationState) (string, error) {
	if state.Phase != PhaseStopped {
		return "", fmt.Errorf("generation is in phase %s, not stopped", state.Phase)
	}
	if len(state.GeneratedTokens) == 0 {
		return EmptyGenerationText, nil
	}
	text, err := g.Tokenizer.Decode(state.GeneratedTokens, true)
	if err != nil {
		return "", fmt.Errorf("decoding generated tokens: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Generate runs the state machine from the fused prompt until it stops.
func (g *Generator) Generate(fused Embeddings) (string, *GenerationState, error) {
	state := g.Init(fused)
	for state.Phase != PhaseStopped {
		if err := g.Step(state); err != nil {
			return "", state, err
		}
	}
	text, err := g.Result(state)
	return text, state, err
}
