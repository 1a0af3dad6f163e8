package pipelines

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/phuslu/log"

	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/chatTemplates"
	"github.com/knights-analytics/fastvlm/options"
	"github.com/knights-analytics/fastvlm/util/imageutil"
	"github.com/knights-analytics/fastvlm/util/safeconv"
)

// Generation defaults of FastVLM-0.5B.
const (
	DefaultMaxResponseLength = 30
	DefaultPrompt            = "Describe this image briefly."
	DefaultTemperature       = 0.7
	DefaultTopK              = 50
	DefaultMaxImageTokens    = 256
	DefaultImageSize         = 1024
)

// Config is the per pipeline generation configuration.
type Config struct {
	DefaultPrompt     string `yaml:"default_prompt" json:"default_prompt"`
	MaxResponseLength int    `yaml:"max_response_length" json:"max_response_length"`
}

func DefaultConfig() Config {
	return Config{MaxResponseLength: DefaultMaxResponseLength, DefaultPrompt: DefaultPrompt}
}

// AnalysisResult is the description produced for one image.
type AnalysisResult struct {
	Timestamp      time.Time
	Text           string
	ProcessingTime time.Duration
}

// TextTokenizer is what the pipeline needs from a tokenizer. *backends.Tokenizer implements it.
type TextTokenizer interface {
	Encode(text string) ([]uint32, error)
	Decode(ids []uint32, skipSpecialTokens bool) (string, error)
}

// VisionLanguagePipeline describes images with FastVLM. The vision encoder output is
// spliced into the embedded chat prompt at the image token and the decoder then
// generates the answer with top k sampling.
//
// A pipeline runs one request at a time. Use several pipelines for concurrency.
type VisionLanguagePipeline struct {
	Model              *backends.Model
	Tokenizer          TextTokenizer
	VisionTimings      *backends.Timings
	EmbedTimings       *backends.Timings
	DecoderTimings     *backends.Timings
	randSource         RandSource
	sampler            *TopKSampler
	PipelineName       string
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
	Config             Config
	TopK               int
	MaxImageTokens     int
	ImageSize          int
	Temperature        float32
	totalQueries       uint64
	totalTokens        uint64
	totalNS            uint64
}

// WithConfig replaces the generation configuration.
func WithConfig(config Config) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.Config = config
		return nil
	}
}

// WithMaxResponseLength caps the number of generated tokens.
func WithMaxResponseLength(maxLength int) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.Config.MaxResponseLength = maxLength
		return nil
	}
}

// WithDefaultPrompt sets the prompt used when a request carries none.
func WithDefaultPrompt(prompt string) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.Config.DefaultPrompt = prompt
		return nil
	}
}

func WithTemperature(temperature float32) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.Temperature = temperature
		return nil
	}
}

func WithTopK(topK int) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.TopK = topK
		return nil
	}
}

// WithMaxImageTokens caps how many vision embeddings are spliced into the prompt.
func WithMaxImageTokens(maxTokens int) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.MaxImageTokens = maxTokens
		return nil
	}
}

// WithImageSize sets the square side the image is letterboxed to.
func WithImageSize(size int) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.ImageSize = size
		return nil
	}
}

// WithRandSource makes sampling reproducible.
func WithRandSource(source RandSource) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.randSource = source
		return nil
	}
}

// WithTokenizer overrides the tokenizer loaded with the model.
func WithTokenizer(tokenizer TextTokenizer) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.Tokenizer = tokenizer
		return nil
	}
}

func WithPreprocessSteps(steps ...imageutil.PreprocessStep) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.preprocessSteps = append(p.preprocessSteps, steps...)
		return nil
	}
}

func WithNormalizationSteps(steps ...imageutil.NormalizationStep) backends.PipelineOption[*VisionLanguagePipeline] {
	return func(p *VisionLanguagePipeline) error {
		p.normalizationSteps = append(p.normalizationSteps, steps...)
		return nil
	}
}

// NewVisionLanguagePipeline initializes a FastVLM pipeline over a loaded model.
func NewVisionLanguagePipeline(config backends.PipelineConfig[*VisionLanguagePipeline], s *options.Options, model *backends.Model) (*VisionLanguagePipeline, error) {
	if model == nil {
		return nil, errors.New("pipeline model is nil")
	}
	pipeline := &VisionLanguagePipeline{
		Model:          model,
		PipelineName:   config.Name,
		Config:         DefaultConfig(),
		Temperature:    DefaultTemperature,
		TopK:           DefaultTopK,
		MaxImageTokens: DefaultMaxImageTokens,
		ImageSize:      DefaultImageSize,
		VisionTimings:  &backends.Timings{},
		EmbedTimings:   &backends.Timings{},
		DecoderTimings: &backends.Timings{},
	}
	if model.Tokenizer != nil {
		pipeline.Tokenizer = model.Tokenizer
	}
	for _, o := range config.Options {
		if err := o(pipeline); err != nil {
			return nil, err
		}
	}

	if len(pipeline.preprocessSteps) == 0 {
		pipeline.preprocessSteps = []imageutil.PreprocessStep{
			imageutil.RGBStep(),
			imageutil.LetterboxStep(pipeline.ImageSize, pipeline.ImageSize),
		}
	}
	if len(pipeline.normalizationSteps) == 0 {
		pipeline.normalizationSteps = []imageutil.NormalizationStep{
			imageutil.RescaleStep(),
			imageutil.PixelNormalizationStep([3]float32{0, 0, 0}, [3]float32{1, 1, 1}),
		}
	}

	sampler, err := NewTopKSampler(pipeline.TopK, pipeline.Temperature, pipeline.randSource)
	if err != nil {
		return nil, err
	}
	pipeline.sampler = sampler

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	backend := ""
	if s != nil {
		backend = s.Backend
	}
	log.Debug().Str("pipeline", pipeline.PipelineName).Str("backend", backend).
		Int("max_response_length", pipeline.Config.MaxResponseLength).Msg("created vision language pipeline")
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *VisionLanguagePipeline) GetModel() *backends.Model {
	return p.Model
}

func (p *VisionLanguagePipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	statistics.ComputeVisionStatistics(p.VisionTimings)
	statistics.ComputeEmbedStatistics(p.EmbedTimings)
	statistics.ComputeDecoderStatistics(p.DecoderTimings)
	if tk, ok := p.Tokenizer.(*backends.Tokenizer); ok && tk.TokenizerTimings != nil {
		statistics.ComputeTokenizerStatistics(tk.TokenizerTimings)
	}
	statistics.TotalQueries = atomic.LoadUint64(&p.totalQueries)
	statistics.TotalGeneratedTokens = atomic.LoadUint64(&p.totalTokens)
	statistics.AverageLatency = time.Duration(float64(atomic.LoadUint64(&p.totalNS)) / max(1, float64(statistics.TotalQueries)))
	return statistics
}

func (p *VisionLanguagePipeline) GetStats() []string {
	s := p.GetStatistics()
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("Vision encoder: Total time=%s, Execution count=%d, Average query time=%s",
			s.VisionTotalTime, s.VisionExecutionCount, s.VisionAvgQueryTime),
		fmt.Sprintf("Token embeddings: Total time=%s, Execution count=%d, Average query time=%s",
			s.EmbedTotalTime, s.EmbedExecutionCount, s.EmbedAvgQueryTime),
		fmt.Sprintf("Decoder: Total time=%s, Execution count=%d, Average query time=%s",
			s.DecoderTotalTime, s.DecoderExecutionCount, s.DecoderAvgQueryTime),
		fmt.Sprintf("Tokenizer: Total time=%s, Execution count=%d, Average query time=%s",
			s.TokenizerTotalTime, s.TokenizerExecutionCount, s.TokenizerAvgQueryTime),
		fmt.Sprintf("Requests: %d, Generated tokens: %d, Average latency=%s",
			s.TotalQueries, s.TotalGeneratedTokens, s.AverageLatency),
	}
}

// Validate checks that the pipeline settings and the decoder's declared inputs agree
// with the model architecture.
func (p *VisionLanguagePipeline) Validate() error {
	var validationErrors []error
	if p.Model.VisionEncoder == nil || p.Model.EmbedTokens == nil || p.Model.Decoder == nil {
		validationErrors = append(validationErrors, errors.New("model sessions are not loaded"))
	}
	if p.Tokenizer == nil {
		validationErrors = append(validationErrors, errors.New("pipeline has no tokenizer"))
	}
	if p.Config.MaxResponseLength < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("max response length must not be negative, got %d", p.Config.MaxResponseLength))
	}
	if p.MaxImageTokens < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("max image tokens must not be negative, got %d", p.MaxImageTokens))
	}
	if p.ImageSize <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("image size must be positive, got %d", p.ImageSize))
	}
	if p.Model.Decoder != nil {
		validationErrors = append(validationErrors, validateDecoderInputs(p.Model.Decoder.InputsMeta(), p.Model.Config)...)
	}
	if p.Model.Decoder != nil && p.Model.EmbedTokens != nil {
		decoderHidden := staticDim(p.Model.Decoder.InputsMeta(), "inputs_embeds", 2)
		embedHidden := staticDim(p.Model.EmbedTokens.OutputsMeta(), "inputs_embeds", 2)
		if decoderHidden > 0 && embedHidden > 0 && decoderHidden != embedHidden {
			validationErrors = append(validationErrors, shapeMismatch("decoder inputs_embeds hidden size", embedHidden, decoderHidden))
		}
	}
	return errors.Join(validationErrors...)
}

// staticDim returns dimension axis of the named tensor, or 0 when it is dynamic or not declared.
func staticDim(infos []backends.InputOutputInfo, name string, axis int) int {
	for _, info := range infos {
		if info.Name == name && axis < len(info.Dimensions) && info.Dimensions[axis] > 0 {
			return int(info.Dimensions[axis])
		}
	}
	return 0
}

func validateDecoderInputs(inputs []backends.InputOutputInfo, config backends.ModelConfig) []error {
	var validationErrors []error
	pastInputs := 0
	for _, input := range inputs {
		if !strings.HasPrefix(input.Name, "past_key_values.") {
			continue
		}
		pastInputs++
		dims := input.Dimensions
		if len(dims) != 4 {
			validationErrors = append(validationErrors, shapeMismatch(input.Name+" rank", 4, len(dims)))
			continue
		}
		if dims[1] > 0 && int(dims[1]) != config.NumKeyValueHeads {
			validationErrors = append(validationErrors, shapeMismatch(input.Name+" key value heads", config.NumKeyValueHeads, dims[1]))
		}
		if dims[3] > 0 && int(dims[3]) != config.HeadDim {
			validationErrors = append(validationErrors, shapeMismatch(input.Name+" head dim", config.HeadDim, dims[3]))
		}
	}
	if len(inputs) > 0 && pastInputs != 2*config.NumHiddenLayers {
		validationErrors = append(validationErrors, shapeMismatch("decoder cache inputs", 2*config.NumHiddenLayers, pastInputs))
	}
	return validationErrors
}

// Analyze describes an interleaved RGBA image. A nil prompt uses the configured default.
// A buffer longer than width*height*4 is truncated, a shorter one or a zero sized
// image is rejected.
func (p *VisionLanguagePipeline) Analyze(pixels []byte, width, height uint32, prompt *string) (*AnalysisResult, error) {
	expected := int(width) * int(height) * 4
	if width == 0 || height == 0 {
		return nil, &ImageShapeError{Expected: expected, Got: len(pixels)}
	}
	if len(pixels) < expected {
		return nil, &ImageShapeError{Expected: expected, Got: len(pixels)}
	}
	if len(pixels) > expected {
		log.Warn().Int("expected", expected).Int("got", len(pixels)).Msg("truncating oversized rgba buffer")
		pixels = pixels[:expected]
	}
	img, err := imageutil.FromRGBABytes(pixels, int(width), int(height))
	if err != nil {
		return nil, err
	}
	return p.AnalyzeImage(img, prompt)
}

// AnalyzeImage describes an already decoded image.
func (p *VisionLanguagePipeline) AnalyzeImage(img image.Image, prompt *string) (*AnalysisResult, error) {
	start := time.Now()
	text := p.Config.DefaultPrompt
	if prompt != nil {
		text = *prompt
	}
	if !utf8.ValidString(text) {
		return nil, &TokenizationError{Err: errors.New("prompt is not valid utf-8")}
	}

	formatted, err := chatTemplates.FormatFastVLMPrompt(text)
	if err != nil {
		return nil, &TokenizationError{Err: err}
	}
	ids, err := p.Tokenizer.Encode(formatted)
	if err != nil {
		return nil, &TokenizationError{Err: err}
	}
	tokenIDs := safeconv.Uint32SliceToInt64Slice(ids)

	imageEmbeds, err := p.EncodeImage(img)
	if err != nil {
		return nil, err
	}
	textEmbeds, err := p.EmbedTokens(tokenIDs)
	if err != nil {
		return nil, err
	}
	placeholder := FindPlaceholder(tokenIDs, p.Model.Config.ImageTokenID)
	fused, err := FuseEmbeddings(textEmbeds, imageEmbeds, placeholder, p.MaxImageTokens)
	if err != nil {
		return nil, err
	}

	generated, state, err := p.generator().Generate(fused)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	atomic.AddUint64(&p.totalQueries, 1)
	atomic.AddUint64(&p.totalTokens, uint64(len(state.GeneratedTokens)))
	atomic.AddUint64(&p.totalNS, safeconv.DurationToU64(elapsed))
	log.Debug().Int("prompt_tokens", len(tokenIDs)).Int("image_tokens", fused.Length-textEmbeds.Length).
		Int("generated_tokens", len(state.GeneratedTokens)).Str("stop_reason", state.StopReason.String()).
		Dur("elapsed", elapsed).Msg("analysis complete")

	return &AnalysisResult{Text: generated, Timestamp: time.Now(), ProcessingTime: elapsed}, nil
}

func (p *VisionLanguagePipeline) generator() *Generator {
	return &Generator{
		Decoder:           p.Model.Decoder,
		Embed:             p.EmbedTokens,
		Tokenizer:         p.Tokenizer,
		Sampler:           p.sampler,
		DecoderTimings:    p.DecoderTimings,
		Model:             p.Model.Config,
		MaxResponseLength: p.Config.MaxResponseLength,
		Hidden:            staticDim(p.Model.Decoder.InputsMeta(), "inputs_embeds", 2),
	}
}

// Preprocess letterboxes img into the [1, 3, S, S] pixel_values tensor.
func (p *VisionLanguagePipeline) Preprocess(img image.Image) (backends.NamedTensor, error) {
	var err error
	for _, step := range p.preprocessSteps {
		if img, err = step.Apply(img); err != nil {
			return backends.NamedTensor{}, err
		}
	}
	bounds := img.Bounds()
	name := "pixel_values"
	if inputs := p.Model.VisionEncoder.InputsMeta(); len(inputs) > 0 && !hasInput(inputs, name) {
		name = inputs[0].Name
	}
	return backends.NamedTensor{
		Name:  name,
		Shape: backends.NewShape(1, 3, int64(bounds.Dy()), int64(bounds.Dx())),
		Data:  imageutil.ToNCHW(img, p.normalizationSteps...),
	}, nil
}

// EncodeImage runs the vision encoder and returns its [1, Li, D] features.
func (p *VisionLanguagePipeline) EncodeImage(img image.Image) (Embeddings, error) {
	pixelValues, err := p.Preprocess(img)
	if err != nil {
		return Embeddings{}, err
	}
	start := time.Now()
	outputs, err := p.Model.VisionEncoder.Run([]backends.NamedTensor{pixelValues})
	p.VisionTimings.Track(start)
	if err != nil {
		return Embeddings{}, &InferenceEngineError{Network: NetworkVisionEncoder, Err: err}
	}

	features, ok := selectOutput(outputs, "last_hidden_state", "image_features", "output")
	if !ok {
		return Embeddings{}, &InferenceEngineError{Network: NetworkVisionEncoder, Err: errors.New("no outputs returned")}
	}
	return toEmbeddings(features, "vision encoder output")
}

// EmbedTokens runs the embedding lookup network over ids.
func (p *VisionLanguagePipeline) EmbedTokens(ids []int64) (Embeddings, error) {
	start := time.Now()
	outputs, err := p.Model.EmbedTokens.Run([]backends.NamedTensor{
		{Name: "input_ids", Shape: backends.NewShape(1, int64(len(ids))), Data: ids},
	})
	p.EmbedTimings.Track(start)
	if err != nil {
		return Embeddings{}, &InferenceEngineError{Network: NetworkEmbedTokens, Err: err}
	}
	embedsTensor, ok := selectOutput(outputs, "inputs_embeds")
	if !ok {
		return Embeddings{}, &InferenceEngineError{Network: NetworkEmbedTokens, Err: errors.New("no outputs returned")}
	}
	embeds, err := toEmbeddings(embedsTensor, "token embeddings")
	if err != nil {
		return Embeddings{}, err
	}
	if embeds.Length != len(ids) {
		return Embeddings{}, shapeMismatch("token embeddings length", len(ids), embeds.Length)
	}
	return embeds, nil
}

func hasInput(inputs []backends.InputOutputInfo, name string) bool {
	for _, input := range inputs {
		if input.Name == name {
			return true
		}
	}
	return false
}

// selectOutput returns the first output matching names, in order, or else the first output.
func selectOutput(outputs []backends.NamedTensor, names ...string) (backends.NamedTensor, bool) {
	for _, name := range names {
		if t, ok := backends.FindTensor(outputs, name); ok {
			return t, true
		}
	}
	if len(outputs) == 0 {
		return backends.NamedTensor{}, false
	}
	return outputs[0], true
}

// toEmbeddings views a [1, L, D] or [L, D] tensor as Embeddings.
func toEmbeddings(t backends.NamedTensor, what string) (Embeddings, error) {
	shape := t.Shape
	switch {
	case len(shape) == 3 && shape[0] == 1:
		shape = shape[1:]
	case len(shape) == 2:
	default:
		return Embeddings{}, shapeMismatch(what+" shape", "[1 L D] or [L D]", shape)
	}
	data, err := t.Float32Data()
	if err != nil {
		return Embeddings{}, err
	}
	return Embeddings{Data: data, Length: int(shape[0]), Hidden: int(shape[1])}, nil
}
