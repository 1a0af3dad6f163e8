package fastvlm

import (
	"context"
	"errors"
	"sync"

	"github.com/phuslu/log"

	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/pipelines"
	"github.com/knights-analytics/fastvlm/util/imageutil"
)

const clientPipelineName = "fastvlm-client"

// ErrNotInitialized is returned by Client methods called before Initialize.
var ErrNotInitialized = errors.New("model is not initialized, call Initialize first")

// Client owns one FastVLM pipeline and serialises the calls made against it.
type Client struct {
	session   *Session
	pipeline  *pipelines.VisionLanguagePipeline
	modelPath string
	// DownloadOptions are used when Initialize has to fetch the model.
	DownloadOptions DownloadOptions
	// PipelineOptions are applied after the configuration given to Initialize.
	PipelineOptions []VisionLanguageOption
	mu              sync.Mutex
}

// NewClient returns an uninitialised client that creates its pipeline in session.
func NewClient(session *Session) *Client {
	return &Client{session: session, DownloadOptions: NewDownloadOptions()}
}

// Initialize loads the model at modelPath, downloading it first when files are missing.
// An empty modelPath uses DefaultModelDir. Initializing again replaces the loaded model.
func (c *Client) Initialize(ctx context.Context, modelPath string, config pipelines.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if modelPath == "" {
		modelPath = DefaultModelDir()
	}
	if !backends.HasModelFiles(modelPath) {
		log.Info().Str("path", modelPath).Msg("model files missing, downloading")
		if _, err := DownloadFastVLM(ctx, modelPath, c.DownloadOptions); err != nil {
			return err
		}
	}

	if err := c.cleanup(); err != nil {
		return err
	}
	pipelineOptions := append([]VisionLanguageOption{pipelines.WithConfig(config)}, c.PipelineOptions...)
	pipeline, err := NewPipeline(c.session, VisionLanguageConfig{
		ModelPath: modelPath,
		Name:      clientPipelineName,
		Options:   pipelineOptions,
	})
	if err != nil {
		return err
	}
	c.pipeline = pipeline
	c.modelPath = modelPath
	log.Info().Str("path", modelPath).Msg("FastVLM model initialized")
	return nil
}

// Analyze describes an interleaved RGBA image. A nil prompt uses the configured default.
func (c *Client) Analyze(pixels []byte, width, height uint32, prompt *string) (*pipelines.AnalysisResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return nil, ErrNotInitialized
	}
	return c.pipeline.Analyze(pixels, width, height, prompt)
}

// AnalyzeImageFile decodes a JPEG, PNG, GIF or WebP file and describes it.
func (c *Client) AnalyzeImageFile(path string, prompt *string) (*pipelines.AnalysisResult, error) {
	if !c.IsInitialized() {
		return nil, ErrNotInitialized
	}
	img, err := imageutil.LoadImageFromPath(path)
	if err != nil {
		return nil, err
	}
	pixels, width, height := imageutil.ToRGBABytes(img)
	return c.Analyze(pixels, width, height, prompt)
}

func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline != nil
}

// ModelPath returns the directory of the loaded model, or "" when uninitialised.
func (c *Client) ModelPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelPath
}

// Cleanup unloads the model. The client can be initialised again afterwards.
func (c *Client) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanup()
}

func (c *Client) cleanup() error {
	if c.pipeline == nil {
		return nil
	}
	c.pipeline = nil
	c.modelPath = ""
	err := ClosePipeline(c.session, clientPipelineName)
	log.Info().Msg("FastVLM model unloaded")
	return err
}
