package fastvlm

import (
	"errors"
	"fmt"
	"slices"

	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/options"
	"github.com/knights-analytics/fastvlm/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipelines already created.
// Every pipeline owns its model, so pipelines of one session can run concurrently.
type Session struct {
	visionLanguagePipelines pipelineMap[*pipelines.VisionLanguagePipeline]
	models                  map[string]*backends.Model
	options                 *options.Options
	environmentDestroy      func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		visionLanguagePipelines: map[string]*pipelines.VisionLanguagePipeline{},
		models:                  map[string]*backends.Model{},
		options:                 parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	var stats []string
	for _, name := range names {
		stats = append(stats, m[name].GetStats()...)
	}
	return stats
}

// VisionLanguageConfig is the configuration for a vision language pipeline.
type VisionLanguageConfig = backends.PipelineConfig[*pipelines.VisionLanguagePipeline]

// VisionLanguageOption is an option for a vision language pipeline.
type VisionLanguageOption = backends.PipelineOption[*pipelines.VisionLanguagePipeline]

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// NewPipeline loads the model at pipelineConfig.ModelPath and creates a pipeline over it. The pipeline is
// stored in the session so that everything can be destroyed with session.Destroy() at once.
func NewPipeline(s *Session, pipelineConfig VisionLanguageConfig) (*pipelines.VisionLanguagePipeline, error) {
	if pipelineConfig.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}
	if _, exists := s.visionLanguagePipelines[pipelineConfig.Name]; exists {
		return nil, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	}

	model, err := backends.LoadModel(pipelineConfig.ModelPath, s.options)
	if err != nil {
		return nil, err
	}
	pipeline, err := pipelines.NewVisionLanguagePipeline(pipelineConfig, s.options, model)
	if err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	s.addPipeline(pipelineConfig.Name, pipeline)
	return pipeline, nil
}

func (s *Session) addPipeline(name string, pipeline *pipelines.VisionLanguagePipeline) {
	s.visionLanguagePipelines[name] = pipeline
	s.models[name] = pipeline.GetModel()
}

// GetPipeline returns the pipeline created with the given name.
func GetPipeline(s *Session, name string) (*pipelines.VisionLanguagePipeline, error) {
	p, ok := s.visionLanguagePipelines[name]
	if !ok {
		return nil, &pipelineNotFoundError{pipelineName: name}
	}
	return p, nil
}

// ClosePipeline destroys the named pipeline and its model.
func ClosePipeline(s *Session, name string) error {
	if _, ok := s.visionLanguagePipelines[name]; !ok {
		return &pipelineNotFoundError{pipelineName: name}
	}
	delete(s.visionLanguagePipelines, name)
	model := s.models[name]
	delete(s.models, name)
	if model != nil && model.Destroy != nil {
		return model.Destroy()
	}
	return nil
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each network:
// the total runtime of the calls, and the number of individual calls.
func (s *Session) GetStats() []string {
	return s.visionLanguagePipelines.GetStats()
}

// Options returns the engine options of the session.
func (s *Session) Options() *options.Options {
	return s.options
}

// Destroy deletes the session and all its pipelines, freeing memory.
// A new session with a different backend can be created after this.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		if model.Destroy != nil {
			err = errors.Join(err, model.Destroy())
		}
	}
	s.models = map[string]*backends.Model{}
	s.visionLanguagePipelines = map[string]*pipelines.VisionLanguagePipeline{}
	if s.options != nil && s.options.Destroy != nil {
		err = errors.Join(err, s.options.Destroy())
	}
	if s.environmentDestroy != nil {
		err = errors.Join(err, s.environmentDestroy())
	}
	return err
}
