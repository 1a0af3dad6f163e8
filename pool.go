package fastvlm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/pipelines"
	"github.com/knights-analytics/fastvlm/util/imageutil"
)

// Analyzer is implemented by *pipelines.VisionLanguagePipeline.
type Analyzer interface {
	Analyze(pixels []byte, width, height uint32, prompt *string) (*pipelines.AnalysisResult, error)
}

// Pool hands out independent pipelines so several requests can run at once.
type Pool struct {
	free      chan Analyzer
	analyzers []Analyzer
}

// FileResult is the outcome of analysing one file.
type FileResult struct {
	Result *pipelines.AnalysisResult
	Err    error
	Path   string
}

// NewPool loads workers independent pipelines of the model at modelPath into session.
func NewPool(s *Session, modelPath string, workers int, opts ...VisionLanguageOption) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", workers)
	}
	analyzers := make([]Analyzer, 0, workers)
	for i := range workers {
		name := fmt.Sprintf("fastvlm-pool-%d", i)
		p, err := NewPipeline(s, VisionLanguageConfig{ModelPath: modelPath, Name: name, Options: opts})
		if err != nil {
			var closeErr error
			for j := range i {
				closeErr = errors.Join(closeErr, ClosePipeline(s, fmt.Sprintf("fastvlm-pool-%d", j)))
			}
			return nil, errors.Join(err, closeErr)
		}
		analyzers = append(analyzers, p)
	}
	return NewPoolFromAnalyzers(analyzers...), nil
}

// NewPoolFromAnalyzers builds a pool over already created pipelines.
func NewPoolFromAnalyzers(analyzers ...Analyzer) *Pool {
	p := &Pool{free: make(chan Analyzer, len(analyzers)), analyzers: analyzers}
	for _, a := range analyzers {
		p.free <- a
	}
	return p
}

// Size is the number of pipelines in the pool.
func (p *Pool) Size() int {
	return len(p.analyzers)
}

// Statistics returns the running statistics of every pooled pipeline that keeps them.
func (p *Pool) Statistics() []backends.PipelineStatistics {
	var statistics []backends.PipelineStatistics
	for _, a := range p.analyzers {
		if pipeline, ok := a.(backends.Pipeline); ok {
			statistics = append(statistics, pipeline.GetStatistics())
		}
	}
	return statistics
}

// Analyze waits for a free pipeline and runs the request on it.
func (p *Pool) Analyze(ctx context.Context, pixels []byte, width, height uint32, prompt *string) (*pipelines.AnalysisResult, error) {
	var a Analyzer
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a = <-p.free:
	}
	defer func() {
		p.free <- a
	}()
	return a.Analyze(pixels, width, height, prompt)
}

// AnalyzeImageFile decodes path and analyses it on a free pipeline.
func (p *Pool) AnalyzeImageFile(ctx context.Context, path string, prompt *string) (*pipelines.AnalysisResult, error) {
	img, err := imageutil.LoadImageFromPath(path)
	if err != nil {
		return nil, err
	}
	pixels, width, height := imageutil.ToRGBABytes(img)
	return p.Analyze(ctx, pixels, width, height, prompt)
}

// AnalyzeFiles analyses paths with every pipeline of the pool busy. Failures of single
// files are reported through onResult, which is never called concurrently. An error
// returned by onResult, or the cancellation of ctx, stops the remaining files.
func (p *Pool) AnalyzeFiles(ctx context.Context, paths []string, prompt *string, onResult func(FileResult) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.Size()))
	var mu sync.Mutex
	for _, path := range paths {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			result, err := p.AnalyzeImageFile(gCtx, path, prompt)
			mu.Lock()
			defer mu.Unlock()
			return onResult(FileResult{Path: path, Result: result, Err: err})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
