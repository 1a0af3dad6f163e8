package backends

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/fastvlm/util/safeconv"
)

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics // Get the pipeline running statistics
	GetStats() []string                // Get the pipeline running statistics as printable lines
	Validate() error                   // Validate the pipeline for correctness
	GetModel() *Model                  // Return the model used by the pipeline
}

// PipelineStatistics aggregates timings per network and for the tokenizer.
type PipelineStatistics struct {
	TokenizerTotalTime      time.Duration
	TokenizerExecutionCount uint64
	TokenizerAvgQueryTime   time.Duration
	VisionTotalTime         time.Duration
	VisionExecutionCount    uint64
	VisionAvgQueryTime      time.Duration
	EmbedTotalTime          time.Duration
	EmbedExecutionCount     uint64
	EmbedAvgQueryTime       time.Duration
	DecoderTotalTime        time.Duration
	DecoderExecutionCount   uint64
	DecoderAvgQueryTime     time.Duration
	TotalQueries            uint64
	TotalGeneratedTokens    uint64
	AverageLatency          time.Duration
}

func (p *PipelineStatistics) ComputeTokenizerStatistics(t *Timings) {
	p.TokenizerTotalTime, p.TokenizerExecutionCount, p.TokenizerAvgQueryTime = t.summary()
}

func (p *PipelineStatistics) ComputeVisionStatistics(t *Timings) {
	p.VisionTotalTime, p.VisionExecutionCount, p.VisionAvgQueryTime = t.summary()
}

func (p *PipelineStatistics) ComputeEmbedStatistics(t *Timings) {
	p.EmbedTotalTime, p.EmbedExecutionCount, p.EmbedAvgQueryTime = t.summary()
}

func (p *PipelineStatistics) ComputeDecoderStatistics(t *Timings) {
	p.DecoderTotalTime, p.DecoderExecutionCount, p.DecoderAvgQueryTime = t.summary()
}

// Print writes the statistics to w as indented json.
func (p *PipelineStatistics) Print(w io.Writer) error {
	jsonData, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath string
	Name      string
	Options   []PipelineOption[T]
}

// Timings counts calls and accumulated time. It is safe for concurrent use.
type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// Track records one call that started at start.
func (t *Timings) Track(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *Timings) summary() (time.Duration, uint64, time.Duration) {
	calls := atomic.LoadUint64(&t.NumCalls)
	total := atomic.LoadUint64(&t.TotalNS)
	return safeconv.U64ToDuration(total), calls, average(total, calls)
}

func average(totalNS uint64, calls uint64) time.Duration {
	return time.Duration(float64(totalNS) / math.Max(1, float64(calls)))
}
