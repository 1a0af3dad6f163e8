package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/stat"

	"github.com/knights-analytics/fastvlm/backends"
)

// ProcessingStats summarises a batch run. Times are only recorded for successful images.
type ProcessingStats struct {
	IndividualTimes []time.Duration
	Paths           []string
	TotalImages     int
	Successful      int
	Failed          int
	Cached          int
	TotalTime       time.Duration
	MinTime         time.Duration
	MaxTime         time.Duration
	InitTime        time.Duration
	OverallTime     time.Duration
}

func (s *ProcessingStats) Add(path string, processingTime time.Duration, success bool) {
	s.TotalImages++
	if !success {
		s.Failed++
		return
	}
	s.Successful++
	s.TotalTime += processingTime
	if s.Successful == 1 || processingTime < s.MinTime {
		s.MinTime = processingTime
	}
	if processingTime > s.MaxTime {
		s.MaxTime = processingTime
	}
	s.IndividualTimes = append(s.IndividualTimes, processingTime)
	s.Paths = append(s.Paths, path)
}

// SuccessRate is the percentage of images analysed successfully.
func (s *ProcessingStats) SuccessRate() float64 {
	if s.TotalImages == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.TotalImages) * 100
}

func (s *ProcessingStats) AverageTime() time.Duration {
	if s.Successful == 0 {
		return 0
	}
	return time.Duration(stat.Mean(s.seconds(), nil) * float64(time.Second))
}

// StdDevTime is the sample standard deviation of the successful processing times.
func (s *ProcessingStats) StdDevTime() time.Duration {
	if s.Successful < 2 {
		return 0
	}
	return time.Duration(stat.StdDev(s.seconds(), nil) * float64(time.Second))
}

func (s *ProcessingStats) seconds() []float64 {
	x := make([]float64, len(s.IndividualTimes))
	for i, d := range s.IndividualTimes {
		x[i] = d.Seconds()
	}
	return x
}

func (s *ProcessingStats) Print(w io.Writer) {
	line := strings.Repeat("=", 50)
	_, _ = fmt.Fprintf(w, "\nProcessing summary\n%s\n", line)
	_, _ = fmt.Fprintf(w, "images:       %d\n", s.TotalImages)
	_, _ = fmt.Fprintf(w, "successful:   %d (%d cached)\n", s.Successful, s.Cached)
	_, _ = fmt.Fprintf(w, "failed:       %d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "success rate: %.1f%%\n", s.SuccessRate())
	if s.InitTime > 0 {
		_, _ = fmt.Fprintf(w, "init time:    %.2fs\n", s.InitTime.Seconds())
	}

	if s.Successful > 0 {
		_, _ = fmt.Fprintf(w, "\ntotal time:   %.2fs\n", s.TotalTime.Seconds())
		_, _ = fmt.Fprintf(w, "average time: %.2fs\n", s.AverageTime().Seconds())
		_, _ = fmt.Fprintf(w, "fastest:      %.2fs\n", s.MinTime.Seconds())
		_, _ = fmt.Fprintf(w, "slowest:      %.2fs\n", s.MaxTime.Seconds())
		_, _ = fmt.Fprintf(w, "std dev:      %.2fs\n\n", s.StdDevTime().Seconds())

		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"#", "Image", "Seconds"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for i, d := range s.IndividualTimes {
			table.Append([]string{strconv.Itoa(i + 1), s.Paths[i], fmt.Sprintf("%.2f", d.Seconds())})
		}
		table.Render()
	}
	if s.OverallTime > 0 {
		_, _ = fmt.Fprintf(w, "overall time: %.2fs\n", s.OverallTime.Seconds())
	}
	_, _ = fmt.Fprintln(w, line)
}

func printPipelineStatistics(w io.Writer, statistics []backends.PipelineStatistics) error {
	for i := range statistics {
		if _, err := fmt.Fprintf(w, "pipeline %d\n", i); err != nil {
			return err
		}
		if err := statistics[i].Print(w); err != nil {
			return err
		}
	}
	return nil
}
