package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/fastvlm"
	"github.com/knights-analytics/fastvlm/resultstore"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

func isImagePath(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

// collectImagePaths expands directories into the images below them. With no args the
// paths are read line by line from stdin, when stdin is given.
func collectImagePaths(ctx context.Context, args []string, stdin io.Reader) ([]string, error) {
	if len(args) == 0 && stdin != nil {
		reader := bufio.NewReader(stdin)
		for {
			line, err := fileutil.ReadLine(reader)
			if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
				args = append(args, trimmed)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}

	var paths []string
	for _, arg := range args {
		isDir, err := fileutil.IsDir(ctx, arg)
		if err != nil {
			return nil, err
		}
		if !isDir {
			paths = append(paths, arg)
			continue
		}

		var found []string
		walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (bool, error) {
			if !info.IsDir() && isImagePath(info.Name()) {
				found = append(found, fileutil.PathJoinSafe(arg, parent, info.Name()))
			}
			return true, nil
		}
		if err = fileutil.WalkDir()(ctx, arg, walker); err != nil {
			return nil, err
		}
		slices.Sort(found)
		log.Debug().Str("dir", arg).Int("images", len(found)).Msg("collected images")
		paths = append(paths, found...)
	}
	return paths, nil
}

type fileAnalyzer interface {
	AnalyzeFiles(ctx context.Context, paths []string, prompt *string, onResult func(fastvlm.FileResult) error) error
}

// outputLine is one JSONL record of the analyze command.
type outputLine struct {
	Path             string `json:"path"`
	Text             string `json:"text,omitempty"`
	Error            string `json:"error,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	Cached           bool   `json:"cached"`
}

func writeLine(w io.Writer, line outputLine) error {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(line)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// runAnalysis writes one line per path to w. Paths already in store are answered from
// it, the rest go to analyzer and are saved when they succeed. store may be nil.
func runAnalysis(ctx context.Context, analyzer fileAnalyzer, store *resultstore.Store, paths []string, prompt string, w io.Writer, stats *ProcessingStats) error {
	var pending []string
	for _, path := range paths {
		if store == nil {
			pending = append(pending, path)
			continue
		}
		record, err := store.Lookup(ctx, path, prompt)
		if errors.Is(err, resultstore.ErrNotFound) {
			pending = append(pending, path)
			continue
		}
		if err != nil {
			return err
		}
		stats.Add(path, record.ProcessingTime, true)
		stats.Cached++
		if err = writeLine(w, outputLine{
			Path:             path,
			Text:             record.Response,
			ProcessingTimeMS: record.ProcessingTime.Milliseconds(),
			Cached:           true,
		}); err != nil {
			return err
		}
	}
	if len(pending) == 0 {
		return nil
	}

	log.Info().Int("images", len(pending)).Int("cached", len(paths)-len(pending)).Msg("analysing images")
	return analyzer.AnalyzeFiles(ctx, pending, &prompt, func(r fastvlm.FileResult) error {
		if r.Err != nil {
			log.Warn().Err(r.Err).Str("path", r.Path).Msg("analysis failed")
			stats.Add(r.Path, 0, false)
			return writeLine(w, outputLine{Path: r.Path, Error: r.Err.Error()})
		}
		stats.Add(r.Path, r.Result.ProcessingTime, true)
		log.Debug().Str("path", r.Path).Dur("time", r.Result.ProcessingTime).Msg("analysed image")
		if store != nil {
			if err := store.Save(ctx, &resultstore.Record{
				ImagePath:      r.Path,
				Prompt:         prompt,
				Response:       r.Result.Text,
				ProcessingTime: r.Result.ProcessingTime,
				CreatedAt:      time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return writeLine(w, outputLine{
			Path:             r.Path,
			Text:             r.Result.Text,
			ProcessingTimeMS: r.Result.ProcessingTime.Milliseconds(),
		})
	})
}
