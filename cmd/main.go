package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/fastvlm"
	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/options"
	"github.com/knights-analytics/fastvlm/pipelines"
	"github.com/knights-analytics/fastvlm/resultstore"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

var modelPath string
var modelsDir string
var sharedLibraryPath string
var backend string
var prompt string
var presetName string
var maxLength int
var workers int
var configPath string
var dbPath string
var outputPath string
var logLevel string
var repo string
var dest string
var authToken string
var printStats bool

var analyzeCommand = &cli.Command{
	Name:      "analyze",
	Usage:     "Describe images with FastVLM",
	ArgsUsage: "[image or directory...]",
	Description: `Analyze describes every image given as argument. Directories are searched for .jpg, .jpeg, .png, .gif and .webp files.
				With no arguments the image paths are read from stdin, one per line.
				Results are written as json lines of the form {"path", "text", "processing_time_ms", "cached"}.
				The model is downloaded to --modelFolder when --model is not given and it is not there yet.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to a directory holding the FastVLM onnx files",
			Aliases:     []string{"p"},
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where the model is downloaded to. Falls back to the platform data directory if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Directory holding the onnxruntime shared library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, ORT or GO",
			Aliases:     []string{"b"},
			Destination: &backend,
			Value:       "ORT",
		},
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "Prompt used for every image",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "preset",
			Usage:       "Configuration preset, see the presets command",
			Destination: &presetName,
		},
		&cli.IntFlag{
			Name:        "maxLength",
			Usage:       "Maximum number of generated tokens",
			Aliases:     []string{"n"},
			Destination: &maxLength,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of model instances analysing images in parallel",
			Aliases:     []string{"w"},
			Destination: &workers,
			Value:       1,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to a yaml configuration file",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "db",
			Usage:       "Path to a sqlite database caching analyses by image and prompt",
			Destination: &dbPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path of the .jsonl file to write. If omitted, the output is sent to stdout",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "Print the timings of every pipeline to stderr when done",
			Destination: &printStats,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		overallStart := time.Now()
		var fileConfig FileConfig
		if configPath != "" {
			if fileConfig, err = loadFileConfig(configPath); err != nil {
				return err
			}
		}
		settings, err := resolveSettings(fileConfig, flagOverrides{
			Preset:       presetName,
			Prompt:       prompt,
			ModelPath:    modelPath,
			MaxLength:    maxLength,
			MaxLengthSet: ctx.IsSet("maxLength"),
			Workers:      workers,
			WorkersSet:   ctx.IsSet("workers"),
		})
		if err != nil {
			return err
		}

		var stdin io.Reader
		if ctx.NArg() == 0 && !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			stdin = os.Stdin
		}
		paths, err := collectImagePaths(ctx.Context, ctx.Args().Slice(), stdin)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return errors.New("no images to analyze")
		}

		session, err := newSession(backend, sharedLibraryPath)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		if settings.ModelPath == "" {
			settings.ModelPath = modelsDir
			if settings.ModelPath == "" {
				settings.ModelPath = fastvlm.DefaultModelDir()
			}
		}
		if !backends.HasModelFiles(settings.ModelPath) {
			downloadOptions := fastvlm.NewDownloadOptions()
			downloadOptions.Verbose = true
			if _, err = fastvlm.DownloadFastVLM(ctx.Context, settings.ModelPath, downloadOptions); err != nil {
				return err
			}
		}

		initStart := time.Now()
		pool, err := fastvlm.NewPool(session, settings.ModelPath, settings.Workers, pipelines.WithConfig(settings.Config))
		if err != nil {
			return err
		}
		stats := &ProcessingStats{InitTime: time.Since(initStart)}
		log.Info().Str("model", settings.ModelPath).Int("workers", pool.Size()).Dur("init_time", stats.InitTime).Msg("FastVLM initialized")

		var store *resultstore.Store
		if dbPath != "" {
			if store, err = resultstore.Open(ctx.Context, dbPath); err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, store.Close())
			}()
		}

		var writer io.Writer = os.Stdout
		if outputPath != "" {
			fileWriter, writerErr := fileutil.NewFileWriter(ctx.Context, outputPath)
			if writerErr != nil {
				return writerErr
			}
			defer func() {
				err = errors.Join(err, fileWriter.Close())
			}()
			writer = fileWriter
		}

		err = runAnalysis(ctx.Context, pool, store, paths, settings.Config.DefaultPrompt, writer, stats)
		stats.OverallTime = time.Since(overallStart)
		stats.Print(os.Stderr)
		if printStats {
			err = errors.Join(err, printPipelineStatistics(os.Stderr, pool.Statistics()))
		}
		return err
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download the FastVLM model, or mirror another hugging face repository",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "repo",
			Usage:       "Hugging face repository",
			Aliases:     []string{"r"},
			Destination: &repo,
			Value:       fastvlm.FastVLMRepository,
		},
		&cli.StringFlag{
			Name:        "dest",
			Usage:       "Destination folder. Falls back to the platform data directory if not specified",
			Aliases:     []string{"d"},
			Destination: &dest,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Hugging face access token",
			EnvVars:     []string{"HF_TOKEN"},
			Destination: &authToken,
		},
	},
	Action: func(ctx *cli.Context) error {
		if dest == "" {
			dest = fastvlm.DefaultModelDir()
		}
		downloadOptions := fastvlm.NewDownloadOptions()
		downloadOptions.AuthToken = authToken
		downloadOptions.Verbose = true

		var downloaded string
		var err error
		if repo == fastvlm.FastVLMRepository {
			downloaded, err = fastvlm.DownloadFastVLM(ctx.Context, dest, downloadOptions)
		} else {
			if err = fileutil.CreateFile(dest, true); err != nil {
				return err
			}
			downloaded, err = fastvlm.DownloadModel(repo, dest, downloadOptions)
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, downloaded)
		return err
	},
}

var presetsCommand = &cli.Command{
	Name:  "presets",
	Usage: "List the configuration presets",
	Action: func(ctx *cli.Context) error {
		printPresets(ctx.App.Writer)
		return nil
	},
}

func printPresets(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Max tokens", "Description", "Prompt"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, p := range fastvlm.Presets {
		table.Append([]string{p.Name, strconv.Itoa(p.MaxResponseLength), p.Description, p.Prompt})
	}
	table.Render()
}

func newSession(backend, libraryDir string) (*fastvlm.Session, error) {
	switch backend {
	case "ORT":
		var opts []options.WithOption
		if libraryDir != "" {
			opts = append(opts, options.WithOnnxLibraryPath(libraryDir))
		}
		return fastvlm.NewORTSession(opts...)
	case "GO":
		return fastvlm.NewGoSession()
	default:
		return nil, fmt.Errorf("backend %s not recognized, use ORT or GO", backend)
	}
}

func setupLogger(level string) error {
	parsed := log.ParseLevel(level)
	if level != "" && parsed.String() != level {
		return fmt.Errorf("unknown log level %q", level)
	}
	writer := &log.ConsoleWriter{
		Writer:      os.Stderr,
		ColorOutput: isatty.IsTerminal(os.Stderr.Fd()),
	}
	log.DefaultLogger = log.Logger{
		Level:      parsed,
		TimeFormat: "15:04:05",
		Writer:     writer,
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fastvlm",
		Usage: "Describe images with the FastVLM vision language model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "logLevel",
				Usage:       "trace, debug, info, warn or error",
				Aliases:     []string{"l"},
				Destination: &logLevel,
				Value:       "info",
			},
		},
		Before: func(_ *cli.Context) error {
			return setupLogger(logLevel)
		},
		Commands: []*cli.Command{analyzeCommand, downloadCommand, presetsCommand},
	}
}

func main() {
	if err := newApp().RunContext(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("fastvlm failed")
	}
}
