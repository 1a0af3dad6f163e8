package fastvlm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	hfd "github.com/bodaay/HuggingFaceModelDownloader/hfdownloader"
	"github.com/phuslu/log"
	"github.com/schollz/progressbar/v3"

	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// FastVLMRepository is the hugging face repository the model files are fetched from.
const FastVLMRepository = "onnx-community/FastVLM-0.5B-ONNX"

// fastVLMFiles are the repository paths of the four required artifacts. They are stored
// flat in the destination directory.
var fastVLMFiles = []string{
	"onnx/" + backends.VisionEncoderFilename,
	"onnx/" + backends.EmbedTokensFilename,
	"onnx/" + backends.DecoderFilename,
	backends.TokenizerFilename,
}

// DownloadOptions is a struct of options that can be passed to DownloadFastVLM and DownloadModel.
type DownloadOptions struct {
	HTTPClient            *http.Client
	AuthToken             string
	Repository            string
	Branch                string
	Endpoint              string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	SkipSha               bool
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Repository = FastVLMRepository
	d.Branch = "main"
	d.Endpoint = "https://huggingface.co"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DefaultModelDir returns the platform location the model is stored in when no path is
// given, falling back to data/fastvlm under the working directory.
func DefaultModelDir() string {
	var base string
	var err error
	switch runtime.GOOS {
	case "darwin":
		base, err = os.UserCacheDir()
		base = filepath.Join(base, "FastVLM")
	case "windows":
		base, err = os.UserConfigDir()
		base = filepath.Join(base, "FastVLM")
	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			base = filepath.Join(dataHome, "fastvlm")
		} else {
			var home string
			home, err = os.UserHomeDir()
			base = filepath.Join(home, ".local", "share", "fastvlm")
		}
	}
	if err != nil {
		return filepath.Join("data", "fastvlm")
	}
	return filepath.Join(base, "models")
}

// DownloadFastVLM fetches the FastVLM artifacts into destination, skipping files that
// are already there. It returns the destination.
func DownloadFastVLM(ctx context.Context, destination string, options DownloadOptions) (string, error) {
	if options.Repository == "" {
		options.Repository = FastVLMRepository
	}
	if options.Branch == "" {
		options.Branch = "main"
	}
	if options.Endpoint == "" {
		options.Endpoint = "https://huggingface.co"
	}
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}

	if err := fileutil.CreateFile(destination, true); err != nil {
		return "", fmt.Errorf("creating model directory %s: %w", destination, err)
	}
	log.Info().Str("repository", options.Repository).Str("destination", destination).Msg("downloading FastVLM model")

	for i, file := range fastVLMFiles {
		target := fileutil.PathJoinSafe(destination, path.Base(file))
		exists, err := fileutil.FileExists(target)
		if err != nil {
			return "", err
		}
		if exists {
			log.Info().Str("file", path.Base(file)).Msg("model file already exists, skipping")
			continue
		}

		url := fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimSuffix(options.Endpoint, "/"), options.Repository, options.Branch, file)
		description := fmt.Sprintf("[%d/%d] %s", i+1, len(fastVLMFiles), path.Base(file))
		if err = downloadWithRetries(ctx, url, target, description, options); err != nil {
			return "", err
		}
		log.Info().Str("file", path.Base(file)).Msg("downloaded model file")
	}
	return destination, nil
}

func downloadWithRetries(ctx context.Context, url, target, description string, options DownloadOptions) error {
	attempts := max(1, options.MaxRetries)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = downloadFile(ctx, url, target, description, options); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Str("url", url).Msg("download attempt failed")
		if attempt < attempts {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(options.RetryInterval) * time.Second):
			}
		}
	}
	// a partial file would be skipped as complete next time
	return errors.Join(fmt.Errorf("failed to download %s: %w", url, err), removePartial(target))
}

func removePartial(target string) error {
	exists, err := fileutil.FileExists(target)
	if err != nil || !exists {
		return err
	}
	return fileutil.DeleteFile(target)
}

func downloadFile(ctx context.Context, url, target, description string, options DownloadOptions) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if options.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+options.AuthToken)
	}
	resp, err := options.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status %s", url, resp.Status)
	}

	writer, err := fileutil.NewFileWriter(ctx, target)
	if err != nil {
		return err
	}
	var body io.Reader = resp.Body
	if options.Verbose {
		bar := progressbar.DefaultBytes(resp.ContentLength, description)
		body = io.TeeReader(resp.Body, bar)
	}
	if _, err = io.Copy(writer, body); err != nil {
		return errors.Join(err, writer.Close())
	}
	return writer.Close()
}

// DownloadModel mirrors a whole hugging face repository into destination and returns the
// directory it was written to.
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	// replicates code in hf downloader
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := path.Join(destination, strings.ReplaceAll(modelP, "/", "_"))

	attempts := max(1, options.MaxRetries)
	for i := 0; i < attempts; i++ {
		err := hfd.DownloadModel(modelName, false, options.SkipSha, false, destination, options.Branch, options.ConcurrentConnections, options.AuthToken, !options.Verbose)
		if err == nil {
			log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
			return modelPath, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", attempts).Msg("model download failed")
		if i+1 < attempts {
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
		}
	}
	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, attempts)
}
