package fastvlm

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/fastvlm/backends"
	"github.com/knights-analytics/fastvlm/pipelines"
)

func TestPresets(t *testing.T) {
	expected := map[string]int{"brief": 20, "detailed": 100, "sentiment": 50, "objects": 40}
	for name, length := range expected {
		p, err := GetPreset(name)
		require.NoError(t, err)
		assert.Equal(t, length, p.Config().MaxResponseLength)
		assert.NotEmpty(t, p.Config().DefaultPrompt)
	}
	_, err := GetPreset("haiku")
	assert.Error(t, err)
}

func TestDefaultModelDir(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("xdg layout only applies on linux")
	}
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	assert.Equal(t, filepath.Join(dataHome, "fastvlm", "models"), DefaultModelDir())
}

type fakeHub struct {
	requests  map[string]int
	failFirst map[string]bool
	authSeen  []string
	mu        sync.Mutex
}

func newFakeHub() *fakeHub {
	return &fakeHub{requests: map[string]int{}, failFirst: map[string]bool{}}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests[r.URL.Path]++
	h.authSeen = append(h.authSeen, r.Header.Get("Authorization"))
	prefix := "/" + FastVLMRepository + "/resolve/main/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	file := strings.TrimPrefix(r.URL.Path, prefix)
	if h.failFirst[file] && h.requests[r.URL.Path] == 1 {
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("contents of " + file))
}

func testDownloadOptions(endpoint string) DownloadOptions {
	options := NewDownloadOptions()
	options.Endpoint = endpoint
	options.RetryInterval = 0
	options.MaxRetries = 2
	return options
}

func TestDownloadFastVLM(t *testing.T) {
	hub := newFakeHub()
	hub.failFirst["onnx/embed_tokens.onnx"] = true
	server := httptest.NewServer(hub)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.MkdirAll(dest, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(dest, backends.TokenizerFilename), []byte("local"), 0o600))

	options := testDownloadOptions(server.URL)
	options.AuthToken = "secret"
	path, err := DownloadFastVLM(context.Background(), dest, options)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.True(t, backends.HasModelFiles(dest))

	decoder, err := os.ReadFile(filepath.Join(dest, backends.DecoderFilename))
	require.NoError(t, err)
	assert.Equal(t, "contents of onnx/decoder_model_merged.onnx", string(decoder))
	tokenizer, err := os.ReadFile(filepath.Join(dest, backends.TokenizerFilename))
	require.NoError(t, err)
	assert.Equal(t, "local", string(tokenizer))

	prefix := "/" + FastVLMRepository + "/resolve/main/"
	assert.Equal(t, 0, hub.requests[prefix+"tokenizer.json"])
	assert.Equal(t, 2, hub.requests[prefix+"onnx/embed_tokens.onnx"])
	for _, auth := range hub.authSeen {
		assert.Equal(t, "Bearer secret", auth)
	}

	// everything is present now
	_, err = DownloadFastVLM(context.Background(), dest, options)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.requests[prefix+"onnx/embed_tokens.onnx"])
}

func TestDownloadFastVLMFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model")
	options := testDownloadOptions(server.URL)
	_, err := DownloadFastVLM(context.Background(), dest, options)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	_, statErr := os.Stat(filepath.Join(dest, backends.VisionEncoderFilename))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSessionPipelines(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	_, err = NewPipeline(session, VisionLanguageConfig{ModelPath: t.TempDir()})
	assert.ErrorContains(t, err, "name")

	_, err = NewPipeline(session, VisionLanguageConfig{ModelPath: t.TempDir(), Name: "p"})
	var missing *backends.MissingArtifactError
	assert.ErrorAs(t, err, &missing)

	_, err = GetPipeline(session, "p")
	var notFound *pipelineNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.ErrorAs(t, ClosePipeline(session, "p"), &notFound)
	assert.Empty(t, session.GetStats())
}

func TestClientLifecycle(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()
	client := NewClient(session)

	assert.False(t, client.IsInitialized())
	assert.Empty(t, client.ModelPath())
	_, err = client.Analyze([]byte{0, 0, 0, 0}, 1, 1, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = client.AnalyzeImageFile("missing.png", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, client.Cleanup())

	// the files are present so nothing is downloaded, but they are not valid graphs
	dir := t.TempDir()
	for _, name := range []string{backends.VisionEncoderFilename, backends.EmbedTokensFilename, backends.DecoderFilename, backends.TokenizerFilename} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("not a model"), 0o600))
	}
	err = client.Initialize(context.Background(), dir, pipelines.DefaultConfig())
	assert.Error(t, err)
	assert.False(t, client.IsInitialized())
}

func TestClientInitializeDownloadsMissingModel(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()
	client := NewClient(session)
	client.DownloadOptions = testDownloadOptions(server.URL)
	client.DownloadOptions.MaxRetries = 1

	err = client.Initialize(context.Background(), filepath.Join(t.TempDir(), "model"), pipelines.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, client.IsInitialized())
}

type fakeAnalyzer struct {
	inFlight    *int32
	maxInFlight *int32
	fail        string
}

func (f *fakeAnalyzer) Analyze(pixels []byte, width, height uint32, _ *string) (*pipelines.AnalysisResult, error) {
	n := atomic.AddInt32(f.inFlight, 1)
	defer atomic.AddInt32(f.inFlight, -1)
	for {
		m := atomic.LoadInt32(f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(f.maxInFlight, m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if int(width)*int(height)*4 != len(pixels) {
		return nil, errors.New("bad buffer")
	}
	if f.fail != "" && width == 3 {
		return nil, errors.New(f.fail)
	}
	return &pipelines.AnalysisResult{Text: "ok", Timestamp: time.Now()}, nil
}

func writePNG(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestPoolAnalyzeFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := range 8 {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		width := 2
		if i == 5 {
			width = 3
		}
		writePNG(t, path, width, 2)
		paths = append(paths, path)
	}
	paths = append(paths, filepath.Join(dir, "missing.png"))

	var inFlight, maxInFlight int32
	pool := NewPoolFromAnalyzers(
		&fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight, fail: "engine"},
		&fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight, fail: "engine"},
	)
	assert.Equal(t, 2, pool.Size())

	var results []FileResult
	err := pool.AnalyzeFiles(context.Background(), paths, nil, func(r FileResult) error {
		results = append(results, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, results, len(paths))
	assert.LessOrEqual(t, maxInFlight, int32(2))

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			continue
		}
		assert.Equal(t, "ok", r.Result.Text)
	}
	assert.Equal(t, 2, failures)
}

func TestPoolStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 6)
	for i := range paths {
		paths[i] = filepath.Join(dir, string(rune('a'+i))+".png")
		writePNG(t, paths[i], 2, 2)
	}
	var inFlight, maxInFlight int32
	pool := NewPoolFromAnalyzers(&fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight})

	stop := errors.New("stop")
	calls := 0
	err := pool.AnalyzeFiles(context.Background(), paths, nil, func(FileResult) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Less(t, calls, len(paths))
}

func TestPoolAnalyzeCancelled(t *testing.T) {
	var inFlight, maxInFlight int32
	pool := NewPoolFromAnalyzers(&fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the only pipeline is taken, so the cancelled context wins
	busy := <-pool.free
	_, err := pool.Analyze(ctx, make([]byte, 4), 1, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
	pool.free <- busy

	result, err := pool.Analyze(context.Background(), make([]byte, 4), 1, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestNewPoolValidation(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()
	_, err = NewPool(session, t.TempDir(), 0)
	assert.Error(t, err)
	_, err = NewPool(session, t.TempDir(), 2)
	var missing *backends.MissingArtifactError
	assert.ErrorAs(t, err, &missing)
}

type statsAnalyzer struct {
	fakeAnalyzer
	queries uint64
}

func (s *statsAnalyzer) GetStatistics() backends.PipelineStatistics {
	return backends.PipelineStatistics{TotalQueries: s.queries}
}
func (s *statsAnalyzer) GetStats() []string        { return nil }
func (s *statsAnalyzer) Validate() error           { return nil }
func (s *statsAnalyzer) GetModel() *backends.Model { return nil }

func TestPoolStatistics(t *testing.T) {
	var inFlight, maxInFlight int32
	pool := NewPoolFromAnalyzers(
		&statsAnalyzer{fakeAnalyzer: fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight}, queries: 2},
		&fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight},
		&statsAnalyzer{fakeAnalyzer: fakeAnalyzer{inFlight: &inFlight, maxInFlight: &maxInFlight}, queries: 5},
	)
	statistics := pool.Statistics()
	require.Len(t, statistics, 2)
	assert.Equal(t, uint64(2), statistics[0].TotalQueries)
	assert.Equal(t, uint64(5), statistics[1].TotalQueries)
}
