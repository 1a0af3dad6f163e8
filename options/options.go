package options

import (
	"fmt"
	"runtime"

	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// Options holds the engine level configuration shared by every pipeline of a session.
type Options struct {
	// BackendOptions holds the engine specific session options once the environment is initialised,
	// e.g. *ort.SessionOptions for the ORT backend.
	BackendOptions   any
	ORTOptions       *OrtOptions
	Destroy          func() error
	Backend          string
	TokenizerRuntime string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CudaOptions       map[string]string
	CoreMLFlags       *uint32
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the directory holding the "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryDir string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryDir, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryDir)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryDir
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCuda (ORT only) enables the CUDA execution provider with the given provider options.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			if options == nil {
				options = map[string]string{}
			}
			o.ORTOptions.CudaOptions = options
			return nil
		}
		return fmt.Errorf("WithCuda is only supported for ORT backend")
	}
}

// WithCoreML (ORT only) enables the CoreML execution provider with the given flags.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CoreMLFlags = &flags
			return nil
		}
		return fmt.Errorf("WithCoreML is only supported for ORT backend")
	}
}

// WithGoTokenizer forces the pure Go tokenizer, which removes the need for libtokenizers
// when running on the ORT backend.
func WithGoTokenizer() WithOption {
	return func(o *Options) error {
		o.TokenizerRuntime = "GO"
		return nil
	}
}
