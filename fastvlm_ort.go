//go:build cgo && (ORT || ALL)

package fastvlm

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/fastvlm/options"
	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// NewORTSession creates a session backed by onnxruntime. Only one ORT session can be
// active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}

	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	// set session options and initialise
	if initialised, initErr := session.initialiseORT(); initErr != nil {
		if initialised {
			destroyErr := session.Destroy()
			envErr := ort.DestroyEnvironment()
			return nil, errors.Join(initErr, destroyErr, envErr)
		}
		return nil, initErr
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}
	return session, nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions

	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	// Start OnnxRuntime
	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// Create session options for use in all pipelines
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.BackendOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		defer func() {
			_ = cudaOptions.Destroy()
		}()
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return true, err
		}
	}
	if o.CoreMLFlags != nil {
		if err := sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLFlags); err != nil {
			return true, err
		}
	}
	return true, nil
}
