//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/fastvlm/options"
)

type ortSession struct {
	session     *ort.DynamicAdvancedSession
	inputsMeta  []InputOutputInfo
	outputsMeta []InputOutputInfo
}

func createORTSession(onnxPath string, opts *options.Options) (Session, error) {
	sessionOptions, ok := opts.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return nil, errors.New("ORT session options are not initialised, create the session with NewORTSession")
	}

	inputs, outputs, err := loadInputOutputMetaORTFile(onnxPath)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(
		onnxPath,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: session, inputsMeta: inputs, outputsMeta: outputs}, nil
}

func loadInputOutputMetaORTFile(onnxPath string) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func (s *ortSession) InputsMeta() []InputOutputInfo  { return s.inputsMeta }
func (s *ortSession) OutputsMeta() []InputOutputInfo { return s.outputsMeta }

func (s *ortSession) Run(inputs []NamedTensor) (outputs []NamedTensor, err error) {
	ordered, err := orderInputs(s.inputsMeta, inputs)
	if err != nil {
		return nil, err
	}

	inputValues := make([]ort.Value, 0, len(ordered))
	defer func() {
		for _, v := range inputValues {
			err = errors.Join(err, v.Destroy())
		}
	}()
	for _, t := range ordered {
		v, tensorErr := createORTTensor(t)
		if tensorErr != nil {
			return nil, fmt.Errorf("input %s: %w", t.Name, tensorErr)
		}
		inputValues = append(inputValues, v)
	}

	// nil outputs are allocated by onnxruntime
	outputValues := make([]ort.Value, len(s.outputsMeta))
	defer func() {
		for _, v := range outputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	if err = s.session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}

	outputs = make([]NamedTensor, len(outputValues))
	for i, v := range outputValues {
		t, extractErr := extractORTTensor(s.outputsMeta[i].Name, v)
		if extractErr != nil {
			return nil, extractErr
		}
		outputs[i] = t
	}
	return outputs, nil
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}

// createORTTensor copies a NamedTensor into an onnxruntime tensor. ort.NewTensor takes the
// address of the first element, so zero sized tensors keep a backing slice of length one.
func createORTTensor(t NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch data := t.Data.(type) {
	case []float32:
		if len(data) == 0 {
			data = make([]float32, 1)
		}
		return ort.NewTensor(shape, data)
	case []int64:
		if len(data) == 0 {
			data = make([]int64, 1)
		}
		return ort.NewTensor(shape, data)
	case []int32:
		if len(data) == 0 {
			data = make([]int32, 1)
		}
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", t.Data)
	}
}

// extractORTTensor copies the output out of onnxruntime owned memory.
func extractORTTensor(name string, v ort.Value) (NamedTensor, error) {
	shape := Shape(v.GetShape())
	n := shape.NumElements()
	switch tensor := v.(type) {
	case *ort.Tensor[float32]:
		data := make([]float32, n)
		copy(data, tensor.GetData())
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	case *ort.Tensor[int64]:
		data := make([]int64, n)
		copy(data, tensor.GetData())
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	case *ort.Tensor[int32]:
		data := make([]int32, n)
		copy(data, tensor.GetData())
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	default:
		return NamedTensor{}, fmt.Errorf("output %s has unsupported type %T", name, v)
	}
}
