package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// goSession runs a graph with the pure Go gonnx engine. It is much slower than ORT and
// not every operator is implemented, but it needs no shared libraries.
type goSession struct {
	model       *gonnx.Model
	inputsMeta  []InputOutputInfo
	outputsMeta []InputOutputInfo
}

func createGoSession(onnxPath string) (Session, error) {
	onnxBytes, err := fileutil.ReadFileBytes(onnxPath)
	if err != nil {
		return nil, err
	}
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("loading %s with gonnx: %w", onnxPath, err)
	}

	s := &goSession{model: model}
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		// dynamic axes come back with size 0
		for i, dim := range shape {
			dimensions[i] = dim.Size
		}
		s.inputsMeta = append(s.inputsMeta, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	for _, name := range model.OutputNames() {
		s.outputsMeta = append(s.outputsMeta, InputOutputInfo{Name: name})
	}
	return s, nil
}

func (s *goSession) InputsMeta() []InputOutputInfo  { return s.inputsMeta }
func (s *goSession) OutputsMeta() []InputOutputInfo { return s.outputsMeta }

func (s *goSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	ordered, err := orderInputs(s.inputsMeta, inputs)
	if err != nil {
		return nil, err
	}
	goInputs := gonnx.Tensors{}
	for _, t := range ordered {
		goTensor, tensorErr := toGorgoniaTensor(t)
		if tensorErr != nil {
			return nil, fmt.Errorf("input %s: %w", t.Name, tensorErr)
		}
		goInputs[t.Name] = goTensor
	}

	goOutputs, err := s.model.Run(goInputs)
	if err != nil {
		return nil, err
	}

	outputs := make([]NamedTensor, len(s.outputsMeta))
	for i, meta := range s.outputsMeta {
		goTensor, ok := goOutputs[meta.Name]
		if !ok {
			return nil, fmt.Errorf("gonnx did not return output %s", meta.Name)
		}
		t, convErr := fromGorgoniaTensor(meta.Name, goTensor)
		if convErr != nil {
			return nil, convErr
		}
		outputs[i] = t
	}
	return outputs, nil
}

func (s *goSession) Destroy() error {
	s.model = nil
	return nil
}

func toGorgoniaTensor(t NamedTensor) (tensor.Tensor, error) {
	shape := t.Shape.ValuesInt()
	switch data := t.Data.(type) {
	case []float32, []int64, []int32:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", t.Data)
	}
}

func fromGorgoniaTensor(name string, t tensor.Tensor) (NamedTensor, error) {
	goShape := t.Shape()
	shape := make(Shape, len(goShape))
	for i, d := range goShape {
		shape[i] = int64(d)
	}
	switch data := t.Data().(type) {
	case []float32:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), data...)}, nil
	case []int64:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), data...)}, nil
	case []int32:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int32(nil), data...)}, nil
	default:
		return NamedTensor{}, fmt.Errorf("output %s has unsupported type %T", name, t.Data())
	}
}
