package backends

import (
	"fmt"

	"github.com/knights-analytics/fastvlm/options"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic axes are reported as -1.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, v := range s {
		n *= int(v)
	}
	return n
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// NamedTensor is a backend independent tensor. Data holds the flat row-major contents,
// one of []float32, []int64 or []int32.
type NamedTensor struct {
	Data  any
	Name  string
	Shape Shape
}

// Float32Data returns the tensor contents as []float32.
func (t NamedTensor) Float32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %s holds %T, expected []float32", t.Name, t.Data)
	}
	if len(data) != t.Shape.NumElements() {
		return nil, fmt.Errorf("tensor %s has %d elements, shape %s needs %d", t.Name, len(data), t.Shape, t.Shape.NumElements())
	}
	return data, nil
}

// Session is a compiled graph loaded into a tensor execution engine.
type Session interface {
	// Run executes the graph. Inputs are matched to graph inputs by name and outputs are
	// returned in OutputsMeta order. Output data is owned by the caller.
	Run(inputs []NamedTensor) ([]NamedTensor, error)
	InputsMeta() []InputOutputInfo
	OutputsMeta() []InputOutputInfo
	Destroy() error
}

// CreateSession loads the graph at onnxPath into the engine selected by the session options.
func CreateSession(onnxPath string, opts *options.Options) (Session, error) {
	switch opts.Backend {
	case "ORT":
		return createORTSession(onnxPath, opts)
	case "GO":
		return createGoSession(onnxPath)
	default:
		return nil, fmt.Errorf("backend %s not recognized", opts.Backend)
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// FindTensor returns the tensor with the given name.
func FindTensor(tensors []NamedTensor, name string) (NamedTensor, bool) {
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTensor{}, false
}

// orderInputs arranges inputs in the order of the graph's declared inputs.
func orderInputs(meta []InputOutputInfo, inputs []NamedTensor) ([]NamedTensor, error) {
	ordered := make([]NamedTensor, len(meta))
	for i, m := range meta {
		t, ok := FindTensor(inputs, m.Name)
		if !ok {
			return nil, fmt.Errorf("missing input %q", m.Name)
		}
		ordered[i] = t
	}
	return ordered, nil
}
