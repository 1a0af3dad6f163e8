package pipelines

import (
	"fmt"

	"github.com/knights-analytics/fastvlm/backends"
)

// KVPair is the cached attention key and value of one decoder layer, each shaped
// [1, kvHeads, cachedLen, headDim].
type KVPair struct {
	Key   backends.NamedTensor
	Value backends.NamedTensor
}

// KVCache is the per-layer decoder cache of a single request.
type KVCache struct {
	Layers           []KVPair
	NumKeyValueHeads int
	HeadDim          int
	// Length is the number of cached sequence positions.
	Length int
}

// NewKVCache returns an empty cache for the given architecture.
func NewKVCache(layers, kvHeads, headDim int) *KVCache {
	c := &KVCache{
		Layers:           make([]KVPair, layers),
		NumKeyValueHeads: kvHeads,
		HeadDim:          headDim,
	}
	empty := backends.NewShape(1, int64(kvHeads), 0, int64(headDim))
	for i := range c.Layers {
		c.Layers[i] = KVPair{
			Key:   backends.NamedTensor{Name: pastKeyName(i), Shape: empty, Data: []float32{}},
			Value: backends.NamedTensor{Name: pastValueName(i), Shape: empty, Data: []float32{}},
		}
	}
	return c
}

func pastKeyName(layer int) string      { return fmt.Sprintf("past_key_values.%d.key", layer) }
func pastValueName(layer int) string    { return fmt.Sprintf("past_key_values.%d.value", layer) }
func presentKeyName(layer int) string   { return fmt.Sprintf("present.%d.key", layer) }
func presentValueName(layer int) string { return fmt.Sprintf("present.%d.value", layer) }

// Inputs returns the cache as decoder inputs, key before value for every layer.
func (c *KVCache) Inputs() []backends.NamedTensor {
	inputs := make([]backends.NamedTensor, 0, 2*len(c.Layers))
	for _, layer := range c.Layers {
		inputs = append(inputs, layer.Key, layer.Value)
	}
	return inputs
}

// Update adopts the present tensors returned by a decoder step over stepLen new
// positions. Decoders that return the full cache have it stored as is. Decoders that
// only return the new positions have them appended.
func (c *KVCache) Update(outputs []backends.NamedTensor, stepLen int) error {
	updated := make([]KVPair, len(c.Layers))
	for i, layer := range c.Layers {
		key, err := c.adopt(outputs, presentKeyName(i), pastKeyName(i), layer.Key, stepLen)
		if err != nil {
			return err
		}
		value, err := c.adopt(outputs, presentValueName(i), pastValueName(i), layer.Value, stepLen)
		if err != nil {
			return err
		}
		updated[i] = KVPair{Key: key, Value: value}
	}
	c.Layers = updated
	c.Length += stepLen
	return nil
}

func (c *KVCache) adopt(outputs []backends.NamedTensor, presentName, pastName string, past backends.NamedTensor, stepLen int) (backends.NamedTensor, error) {
	present, ok := backends.FindTensor(outputs, presentName)
	if !ok {
		return backends.NamedTensor{}, fmt.Errorf("decoder did not return %s", presentName)
	}
	shape := present.Shape
	if len(shape) != 4 || shape[0] != 1 || int(shape[1]) != c.NumKeyValueHeads || int(shape[3]) != c.HeadDim {
		return backends.NamedTensor{}, shapeMismatch(presentName, fmt.Sprintf("[1 %d * %d]", c.NumKeyValueHeads, c.HeadDim), shape)
	}
	presentData, err := present.Float32Data()
	if err != nil {
		return backends.NamedTensor{}, err
	}

	presentLen := int(shape[2])
	switch presentLen {
	case c.Length + stepLen:
		return backends.NamedTensor{Name: pastName, Shape: shape, Data: presentData}, nil
	case stepLen:
		pastData, dataErr := past.Float32Data()
		if dataErr != nil {
			return backends.NamedTensor{}, dataErr
		}
		return backends.NamedTensor{
			Name:  pastName,
			Shape: backends.NewShape(1, int64(c.NumKeyValueHeads), int64(c.Length+stepLen), int64(c.HeadDim)),
			Data:  appendPositions(pastData, presentData, c.NumKeyValueHeads, c.Length, stepLen, c.HeadDim),
		}, nil
	default:
		return backends.NamedTensor{}, shapeMismatch(presentName+" sequence length",
			fmt.Sprintf("%d or %d", c.Length+stepLen, stepLen), presentLen)
	}
}

// appendPositions concatenates two [1, heads, len, headDim] tensors along the sequence axis.
func appendPositions(past, step []float32, heads, pastLen, stepLen, headDim int) []float32 {
	out := make([]float32, 0, heads*(pastLen+stepLen)*headDim)
	for h := range heads {
		out = append(out, past[h*pastLen*headDim:(h+1)*pastLen*headDim]...)
		out = append(out, step[h*stepLen*headDim:(h+1)*stepLen*headDim]...)
	}
	return out
}
