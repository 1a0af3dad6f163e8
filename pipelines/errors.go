package pipelines

import (
	"fmt"
)

// EmptyGenerationText is returned as the result text when the decoder stopped before
// producing a single token.
const EmptyGenerationText = "No response generated."

// Network names used in InferenceEngineError.
const (
	NetworkVisionEncoder = "vision_encoder"
	NetworkEmbedTokens   = "embed_tokens"
	NetworkDecoder       = "decoder"
)

// ImageShapeError reports an RGBA buffer whose length is not width*height*4.
type ImageShapeError struct {
	Expected int
	Got      int
}

func (e *ImageShapeError) Error() string {
	return fmt.Sprintf("rgba buffer has %d bytes, expected %d", e.Got, e.Expected)
}

// TensorShapeMismatchError reports tensors whose shapes disagree with each other or
// with the decoder architecture.
type TensorShapeMismatchError struct {
	What     string
	Expected string
	Got      string
}

func (e *TensorShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.What, e.Expected, e.Got)
}

func shapeMismatch(what string, expected, got any) *TensorShapeMismatchError {
	return &TensorShapeMismatchError{What: what, Expected: fmt.Sprint(expected), Got: fmt.Sprint(got)}
}

// TokenizationError wraps a failure to encode the prompt.
type TokenizationError struct {
	Err error
}

func (e *TokenizationError) Error() string {
	return fmt.Sprintf("tokenization failed: %v", e.Err)
}

func (e *TokenizationError) Unwrap() error {
	return e.Err
}

// InferenceEngineError wraps a failure returned by the tensor engine while running
// one of the three networks.
type InferenceEngineError struct {
	Network string
	Err     error
}

func (e *InferenceEngineError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Network, e.Err)
}

func (e *InferenceEngineError) Unwrap() error {
	return e.Err
}
