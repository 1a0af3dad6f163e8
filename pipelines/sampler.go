package pipelines

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// RandSource supplies uniform draws in [0, 1). *rand.Rand satisfies it.
type RandSource interface {
	Float32() float32
}

// Candidate is a token id with its sampling probability.
type Candidate struct {
	ID          int
	Probability float32
}

// TopKSampler draws from the K highest logits after temperature scaling.
type TopKSampler struct {
	Rand        RandSource
	K           int
	Temperature float32
}

// NewTopKSampler returns a sampler. A nil source uses a randomly seeded PCG.
func NewTopKSampler(k int, temperature float32, source RandSource) (*TopKSampler, error) {
	if k <= 0 {
		return nil, fmt.Errorf("top k must be positive, got %d", k)
	}
	if temperature <= 0 || math.IsNaN(float64(temperature)) {
		return nil, fmt.Errorf("temperature must be positive, got %v", temperature)
	}
	if source == nil {
		source = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &TopKSampler{K: k, Temperature: temperature, Rand: source}, nil
}

var errEmptyLogits = errors.New("cannot sample from empty logits")

// Candidates returns the top K ids ranked by logit, highest first, with probabilities
// that sum to one. Equal logits keep their vocabulary order.
func (s *TopKSampler) Candidates(logits []float32) ([]Candidate, error) {
	if len(logits) == 0 {
		return nil, errEmptyLogits
	}
	ids := make([]int, len(logits))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return logits[ids[a]] > logits[ids[b]]
	})
	ids = ids[:min(s.K, len(ids))]

	maxLogit := float64(logits[ids[0]])
	temperature := float64(s.Temperature)
	weights := make([]float64, len(ids))
	var sum float64
	for i, id := range ids {
		weights[i] = math.Exp((float64(logits[id]) - maxLogit) / temperature)
		sum += weights[i]
	}

	candidates := make([]Candidate, len(ids))
	for i, id := range ids {
		candidates[i] = Candidate{ID: id, Probability: float32(weights[i] / sum)}
	}
	return candidates, nil
}

// Sample returns a token id drawn from the top K distribution of logits.
func (s *TopKSampler) Sample(logits []float32) (int, error) {
	candidates, err := s.Candidates(logits)
	if err != nil {
		return 0, err
	}
	draw := s.Rand.Float32()
	var cumulative float32
	for _, c := range candidates {
		cumulative += c.Probability
		if cumulative >= draw {
			return c.ID, nil
		}
	}
	// rounding left the cumulative sum short of the draw
	return candidates[0].ID, nil
}
