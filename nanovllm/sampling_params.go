package nanovllm

import (
	"errors"
	"fmt"
	"math/rand"
)

// GreedyThreshold is the temperature below which sampling falls back to argmax
const GreedyThreshold = 1e-4

// ErrInvalidRequest is returned for requests the engine cannot run
var ErrInvalidRequest = errors.New("invalid generation request")

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature  float64
	TopP         float64
	TopK         int
	MaxTokens    int
	IgnoreEOS    bool
	Seed         int64
	Rand         *rand.Rand
	StopTokenIDs []int
	Processors   []LogitsProcessor
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		MaxTokens:   64,
	}

	for _, opt := range opts {
		opt(sp)
	}
	return sp
}

// Greedy reports whether tokens are picked by argmax instead of sampled
func (sp *SamplingParams) Greedy() bool {
	return sp.Temperature < GreedyThreshold
}

// Validate checks if the sampling parameters can be run
func (sp *SamplingParams) Validate() error {
	if sp.MaxTokens < 1 {
		return fmt.Errorf("%w: max tokens must be >= 1, got %d", ErrInvalidRequest, sp.MaxTokens)
	}
	if sp.Temperature < 0 {
		return fmt.Errorf("%w: negative temperature %f", ErrInvalidRequest, sp.Temperature)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("%w: top-p must be in (0, 1], got %f", ErrInvalidRequest, sp.TopP)
	}
	if sp.TopK < 0 {
		return fmt.Errorf("%w: negative top-k %d", ErrInvalidRequest, sp.TopK)
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopP sets the nucleus sampling mass
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithTopK sets top-k filtering, 0 disables it
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithSeed seeds the random source of each sequence created from these params
func WithSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}

// WithRand makes sequences draw from r instead of a source seeded from Seed.
// Reusing r across Generate calls continues one stream; r is not safe for
// concurrent use, so share it only between calls made one after another.
func WithRand(r *rand.Rand) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Rand = r
	}
}

// WithStopTokenIDs finishes a sequence as soon as one of ids is sampled
func WithStopTokenIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokenIDs = append([]int(nil), ids...)
	}
}

// WithLogitsProcessors appends processors run over the scores before sampling
func WithLogitsProcessors(ps ...LogitsProcessor) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Processors = append(sp.Processors, ps...)
	}
}
