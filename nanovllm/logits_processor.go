package nanovllm

import "math"

// DefaultStopSuffix is the token run after which generation is cut off
var DefaultStopSuffix = []int{15501, 281, 926}

// LogitsProcessor rewrites next-token scores in place.
// tokenIDs holds the prompt followed by everything generated so far.
type LogitsProcessor interface {
	Process(tokenIDs []int, scores []float32)
}

// LogitsProcessorFunc adapts a function to LogitsProcessor
type LogitsProcessorFunc func(tokenIDs []int, scores []float32)

// Process calls f
func (f LogitsProcessorFunc) Process(tokenIDs []int, scores []float32) {
	f(tokenIDs, scores)
}

// StopAfterSuffix forces EOS once the generated text ends with Suffix.
// Nothing happens while the sequence is still the bare prompt.
type StopAfterSuffix struct {
	BaseLen int
	EOS     int
	Suffix  []int
}

// NewStopAfterSuffix builds the processor, nil suffix means DefaultStopSuffix
func NewStopAfterSuffix(baseLen, eos int, suffix []int) *StopAfterSuffix {
	if suffix == nil {
		suffix = DefaultStopSuffix
	}
	return &StopAfterSuffix{
		BaseLen: baseLen,
		EOS:     eos,
		Suffix:  append([]int(nil), suffix...),
	}
}

// Process implements LogitsProcessor
func (p *StopAfterSuffix) Process(tokenIDs []int, scores []float32) {
	if len(tokenIDs) <= p.BaseLen || len(p.Suffix) == 0 || len(tokenIDs) < len(p.Suffix) {
		return
	}
	if p.EOS < 0 || p.EOS >= len(scores) {
		return
	}

	tail := tokenIDs[len(tokenIDs)-len(p.Suffix):]
	for i, id := range p.Suffix {
		if tail[i] != id {
			return
		}
	}

	negInf := float32(math.Inf(-1))
	for i := range scores {
		scores[i] = negInf
	}
	scores[p.EOS] = 0
}
