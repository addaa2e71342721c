package nanovllm

import (
	"math"
	"math/rand"
	"sort"
)

// Sampler picks the next token of a sequence from the model's scores
type Sampler struct{}

// Sample applies the sequence's logits processors and then draws a token.
// scores is modified in place.
func (Sampler) Sample(seq *Sequence, scores []float32) int {
	for _, p := range seq.Processors {
		p.Process(seq.TokenIDs, scores)
	}

	if seq.Temperature < GreedyThreshold {
		return argmax(scores)
	}

	if seq.Temperature != 1.0 {
		t := float32(seq.Temperature)
		for i := range scores {
			scores[i] /= t
		}
	}

	probs := softmax(scores)
	if seq.TopK > 0 && seq.TopK < len(probs) {
		probs = topKFiltering(probs, seq.TopK)
	}
	if seq.TopP < 1.0 {
		probs = topPFiltering(probs, float32(seq.TopP))
	}
	return sampleMultinomial(probs, seq.rng)
}

func argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// softmax tolerates -Inf entries as long as one score is finite
func softmax(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float32, len(logits))
	var sum float32
	for i, l := range logits {
		probs[i] = float32(math.Exp(float64(l - maxLogit)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

type indexedProb struct {
	idx  int
	prob float32
}

func sortedByProb(probs []float32) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

func topKFiltering(probs []float32, k int) []float32 {
	indexed := sortedByProb(probs)
	result := make([]float32, len(probs))
	for i := 0; i < k && i < len(indexed); i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

func topPFiltering(probs []float32, p float32) []float32 {
	indexed := sortedByProb(probs)
	var cum float32
	cutoff := len(indexed)
	for i, item := range indexed {
		cum += item.prob
		if cum >= p {
			cutoff = i + 1
			break
		}
	}

	result := make([]float32, len(probs))
	for i := 0; i < cutoff; i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// sampleMultinomial draws from unnormalized probabilities
func sampleMultinomial(probs []float32, rng *rand.Rand) int {
	cum := make([]float32, len(probs))
	var total float32
	for i, p := range probs {
		total += p
		cum[i] = total
	}

	r := rng.Float32() * total
	idx := sort.Search(len(cum), func(i int) bool {
		return cum[i] > r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}
