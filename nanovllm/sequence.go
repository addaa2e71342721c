package nanovllm

import (
	"math/rand"
	"sync/atomic"
)

// DefaultBlockSize is the KV cache block size used when none is configured
const DefaultBlockSize = 256

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Sequence represents a single generation request
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	BlockSize       int

	Temperature  float64
	TopP         float64
	TopK         int
	MaxTokens    int
	IgnoreEOS    bool
	StopTokenIDs []int
	Processors   []LogitsProcessor

	rng *rand.Rand
}

var seqCounter int64

// NewSequence creates a new sequence from a non-empty prompt and sampling parameters
func NewSequence(tokenIDs []int, sp *SamplingParams) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	rng := sp.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(sp.Seed))
	}

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		LastToken:       tokens[len(tokens)-1],
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
		BlockTable:      make([]int, 0),
		BlockSize:       DefaultBlockSize,
		Temperature:     sp.Temperature,
		TopP:            sp.TopP,
		TopK:            sp.TopK,
		MaxTokens:       sp.MaxTokens,
		IgnoreEOS:       sp.IgnoreEOS,
		StopTokenIDs:    sp.StopTokenIDs,
		Processors:      sp.Processors,
		rng:             rng,
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumCachedBlocks returns the number of cached blocks
func (s *Sequence) NumCachedBlocks() int {
	return s.NumCachedTokens / s.BlockSize
}

// NumBlocks returns the total number of blocks needed
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.BlockSize - 1) / s.BlockSize
}

// LastBlockNumTokens returns the number of tokens in the last block
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the tokens in the i-th block
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := min((i+1)*s.BlockSize, len(s.TokenIDs))
	return s.TokenIDs[start:end]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// isStopToken reports whether tokenID ends the sequence
func (s *Sequence) isStopToken(tokenID, eos int) bool {
	if !s.IgnoreEOS && tokenID == eos {
		return true
	}
	for _, id := range s.StopTokenIDs {
		if id == tokenID {
			return true
		}
	}
	return false
}
