package nanovllm

import (
	"context"
	"fmt"
)

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM wires an engine over the given runner and tokenizer
func NewLLM(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLM {
	return &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer),
	}
}

// GenerateText tokenizes string prompts and generates with shared sampling params
func (llm *LLM) GenerateText(ctx context.Context, prompts []string, sp *SamplingParams, showProgress bool) ([]Output, error) {
	encoded := make([][]int, len(prompts))
	for i, p := range prompts {
		ids, err := llm.tokenizer.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt: %w", err)
		}
		encoded[i] = ids
	}
	return llm.Generate(ctx, encoded, []*SamplingParams{sp}, showProgress)
}
