package nanovllm

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Output represents the output of a generation request
type Output struct {
	Text     string
	TokenIDs []int
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	sampler     Sampler
}

// NewLLMEngine creates a new LLM engine. A config without an EOS token
// takes it from the tokenizer.
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	if config.EOS < 0 {
		config.EOS = tokenizer.EOSTokenID()
	}
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// Tokenizer returns the tokenizer the engine decodes with
func (e *LLMEngine) Tokenizer() Tokenizer {
	return e.tokenizer
}

// AddRequest queues an already tokenized prompt
func (e *LLMEngine) AddRequest(tokenIDs []int, sp *SamplingParams) (*Sequence, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	if len(tokenIDs) > e.config.MaxModelLen {
		return nil, fmt.Errorf("%w: prompt of %d tokens exceeds max model len %d",
			ErrInvalidRequest, len(tokenIDs), e.config.MaxModelLen)
	}

	seq := NewSequence(tokenIDs, sp)
	seq.BlockSize = e.config.KVCacheBlockSize
	e.scheduler.Add(seq)
	return seq, nil
}

// Step performs one inference step and returns the sequences that finished in it
// along with the number of tokens processed (negative for a decode step)
func (e *LLMEngine) Step(ctx context.Context) ([]*Sequence, int, error) {
	seqs, isPrefill, err := e.scheduler.Schedule()
	if err != nil {
		return nil, 0, err
	}

	scores, err := e.modelRunner.Run(ctx, seqs, isPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}
	if len(scores) != len(seqs) {
		return nil, 0, fmt.Errorf("model returned %d score rows for %d sequences", len(scores), len(seqs))
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		tokenIDs[i] = e.sampler.Sample(seq, scores[i])
	}
	e.scheduler.Postprocess(seqs, tokenIDs)

	finished := make([]*Sequence, 0)
	for _, seq := range seqs {
		if seq.IsFinished() {
			finished = append(finished, seq)
		}
	}

	numTokens := -len(seqs)
	if isPrefill {
		numTokens = 0
		for _, seq := range seqs {
			numTokens += seq.Len()
		}
	}
	return finished, numTokens, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// reset drops every queued sequence after a failed generation
func (e *LLMEngine) reset() {
	e.scheduler = NewScheduler(e.config)
}

// Generate runs the prompts to completion and returns outputs in prompt order.
// params holds either one entry shared by all prompts or one per prompt.
func (e *LLMEngine) Generate(ctx context.Context, prompts [][]int, params []*SamplingParams, showProgress bool) (outputs []Output, err error) {
	if len(params) != 1 && len(params) != len(prompts) {
		return nil, fmt.Errorf("%w: got %d sampling params for %d prompts", ErrInvalidRequest, len(params), len(prompts))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
		if err != nil {
			e.reset()
		}
	}()

	index := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		sp := params[0]
		if len(params) > 1 {
			sp = params[i]
		}
		seq, err := e.AddRequest(prompt, sp)
		if err != nil {
			return nil, err
		}
		index[seq.SeqID] = i
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	completions := make([][]int, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		finished, numTokens, err := e.Step(ctx)
		if err != nil {
			return nil, err
		}

		if bar != nil {
			elapsed := time.Since(start).Seconds()
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, seq := range finished {
			completions[index[seq.SeqID]] = seq.CompletionTokenIDs()
			if bar != nil {
				bar.Add(1)
			}
		}
	}

	if bar != nil {
		bar.Finish()
	}

	outputs = make([]Output, len(prompts))
	for i, tokenIDs := range completions {
		text, err := e.tokenizer.Decode(tokenIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to decode tokens: %w", err)
		}
		outputs[i] = Output{Text: text, TokenIDs: tokenIDs}
	}
	return outputs, nil
}
