package nanovllm

import (
	"context"
	"fmt"
	"strings"
)

// ModelRunner runs the model forward pass.
// Implementations live in the runner package (ONNX Runtime, HTTP server)
// and in tests.
type ModelRunner interface {
	// Run returns the next-token scores for the last position of each sequence
	Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([][]float32, error)

	// Close cleans up resources
	Close() error
}

// Tokenizer converts between text and token IDs
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// MockModelRunner replays a fixed completion for every sequence and then
// emits EOS. Useful for wiring tests and dry runs without a model.
type MockModelRunner struct {
	vocab int
	eos   int
	reply []int
}

// NewMockModelRunner creates a mock runner over a vocabulary of the given size
func NewMockModelRunner(vocab, eos int, reply []int) *MockModelRunner {
	return &MockModelRunner{
		vocab: vocab,
		eos:   eos,
		reply: append([]int(nil), reply...),
	}
}

// Run implements ModelRunner
func (m *MockModelRunner) Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(seqs))
	for i, seq := range seqs {
		next := m.eos
		if n := seq.NumCompletionTokens(); n < len(m.reply) {
			next = m.reply[n]
		}
		if next < 0 || next >= m.vocab {
			return nil, fmt.Errorf("mock reply token %d outside vocab of %d", next, m.vocab)
		}
		scores := make([]float32, m.vocab)
		scores[next] = 10
		out[i] = scores
	}
	return out, nil
}

// Close implements ModelRunner
func (m *MockModelRunner) Close() error {
	return nil
}

// MockTokenizer maps each byte b to token b+ByteOffset; lower IDs are specials
type MockTokenizer struct {
	eosTokenID int
}

// ByteOffset is the first token ID MockTokenizer uses for text bytes
const ByteOffset = 3

// NewMockTokenizer creates a byte-level tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{eosTokenID: eosTokenID}
}

// Encode implements Tokenizer
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i]) + ByteOffset
	}
	return tokens, nil
}

// Decode implements Tokenizer; special IDs below ByteOffset render as </s>
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var b strings.Builder
	for _, id := range tokenIDs {
		switch {
		case id < ByteOffset:
			b.WriteString("</s>")
		case id < 256+ByteOffset:
			b.WriteByte(byte(id - ByteOffset))
		default:
			return "", fmt.Errorf("token %d outside byte vocab", id)
		}
	}
	return b.String(), nil
}

// EOSTokenID implements Tokenizer
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
