package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"nano-vllm-bench/nanovllm"
)

// ServerInfo is what an inference server reports on GET /info
type ServerInfo struct {
	VocabSize     int      `json:"vocab_size"`
	EOSTokenID    int      `json:"eos_token_id"`
	ModelType     string   `json:"model_type"`
	SpecialTokens []string `json:"special_tokens"`
}

// LoadRequest asks the server to load a model onto the given devices
type LoadRequest struct {
	ModelPath    string `json:"model_path"`
	Revision     string `json:"revision,omitempty"`
	Dtype        string `json:"dtype,omitempty"`
	DeviceIDs    []int  `json:"device_ids"`
	MaxGPUMemory string `json:"max_gpu_memory,omitempty"`
}

type serverClient struct {
	baseURL string
	client  *http.Client
}

func newServerClient(serverURL string, client *http.Client) serverClient {
	if client == nil {
		client = &http.Client{}
	}
	return serverClient{baseURL: strings.TrimRight(serverURL, "/"), client: client}
}

func (c serverClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: server returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// HTTPModelRunner implements nanovllm.ModelRunner by asking a server for logits
type HTTPModelRunner struct {
	srv  serverClient
	info ServerInfo
}

// NewHTTPModelRunner loads the model on the server and fetches its info
func NewHTTPModelRunner(ctx context.Context, serverURL string, load LoadRequest, client *http.Client, log *zap.Logger) (*HTTPModelRunner, error) {
	m := &HTTPModelRunner{srv: newServerClient(serverURL, client)}

	if err := m.srv.do(ctx, http.MethodPost, "/load", load, nil); err != nil {
		return nil, fmt.Errorf("failed to load model on server: %w", err)
	}
	if err := m.srv.do(ctx, http.MethodGet, "/info", nil, &m.info); err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	log.Info("connected to model server",
		zap.String("url", serverURL),
		zap.String("model_type", m.info.ModelType),
		zap.Int("vocab", m.info.VocabSize),
		zap.Ints("devices", load.DeviceIDs))
	return m, nil
}

// Info returns the server's model description
func (m *HTTPModelRunner) Info() ServerInfo {
	return m.info
}

// Run implements nanovllm.ModelRunner
func (m *HTTPModelRunner) Run(ctx context.Context, seqs []*nanovllm.Sequence, isPrefill bool) ([][]float32, error) {
	type seqData struct {
		TokenIDs []int `json:"token_ids"`
	}
	req := struct {
		Sequences []seqData `json:"sequences"`
		IsPrefill bool      `json:"is_prefill"`
	}{
		Sequences: make([]seqData, len(seqs)),
		IsPrefill: isPrefill,
	}
	for i, seq := range seqs {
		req.Sequences[i] = seqData{TokenIDs: seq.TokenIDs}
	}

	var result struct {
		Logits [][]float32 `json:"logits"`
	}
	if err := m.srv.do(ctx, http.MethodPost, "/logits", req, &result); err != nil {
		return nil, err
	}
	if len(result.Logits) != len(seqs) {
		return nil, fmt.Errorf("server returned %d logit rows for %d sequences", len(result.Logits), len(seqs))
	}
	return result.Logits, nil
}

// Close implements nanovllm.ModelRunner
func (m *HTTPModelRunner) Close() error {
	return nil
}

// HTTPTokenizer implements nanovllm.Tokenizer using the server's tokenizer.
// Its requests run under the context it was created with.
type HTTPTokenizer struct {
	ctx   context.Context
	srv   serverClient
	eosID int
}

// NewHTTPTokenizer creates a new HTTP-based tokenizer
func NewHTTPTokenizer(ctx context.Context, serverURL string, eosID int, client *http.Client) *HTTPTokenizer {
	return &HTTPTokenizer{
		ctx:   ctx,
		srv:   newServerClient(serverURL, client),
		eosID: eosID,
	}
}

// Encode converts text to token IDs via HTTP
func (t *HTTPTokenizer) Encode(text string) ([]int, error) {
	var result struct {
		Tokens []int `json:"tokens"`
	}
	req := struct {
		Text string `json:"text"`
	}{Text: text}
	if err := t.srv.do(t.ctx, http.MethodPost, "/tokenize", req, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// Decode converts token IDs to text via HTTP, keeping special tokens
func (t *HTTPTokenizer) Decode(tokenIDs []int) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	req := struct {
		Tokens []int `json:"tokens"`
	}{Tokens: tokenIDs}
	if err := t.srv.do(t.ctx, http.MethodPost, "/detokenize", req, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// EOSTokenID returns the EOS token ID
func (t *HTTPTokenizer) EOSTokenID() int {
	return t.eosID
}
