package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"nano-vllm-bench/nanovllm"
)

// Backend kinds accepted by Load
const (
	KindONNX = "onnx"
	KindHTTP = "http"
	KindMock = "mock"
)

// Dtypes accepted for --dtype
var Dtypes = []string{"float32", "float16", "bfloat16"}

// ErrUnknownBackend is returned by Load for an unsupported Spec.Kind
var ErrUnknownBackend = errors.New("unknown backend")

// Spec describes one model replica
type Spec struct {
	Kind         string
	ModelPath    string
	Revision     string
	Dtype        string
	DeviceIDs    []int
	MaxGPUMemory string
	ServerURL    string
	ONNXLibrary  string
	HTTPClient   *http.Client
	MockReply    string
}

// Backend bundles what the engine needs from a loaded model
type Backend struct {
	Runner        nanovllm.ModelRunner
	Tokenizer     nanovllm.Tokenizer
	SpecialTokens []string

	closers []func() error
}

// Close releases the runner and tokenizer
func (b *Backend) Close() error {
	errs := make([]error, 0, len(b.closers))
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// ParseMemory turns a size like "13GiB" into bytes, "" means no limit
func ParseMemory(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return n, nil
}

// ValidDtype reports whether dtype is empty or one of Dtypes
func ValidDtype(dtype string) bool {
	if dtype == "" {
		return true
	}
	for _, d := range Dtypes {
		if d == dtype {
			return true
		}
	}
	return false
}

// onnxFile picks the graph to load; a directory holds one export per dtype
func onnxFile(modelPath, dtype string) (string, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("model path: %w", err)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	name := "model.onnx"
	switch dtype {
	case "float16":
		name = "model_fp16.onnx"
	case "bfloat16":
		name = "model_bf16.onnx"
	}
	path := filepath.Join(modelPath, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no %s export in %s: %w", dtype, modelPath, err)
	}
	return path, nil
}

// Load builds the runner and tokenizer for one replica
func Load(ctx context.Context, spec Spec, log *zap.Logger) (*Backend, error) {
	if !ValidDtype(spec.Dtype) {
		return nil, fmt.Errorf("unsupported dtype %q", spec.Dtype)
	}

	switch spec.Kind {
	case KindONNX:
		return loadONNX(spec, log)
	case KindHTTP:
		return loadHTTP(ctx, spec, log)
	case KindMock:
		return loadMock(spec), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, spec.Kind)
}

func loadONNX(spec Spec, log *zap.Logger) (*Backend, error) {
	dir := spec.ModelPath
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	graph, err := onnxFile(spec.ModelPath, spec.Dtype)
	if err != nil {
		return nil, err
	}
	if spec.Revision != "" && spec.Revision != "main" {
		log.Warn("revision is ignored for local ONNX exports", zap.String("revision", spec.Revision))
	}

	cfg, err := loadModelConfig(dir)
	if err != nil {
		return nil, err
	}
	memLimit, err := ParseMemory(spec.MaxGPUMemory)
	if err != nil {
		return nil, err
	}

	tok, err := NewHFTokenizer(dir)
	if err != nil {
		return nil, err
	}

	device := -1
	if len(spec.DeviceIDs) > 0 {
		device = spec.DeviceIDs[0]
		if len(spec.DeviceIDs) > 1 {
			log.Warn("onnx runner uses a single device per replica",
				zap.Ints("devices", spec.DeviceIDs), zap.Int("using", device))
		}
	}

	run, err := NewONNXModelRunner(graph, ONNXOptions{
		LibraryPath: spec.ONNXLibrary,
		VocabSize:   cfg.VocabSize,
		DeviceID:    device,
		GPUMemLimit: memLimit,
	}, log)
	if err != nil {
		tok.Close()
		return nil, err
	}

	return &Backend{
		Runner:        run,
		Tokenizer:     tok,
		SpecialTokens: tok.SpecialTokens().All(),
		closers:       []func() error{tok.Close, run.Close},
	}, nil
}

func loadHTTP(ctx context.Context, spec Spec, log *zap.Logger) (*Backend, error) {
	if spec.ServerURL == "" {
		return nil, errors.New("http backend needs a server url")
	}
	run, err := NewHTTPModelRunner(ctx, spec.ServerURL, LoadRequest{
		ModelPath:    spec.ModelPath,
		Revision:     spec.Revision,
		Dtype:        spec.Dtype,
		DeviceIDs:    spec.DeviceIDs,
		MaxGPUMemory: spec.MaxGPUMemory,
	}, spec.HTTPClient, log)
	if err != nil {
		return nil, err
	}

	info := run.Info()
	return &Backend{
		Runner:        run,
		Tokenizer:     NewHTTPTokenizer(ctx, spec.ServerURL, info.EOSTokenID, spec.HTTPClient),
		SpecialTokens: info.SpecialTokens,
		closers:       []func() error{run.Close},
	}, nil
}

// loadMock wires the byte-level mock model, handy for dry runs of the pipeline
func loadMock(spec Spec) *Backend {
	const eos = 2
	tok := nanovllm.NewMockTokenizer(eos)
	reply, _ := tok.Encode(spec.MockReply)
	run := nanovllm.NewMockModelRunner(256+nanovllm.ByteOffset, eos, reply)
	return &Backend{
		Runner:        run,
		Tokenizer:     tok,
		SpecialTokens: []string{"</s>"},
		closers:       []func() error{run.Close},
	}
}
