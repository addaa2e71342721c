package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"nano-vllm-bench/nanovllm"
)

var ortMu sync.Mutex

// initONNX loads the onnxruntime shared library once per process
func initONNX(libraryPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

// ShutdownONNX releases the onnxruntime environment if it was initialized
func ShutdownONNX() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXOptions configures one ONNX Runtime session
type ONNXOptions struct {
	LibraryPath    string
	VocabSize      int
	DeviceID       int // -1 runs on CPU
	GPUMemLimit    uint64
	IntraOpThreads int
}

// ONNXModelRunner implements nanovllm.ModelRunner over an exported causal LM
// graph with an "input_ids" input and a "logits" output
type ONNXModelRunner struct {
	session   *ort.DynamicAdvancedSession
	options   *ort.SessionOptions
	vocabSize int
	log       *zap.Logger
}

// NewONNXModelRunner creates a session for modelPath, pinned to a CUDA device
// when opts.DeviceID >= 0
func NewONNXModelRunner(modelPath string, opts ONNXOptions, log *zap.Logger) (*ONNXModelRunner, error) {
	if opts.VocabSize <= 0 {
		return nil, fmt.Errorf("onnx runner needs a vocab size, got %d", opts.VocabSize)
	}
	if err := initONNX(opts.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	threads := opts.IntraOpThreads
	if threads <= 0 {
		threads = 4
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	if opts.DeviceID >= 0 {
		if err := appendCUDA(options, opts); err != nil {
			options.Destroy()
			return nil, err
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids"}, []string{"logits"}, options)
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	log.Info("onnx session ready",
		zap.String("model", modelPath),
		zap.Int("device", opts.DeviceID),
		zap.Int("vocab", opts.VocabSize))

	return &ONNXModelRunner{
		session:   session,
		options:   options,
		vocabSize: opts.VocabSize,
		log:       log,
	}, nil
}

func appendCUDA(options *ort.SessionOptions, opts ONNXOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("failed to create CUDA provider options: %w", err)
	}
	defer cuda.Destroy()

	settings := map[string]string{"device_id": strconv.Itoa(opts.DeviceID)}
	if opts.GPUMemLimit > 0 {
		settings["gpu_mem_limit"] = strconv.FormatUint(opts.GPUMemLimit, 10)
	}
	if err := cuda.Update(settings); err != nil {
		return fmt.Errorf("failed to configure CUDA device %d: %w", opts.DeviceID, err)
	}
	if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
		return fmt.Errorf("failed to enable CUDA provider: %w", err)
	}
	return nil
}

// Run implements nanovllm.ModelRunner. The graph carries no KV cache, so every
// step feeds the full sequence and keeps only the last position.
func (m *ONNXModelRunner) Run(ctx context.Context, seqs []*nanovllm.Sequence, isPrefill bool) ([][]float32, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no sequences to process")
	}

	out := make([][]float32, len(seqs))
	for i, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := m.forward(seq.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}
		out[i] = scores
	}
	return out, nil
}

func (m *ONNXModelRunner) forward(tokenIDs []int) ([]float32, error) {
	n := len(tokenIDs)
	inputData := make([]int64, n)
	for j, id := range tokenIDs {
		inputData[j] = int64(id)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(n)), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(n), int64(m.vocabSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	logits := output.GetData()
	last := logits[(n-1)*m.vocabSize : n*m.vocabSize]
	scores := make([]float32, m.vocabSize)
	copy(scores, last)
	return scores, nil
}

// Close implements nanovllm.ModelRunner
func (m *ONNXModelRunner) Close() error {
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.options != nil {
		if oerr := m.options.Destroy(); err == nil {
			err = oerr
		}
		m.options = nil
	}
	return err
}

// VocabSize returns the width of each score row
func (m *ONNXModelRunner) VocabSize() int {
	return m.vocabSize
}
