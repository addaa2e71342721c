package eval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"nano-vllm-bench/answer"
	"nano-vllm-bench/conversation"
	"nano-vllm-bench/metrics"
	"nano-vllm-bench/nanovllm"
	"nano-vllm-bench/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const modelID = "test-model"

// faultyRunner fails or panics when the prompt mentions it
type faultyRunner struct {
	nanovllm.ModelRunner
	tok nanovllm.Tokenizer
}

func (r faultyRunner) Run(ctx context.Context, seqs []*nanovllm.Sequence, isPrefill bool) ([][]float32, error) {
	for _, seq := range seqs {
		text, _ := r.tok.Decode(seq.PromptTokenIDs())
		if strings.Contains(text, "boom") {
			return nil, errors.New("CUDA error: device-side assert triggered")
		}
		if strings.Contains(text, "panic") {
			panic("index out of range")
		}
	}
	return r.ModelRunner.Run(ctx, seqs, isPrefill)
}

func mockLoader(reply string) Loader {
	return func(ctx context.Context, deviceIDs []int) (*runner.Backend, error) {
		b, err := runner.Load(ctx, runner.Spec{Kind: runner.KindMock, MockReply: reply, DeviceIDs: deviceIDs}, zap.NewNop())
		if err != nil {
			return nil, err
		}
		b.Runner = faultyRunner{ModelRunner: b.Runner, tok: b.Tokenizer}
		return b, nil
	}
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func readAnswers(t *testing.T, path string) []answer.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []answer.Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var r answer.Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		out = append(out, r)
	}
	return out
}

func newOptions(t *testing.T, dir string) Options {
	return Options{
		ModelID:      modelID,
		QuestionFile: filepath.Join(dir, "question.jsonl"),
		AnswerFile:   filepath.Join(dir, "model_answer", modelID+".jsonl"),
		ConvTemplate: "zero_shot",
		Logger:       zaptest.NewLogger(t),
		Metrics:      metrics.New(),
	}
}

func TestRunEvalWritesSortedDedupedAnswers(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)
	opts.NumChoices = 2

	writeLines(t, opts.QuestionFile,
		`{"question_id": 3, "category": "math", "turns": ["a", "b"]}`,
		`{"question_id": 1, "category": "coding", "turns": ["c"]}`,
		`{"question_id": 2, "category": "reasoning", "turns": ["d"]}`,
	)
	writeLines(t, opts.AnswerFile,
		`{"question_id": 1, "answer_id": "stale", "model_id": "test-model", "choices": [], "tstamp": 1}`,
	)

	require.NoError(t, RunEval(context.Background(), opts, mockLoader("hello")))

	recs := readAnswers(t, opts.AnswerFile)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), mustInt(t, r), "records sorted by question id")
		assert.NotEqual(t, "stale", r.AnswerID)
		assert.Equal(t, modelID, r.ModelID)
		require.Len(t, r.Choices, 2)
		for c, choice := range r.Choices {
			assert.Equal(t, c, choice.Index)
			for _, turn := range choice.Turns {
				assert.Equal(t, "hello", turn)
			}
		}
	}
	assert.Len(t, recs[2].Choices[0].Turns, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(opts.Metrics.AnswersWritten.WithLabelValues(modelID)))
}

func mustInt(t *testing.T, r answer.Record) int64 {
	t.Helper()
	data, err := json.Marshal(r.QuestionID)
	require.NoError(t, err)
	var n int64
	require.NoError(t, json.Unmarshal(data, &n))
	return n
}

func TestRunEvalShardsAcrossReplicas(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)
	opts.NumGPUsPerModel = 2
	opts.NumGPUsTotal = 4

	var lines []string
	for i := range 5 {
		q, _ := json.Marshal(map[string]any{"question_id": i, "category": "math", "turns": []string{"q"}})
		lines = append(lines, string(q))
	}
	writeLines(t, opts.QuestionFile, lines...)

	var mu sync.Mutex
	var loads [][]int
	load := mockLoader("ok")
	counting := func(ctx context.Context, deviceIDs []int) (*runner.Backend, error) {
		mu.Lock()
		loads = append(loads, deviceIDs)
		mu.Unlock()
		return load(ctx, deviceIDs)
	}

	require.NoError(t, RunEval(context.Background(), opts, counting))

	assert.Len(t, loads, 3)
	for _, d := range loads {
		assert.Contains(t, [][]int{{0, 1}, {2, 3}}, d)
	}
	assert.Len(t, readAnswers(t, opts.AnswerFile), 5)
}

func TestRunEvalRejectsUnevenGPUSplit(t *testing.T) {
	opts := newOptions(t, t.TempDir())
	opts.NumGPUsPerModel = 2
	opts.NumGPUsTotal = 3

	err := RunEval(context.Background(), opts, mockLoader("x"))
	assert.ErrorIs(t, err, ErrGPUSplit)
}

func TestRunEvalRecordsFailedGenerationAsError(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)

	writeLines(t, opts.QuestionFile,
		`{"question_id": 1, "category": "math", "turns": ["boom", "again"]}`,
		`{"question_id": 2, "category": "math", "turns": ["panic"]}`,
		`{"question_id": 3, "category": "math", "turns": ["fine"]}`,
	)

	require.NoError(t, RunEval(context.Background(), opts, mockLoader("hello")))

	recs := readAnswers(t, opts.AnswerFile)
	require.Len(t, recs, 3)
	// the failed reply stays in the history, so the follow-up fails too
	assert.Equal(t, []string{ErrorAnswer, ErrorAnswer}, recs[0].Choices[0].Turns)
	assert.Equal(t, []string{ErrorAnswer}, recs[1].Choices[0].Turns)
	assert.Equal(t, []string{"hello"}, recs[2].Choices[0].Turns)
	assert.Equal(t, 3.0, testutil.ToFloat64(opts.Metrics.GenerationErrors.WithLabelValues(modelID)))
}

func TestRunEvalClampsToMaxContext(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)

	conv, err := conversation.NewRegistry().Get("zero_shot")
	require.NoError(t, err)
	conv.AppendMessage(conv.UserRole(), "q")
	conv.AppendMessage(conv.AssistantRole(), "")
	prompt, err := conv.Prompt()
	require.NoError(t, err)

	// room for three tokens of the reply
	opts.MaxContext = len(prompt) + 3
	writeLines(t, opts.QuestionFile,
		`{"question_id": 1, "category": "math", "turns": ["q"]}`,
		`{"question_id": 2, "category": "math", "turns": ["a much longer question"]}`,
	)

	require.NoError(t, RunEval(context.Background(), opts, mockLoader("hello")))

	recs := readAnswers(t, opts.AnswerFile)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"hel"}, recs[0].Choices[0].Turns)
	assert.Equal(t, []string{ErrorAnswer}, recs[1].Choices[0].Turns)
}

func TestRunEvalPropagatesLoadFailure(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)
	writeLines(t, opts.QuestionFile, `{"question_id": 1, "category": "math", "turns": ["q"]}`)

	boom := errors.New("out of memory")
	err := RunEval(context.Background(), opts, func(context.Context, []int) (*runner.Backend, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(opts.AnswerFile)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRunEvalStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)
	writeLines(t, opts.QuestionFile, `{"question_id": 1, "category": "math", "turns": ["q"]}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunEval(ctx, opts, mockLoader("hello"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunEvalUnknownTemplate(t *testing.T) {
	dir := t.TempDir()
	opts := newOptions(t, dir)
	opts.ConvTemplate = "missing"
	writeLines(t, opts.QuestionFile, `{"question_id": 1, "category": "math", "turns": ["q"]}`)

	assert.Error(t, RunEval(context.Background(), opts, mockLoader("hello")))
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 5}}, Chunk(5, 2))
	assert.Equal(t, [][2]int{{0, 1}}, Chunk(1, 4))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}}, Chunk(4, 4))
	assert.Equal(t, [][2]int{{0, 6}}, Chunk(6, 1))
	assert.Empty(t, Chunk(0, 2))
}

func TestReplicas(t *testing.T) {
	n, err := Replicas(8, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = Replicas(3, 2)
	assert.ErrorIs(t, err, ErrGPUSplit)
	_, err = Replicas(2, 0)
	assert.ErrorIs(t, err, ErrGPUSplit)
}
