package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-vllm-bench/eval"
	"nano-vllm-bench/runner"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t, "--model-path", "/models/vicuna", "--model-id", "vicuna-7b")
	require.NoError(t, err)

	assert.Equal(t, "mt_bench", cfg.BenchName)
	assert.Equal(t, 1024, cfg.MaxNewToken)
	assert.Equal(t, 1, cfg.NumChoices)
	assert.Equal(t, 1, cfg.NumGPUsPerModel)
	assert.Equal(t, 1, cfg.NumGPUsTotal)
	assert.Equal(t, "main", cfg.Revision)
	assert.Equal(t, runner.KindONNX, cfg.Backend)
	assert.Equal(t, eval.DefaultMaxContext, cfg.MaxContext)
	assert.Nil(t, cfg.QuestionBegin)
	assert.Nil(t, cfg.QuestionEnd)
	assert.Equal(t, filepath.Join("data", "mt_bench", "question.jsonl"), cfg.QuestionFile())
	assert.Equal(t, filepath.Join("data", "mt_bench", "model_answer", "vicuna-7b.jsonl"), cfg.OutputFile())
}

func TestQuestionRangeAndAnswerFile(t *testing.T) {
	cfg, err := load(t, "--model-path", "m", "--model-id", "m",
		"--question-begin", "0", "--question-end", "-1", "--answer-file", "out.jsonl")
	require.NoError(t, err)

	require.NotNil(t, cfg.QuestionBegin)
	require.NotNil(t, cfg.QuestionEnd)
	assert.Equal(t, 0, *cfg.QuestionBegin)
	assert.Equal(t, -1, *cfg.QuestionEnd)
	assert.Equal(t, "out.jsonl", cfg.OutputFile())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GEN_ANSWER_MODEL_PATH", "/env/model")
	t.Setenv("GEN_ANSWER_MODEL_ID", "env-model")
	t.Setenv("GEN_ANSWER_NUM_CHOICES", "3")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "/env/model", cfg.ModelPath)
	assert.Equal(t, "env-model", cfg.ModelID)
	assert.Equal(t, 3, cfg.NumChoices)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.yaml")
	data := "model-path: /cfg/model\nmodel-id: cfg-model\nbackend: http\nserver-url: http://localhost:8000\nmax-gpu-memory: 20GiB\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := load(t, "--config", path, "--model-id", "flag-wins")
	require.NoError(t, err)
	assert.Equal(t, "/cfg/model", cfg.ModelPath)
	assert.Equal(t, "flag-wins", cfg.ModelID)
	assert.Equal(t, runner.KindHTTP, cfg.Backend)
	assert.Equal(t, "20GiB", cfg.MaxGPUMemory)
}

func TestValidation(t *testing.T) {
	_, err := load(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model-path is required")
	assert.Contains(t, err.Error(), "model-id is required")

	_, err = load(t, "--model-path", "m", "--model-id", "m", "--num-gpus-total", "3", "--num-gpus-per-model", "2")
	assert.ErrorIs(t, err, eval.ErrGPUSplit)

	_, err = load(t, "--model-path", "m", "--model-id", "m", "--dtype", "int8")
	assert.Error(t, err)

	_, err = load(t, "--model-path", "m", "--model-id", "m", "--backend", "http")
	assert.ErrorContains(t, err, "server-url")

	_, err = load(t, "--model-path", "m", "--model-id", "m", "--backend", "tpu")
	assert.ErrorIs(t, err, runner.ErrUnknownBackend)
}
