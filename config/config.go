package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"nano-vllm-bench/eval"
	"nano-vllm-bench/question"
	"nano-vllm-bench/runner"
)

// EnvPrefix namespaces environment overrides, e.g. GEN_ANSWER_MODEL_PATH
const EnvPrefix = "GEN_ANSWER"

// Config is the resolved command line of gen-model-answer
type Config struct {
	ModelPath       string `mapstructure:"model-path"`
	ModelID         string `mapstructure:"model-id"`
	BenchName       string `mapstructure:"bench-name"`
	QuestionBegin   *int   `mapstructure:"-"`
	QuestionEnd     *int   `mapstructure:"-"`
	AnswerFile      string `mapstructure:"answer-file"`
	MaxNewToken     int    `mapstructure:"max-new-token"`
	NumChoices      int    `mapstructure:"num-choices"`
	NumGPUsPerModel int    `mapstructure:"num-gpus-per-model"`
	NumGPUsTotal    int    `mapstructure:"num-gpus-total"`
	MaxGPUMemory    string `mapstructure:"max-gpu-memory"`
	Dtype           string `mapstructure:"dtype"`
	Revision        string `mapstructure:"revision"`

	DataDir          string `mapstructure:"data-dir"`
	Backend          string `mapstructure:"backend"`
	ServerURL        string `mapstructure:"server-url"`
	ONNXLibrary      string `mapstructure:"onnx-lib"`
	MaxContext       int    `mapstructure:"max-context"`
	ConvTemplate     string `mapstructure:"conv-template"`
	ConvTemplateFile string `mapstructure:"conv-template-file"`
	LogFile          string `mapstructure:"log-file"`
	Verbose          bool   `mapstructure:"verbose"`
	MetricsAddr      string `mapstructure:"metrics-addr"`
	NoProgress       bool   `mapstructure:"no-progress"`
}

// RegisterFlags defines every option on fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("model-path", "", "The path to the weights: a local ONNX export or a name the inference server understands")
	fs.String("model-id", "", "A custom name for the model")
	fs.String("bench-name", "mt_bench", "The name of the benchmark question set")
	fs.Int("question-begin", 0, "A debug option. The begin index of questions")
	fs.Int("question-end", 0, "A debug option. The end index of questions")
	fs.String("answer-file", "", "The output answer file")
	fs.Int("max-new-token", 1024, "The maximum number of new generated tokens")
	fs.Int("num-choices", 1, "How many completion choices to generate")
	fs.Int("num-gpus-per-model", 1, "The number of GPUs per model")
	fs.Int("num-gpus-total", 1, "The total number of GPUs")
	fs.String("max-gpu-memory", "", "Maximum GPU memory used for model weights per GPU, e.g. 13GiB")
	fs.String("dtype", "", "Override the default dtype: float32, float16 or bfloat16")
	fs.String("revision", "main", "The model revision to load")

	fs.String("data-dir", "data", "Directory holding <bench-name>/question.jsonl")
	fs.String("backend", runner.KindONNX, "Model backend: onnx, http or mock")
	fs.String("server-url", "", "Inference server base URL for the http backend")
	fs.String("onnx-lib", "", "Path to the onnxruntime shared library")
	fs.Int("max-context", eval.DefaultMaxContext, "Maximum prompt plus completion tokens")
	fs.String("conv-template", "", "Conversation template name, overrides matching on --model-id")
	fs.String("conv-template-file", "", "YAML file with extra conversation templates")
	fs.String("config", "", "YAML config file")
	fs.String("log-file", "", "Also write JSON logs to this file, rotated")
	fs.BoolP("verbose", "v", false, "Log prompts and generated tokens")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	fs.Bool("no-progress", false, "Disable progress bars")
}

// Load resolves flags, environment and the optional config file, in that
// order of precedence
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if v.IsSet("question-begin") {
		n := v.GetInt("question-begin")
		cfg.QuestionBegin = &n
	}
	if v.IsSet("question-end") {
		n := v.GetInt("question-end")
		cfg.QuestionEnd = &n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option values that do not need the filesystem
func (c *Config) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model-path is required"))
	}
	if c.ModelID == "" {
		errs = append(errs, errors.New("model-id is required"))
	}
	if c.MaxNewToken < 1 {
		errs = append(errs, fmt.Errorf("max-new-token must be positive, got %d", c.MaxNewToken))
	}
	if c.NumChoices < 1 {
		errs = append(errs, fmt.Errorf("num-choices must be positive, got %d", c.NumChoices))
	}
	if c.MaxContext < 1 {
		errs = append(errs, fmt.Errorf("max-context must be positive, got %d", c.MaxContext))
	}
	if _, err := eval.Replicas(c.NumGPUsTotal, c.NumGPUsPerModel); err != nil {
		errs = append(errs, err)
	}
	if !runner.ValidDtype(c.Dtype) {
		errs = append(errs, fmt.Errorf("dtype must be one of %v, got %q", runner.Dtypes, c.Dtype))
	}
	if _, err := runner.ParseMemory(c.MaxGPUMemory); err != nil {
		errs = append(errs, err)
	}
	switch c.Backend {
	case runner.KindONNX, runner.KindMock:
	case runner.KindHTTP:
		if c.ServerURL == "" {
			errs = append(errs, errors.New("server-url is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", runner.ErrUnknownBackend, c.Backend))
	}
	return errors.Join(errs...)
}

// QuestionFile is the question set selected by data-dir and bench-name
func (c *Config) QuestionFile() string {
	return question.QuestionFile(c.DataDir, c.BenchName)
}

// OutputFile is answer-file, or the benchmark's model_answer/<model-id>.jsonl
func (c *Config) OutputFile() string {
	if c.AnswerFile != "" {
		return c.AnswerFile
	}
	return question.DefaultAnswerFile(c.DataDir, c.BenchName, c.ModelID)
}
