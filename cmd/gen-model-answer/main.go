package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nano-vllm-bench/config"
	"nano-vllm-bench/conversation"
	"nano-vllm-bench/eval"
	"nano-vllm-bench/logging"
	"nano-vllm-bench/metrics"
	"nano-vllm-bench/runner"
)

var rootCmd = &cobra.Command{
	Use:   "gen-model-answer",
	Short: "Generate benchmark answers with a local model",
	Long: `gen-model-answer answers every question of a benchmark question set
(data/<bench-name>/question.jsonl) with a local model and writes one JSON
record per question to the answer file, sorted by question id.

Example:
  gen-model-answer --model-path ./models/vicuna-7b-onnx --model-id vicuna-7b-v1.5`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	log := logging.New(logging.Options{Verbose: cfg.Verbose, File: cfg.LogFile})
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	templates := conversation.NewRegistry()
	if cfg.ConvTemplateFile != "" {
		names, err := templates.LoadFile(cfg.ConvTemplateFile)
		if err != nil {
			return err
		}
		log.Info("loaded conversation templates", zap.Strings("names", names))
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	answerFile := cfg.OutputFile()
	fmt.Printf("Output to %s\n", answerFile)

	defer func() {
		if err := runner.ShutdownONNX(); err != nil {
			log.Warn("failed to shut down onnxruntime", zap.Error(err))
		}
	}()

	load := func(ctx context.Context, deviceIDs []int) (*runner.Backend, error) {
		return runner.Load(ctx, runner.Spec{
			Kind:         cfg.Backend,
			ModelPath:    cfg.ModelPath,
			Revision:     cfg.Revision,
			Dtype:        cfg.Dtype,
			DeviceIDs:    deviceIDs,
			MaxGPUMemory: cfg.MaxGPUMemory,
			ServerURL:    cfg.ServerURL,
			ONNXLibrary:  cfg.ONNXLibrary,
		}, log.With(zap.Ints("devices", deviceIDs)))
	}

	return eval.RunEval(ctx, eval.Options{
		ModelID:         cfg.ModelID,
		QuestionFile:    cfg.QuestionFile(),
		QuestionBegin:   cfg.QuestionBegin,
		QuestionEnd:     cfg.QuestionEnd,
		AnswerFile:      answerFile,
		MaxNewToken:     cfg.MaxNewToken,
		NumChoices:      cfg.NumChoices,
		NumGPUsPerModel: cfg.NumGPUsPerModel,
		NumGPUsTotal:    cfg.NumGPUsTotal,
		MaxContext:      cfg.MaxContext,
		ConvTemplate:    cfg.ConvTemplate,
		Templates:       templates,
		ShowProgress:    !cfg.NoProgress,
		Logger:          log,
		Metrics:         m,
	}, load)
}
