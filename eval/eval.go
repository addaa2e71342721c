// Package eval generates benchmark answers with a local model.
//
// RunEval splits the question set into one contiguous chunk per model
// replica. Each chunk loads its own backend, walks its questions turn by turn
// and appends one record per question to the shared answer file. The file is
// sorted and deduplicated once every chunk is done.
package eval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nano-vllm-bench/answer"
	"nano-vllm-bench/conversation"
	"nano-vllm-bench/metrics"
	"nano-vllm-bench/nanovllm"
	"nano-vllm-bench/question"
	"nano-vllm-bench/runner"
)

// ErrorAnswer replaces a turn whose generation failed
const ErrorAnswer = "ERROR"

// DefaultMaxContext caps prompt plus completion tokens
const DefaultMaxContext = 2048

// ErrGPUSplit is returned when the GPUs cannot be divided into replicas
var ErrGPUSplit = errors.New("num gpus total must be a multiple of num gpus per model")

// Loader builds the backend of one replica on the given devices
type Loader func(ctx context.Context, deviceIDs []int) (*runner.Backend, error)

// Options configure a generation run
type Options struct {
	ModelID       string
	QuestionFile  string
	QuestionBegin *int
	QuestionEnd   *int
	AnswerFile    string

	MaxNewToken     int
	NumChoices      int
	NumGPUsPerModel int
	NumGPUsTotal    int
	MaxContext      int

	// StopSuffix forces EOS once generated; nil means nanovllm.DefaultStopSuffix
	StopSuffix []int
	// ConvTemplate overrides template matching on ModelID
	ConvTemplate string
	Templates    *conversation.Registry

	ShowProgress bool
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxNewToken <= 0 {
		o.MaxNewToken = 1024
	}
	if o.NumChoices <= 0 {
		o.NumChoices = 1
	}
	if o.NumGPUsPerModel <= 0 {
		o.NumGPUsPerModel = 1
	}
	if o.NumGPUsTotal <= 0 {
		o.NumGPUsTotal = 1
	}
	if o.MaxContext <= 0 {
		o.MaxContext = DefaultMaxContext
	}
	if o.Templates == nil {
		o.Templates = conversation.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
}

// Replicas returns how many model instances the GPUs hold
func Replicas(gpusTotal, gpusPerModel int) (int, error) {
	if gpusPerModel <= 0 || gpusTotal <= 0 || gpusTotal%gpusPerModel != 0 {
		return 0, fmt.Errorf("%w: total %d, per model %d", ErrGPUSplit, gpusTotal, gpusPerModel)
	}
	return gpusTotal / gpusPerModel, nil
}

// Chunk splits n items into contiguous [start, end) ranges of n/replicas
// items, at least one each. The last range holds any remainder, so there can
// be more ranges than replicas.
func Chunk(n, replicas int) [][2]int {
	size := max(n/replicas, 1)
	var out [][2]int
	for i := 0; i < n; i += size {
		out = append(out, [2]int{i, min(i+size, n)})
	}
	return out
}

// RunEval answers every question of opts.QuestionFile and leaves
// opts.AnswerFile holding one record per question, sorted by id
func RunEval(ctx context.Context, opts Options, load Loader) error {
	opts.setDefaults()
	log := opts.Logger

	replicas, err := Replicas(opts.NumGPUsTotal, opts.NumGPUsPerModel)
	if err != nil {
		return err
	}
	questions, err := question.Load(opts.QuestionFile, opts.QuestionBegin, opts.QuestionEnd)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	if len(questions) == 0 {
		log.Warn("no questions selected", zap.String("file", opts.QuestionFile))
		return nil
	}

	w := answer.NewWriter(opts.AnswerFile)
	chunks := Chunk(len(questions), replicas)
	log.Info("starting generation",
		zap.String("model_id", opts.ModelID),
		zap.Int("questions", len(questions)),
		zap.Int("replicas", replicas),
		zap.Int("chunks", len(chunks)))

	if replicas == 1 {
		devices := deviceRange(0, opts.NumGPUsPerModel)
		for _, c := range chunks {
			if err := getModelAnswers(ctx, opts, load, devices, questions[c[0]:c[1]], w); err != nil {
				return err
			}
		}
	} else {
		// each replica slot owns a fixed device range; a chunk holds a slot while it runs
		slots := make(chan int, replicas)
		for i := range replicas {
			slots <- i
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(replicas)
		for _, c := range chunks {
			shard := questions[c[0]:c[1]]
			g.Go(func() error {
				slot := <-slots
				defer func() { slots <- slot }()
				devices := deviceRange(slot*opts.NumGPUsPerModel, opts.NumGPUsPerModel)
				return getModelAnswers(gctx, opts, load, devices, shard, w)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := answer.Reorg(opts.AnswerFile); err != nil {
		return fmt.Errorf("reorg answer file: %w", err)
	}
	return nil
}

func deviceRange(first, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = first + i
	}
	return ids
}

// getModelAnswers runs one shard on its own backend
func getModelAnswers(ctx context.Context, opts Options, load Loader, devices []int, questions []question.Question, w *answer.Writer) error {
	log := opts.Logger.With(zap.Ints("devices", devices))

	backend, err := load(ctx, devices)
	if err != nil {
		return fmt.Errorf("load model on devices %v: %w", devices, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("failed to close backend", zap.Error(err))
		}
	}()

	config, err := nanovllm.NewConfig(
		nanovllm.WithMaxModelLen(opts.MaxContext),
		nanovllm.WithMaxNumBatchedTokens(max(opts.MaxContext, 16384)),
	)
	if err != nil {
		return err
	}
	llm := nanovllm.NewLLM(config, backend.Runner, backend.Tokenizer)

	var template *conversation.Conversation
	if opts.ConvTemplate != "" {
		template, err = opts.Templates.Get(opts.ConvTemplate)
	} else {
		template, err = opts.Templates.ForModel(opts.ModelID)
	}
	if err != nil {
		return err
	}
	log.Info("replica ready", zap.String("template", template.Name), zap.Int("questions", len(questions)))

	g := &generator{
		opts:    opts,
		llm:     llm,
		special: backend.SpecialTokens,
		log:     log,
	}

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.NewOptions(len(questions),
			progressbar.OptionSetDescription(fmt.Sprintf("devices %v", devices)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	for _, q := range questions {
		temperature := question.Temperature(q.Category)

		choices := make([]answer.Choice, 0, opts.NumChoices)
		for i := range opts.NumChoices {
			conv := template.Copy()
			// one stream per choice, continued across its turns
			rng := rand.New(rand.NewSource(int64(i)))
			turns := make([]string, 0, len(q.Turns))
			for _, turn := range q.Turns {
				conv.AppendMessage(conv.UserRole(), turn)
				conv.AppendMessage(conv.AssistantRole(), "")

				output, err := g.generate(ctx, conv, temperature, rng)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Error("generation failed", zap.Stringer("question_id", q.ID), zap.Int("choice", i), zap.Error(err))
					opts.Metrics.GenerationErrors.WithLabelValues(opts.ModelID).Inc()
					output = ErrorAnswer
				}

				conv.UpdateLastMessage(output)
				turns = append(turns, output)
			}
			choices = append(choices, answer.Choice{Index: i, Turns: turns})
		}

		if err := w.Append(answer.NewRecord(q.ID, opts.ModelID, choices)); err != nil {
			return fmt.Errorf("write answer %s: %w", q.ID, err)
		}
		opts.Metrics.AnswersWritten.WithLabelValues(opts.ModelID).Inc()
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

type generator struct {
	opts    Options
	llm     *nanovllm.LLM
	special []string
	log     *zap.Logger
}

// generate produces the assistant reply for the last user turn of conv.
// Panics from the engine or backend come back as errors.
func (g *generator) generate(ctx context.Context, conv *conversation.Conversation, temperature float64, rng *rand.Rand) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panic: %v", r)
		}
	}()

	prompt, err := conv.Prompt()
	if err != nil {
		return "", err
	}
	tok := g.llm.Tokenizer()
	inputIDs, err := tok.Encode(prompt)
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	numInput := len(inputIDs)
	g.log.Debug("prompt", zap.String("text", prompt), zap.Ints("input_ids", inputIDs))
	g.log.Debug("input tokens", zap.Int("count", numInput))

	maxNew := g.opts.MaxNewToken
	if numInput+maxNew > g.opts.MaxContext {
		maxNew = g.opts.MaxContext - numInput
		g.log.Info("max new tokens reduced to fit the context",
			zap.Int("max_new_token", maxNew),
			zap.Int("max_context", g.opts.MaxContext),
			zap.Int("input_tokens", numInput))
	}
	if maxNew < 1 {
		return "", fmt.Errorf("prompt of %d tokens leaves no room in a context of %d", numInput, g.opts.MaxContext)
	}

	sp := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(temperature),
		nanovllm.WithMaxTokens(maxNew),
		nanovllm.WithRand(rng),
		nanovllm.WithStopTokenIDs(conv.StopTokenIDs...),
		nanovllm.WithLogitsProcessors(nanovllm.NewStopAfterSuffix(numInput, tok.EOSTokenID(), g.opts.StopSuffix)),
	)

	start := time.Now()
	outs, err := g.llm.Generate(ctx, [][]int{inputIDs}, []*nanovllm.SamplingParams{sp}, false)
	if err != nil {
		return "", err
	}
	g.opts.Metrics.TurnDuration.WithLabelValues(g.opts.ModelID).Observe(time.Since(start).Seconds())

	outputIDs := outs[0].TokenIDs
	g.opts.Metrics.GeneratedTokens.WithLabelValues(g.opts.ModelID).Add(float64(len(outputIDs)))
	g.log.Debug("generated tokens", zap.Int("count", len(outputIDs)), zap.Ints("ids", outputIDs))

	output, err = PostProcess(outputIDs, conv, tok, g.special)
	if err != nil {
		return "", fmt.Errorf("decode output: %w", err)
	}
	g.log.Debug("generated text", zap.String("text", output))
	return output, nil
}
