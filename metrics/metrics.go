package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics are the counters a generation run reports
type Metrics struct {
	Registry *prometheus.Registry

	AnswersWritten   *prometheus.CounterVec
	GenerationErrors *prometheus.CounterVec
	GeneratedTokens  *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
}

// New registers the run metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		AnswersWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gen_answer_records_total",
				Help: "Answer records appended to the answer file",
			},
			[]string{"model_id"},
		),
		GenerationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gen_answer_generation_errors_total",
				Help: "Turns whose generation failed and were recorded as ERROR",
			},
			[]string{"model_id"},
		),
		GeneratedTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gen_answer_generated_tokens_total",
				Help: "Completion tokens produced",
			},
			[]string{"model_id"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gen_answer_turn_duration_seconds",
				Help:    "Time to generate one turn of one choice",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model_id"},
		),
	}
	reg.MustRegister(m.AnswersWritten, m.GenerationErrors, m.GeneratedTokens, m.TurnDuration)
	return m
}

// Handler exposes the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
