// Package metrics exports session, reconnect and batch metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/session"
	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/transcript"
)

// Metrics owns a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	StrategyChanges  *prometheus.CounterVec
	AudioLevel       prometheus.Gauge
	Reconnects       *prometheus.CounterVec
	ReconnectDelay   prometheus.Histogram
	BatchRequests    *prometheus.CounterVec
	BatchDuration    prometheus.Histogram

	mu       sync.Mutex
	sessions map[string]tracked
}

type tracked struct {
	started  time.Time
	strategy session.Strategy
}

// New registers every collector, including Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Sessions that began acquiring capture resources.",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_finished_total",
			Help: "Sessions that reached a terminal state.",
		}, []string{"state", "strategy"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Sessions not yet terminal.",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "Wall time from session start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		StrategyChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_strategy_changes_total",
			Help: "Sessions entering a transcription strategy.",
		}, []string{"strategy"}),
		AudioLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_audio_level",
			Help: "Most recent analyser level on the 0-255 scale.",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_stream_reconnects_total",
			Help: "Scheduled streaming reconnects by error code.",
		}, []string{"code"}),
		ReconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_stream_reconnect_delay_seconds",
			Help:    "Backoff delay before each reconnect.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 10},
		}),
		BatchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_batch_requests_total",
			Help: "Batch transcriptions by result.",
		}, []string{"result"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_batch_duration_seconds",
			Help:    "Time spent in batch transcription.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		sessions: make(map[string]tracked),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Publish implements session.StatusSink.
func (m *Metrics) Publish(ev session.StatusEvent) {
	if ev.Phase != fsm.StateIdle {
		m.AudioLevel.Set(ev.CurrentLevel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, known := m.sessions[ev.SessionID]
	if !known {
		if ev.Phase.Terminal() || ev.Phase == fsm.StateIdle {
			return
		}
		t = tracked{started: ev.At}
		if t.started.IsZero() {
			t.started = time.Now()
		}
		m.SessionsStarted.Inc()
		m.ActiveSessions.Inc()
	}
	if ev.Strategy != "" && ev.Strategy != t.strategy {
		t.strategy = ev.Strategy
		m.StrategyChanges.WithLabelValues(string(ev.Strategy)).Inc()
	}

	if !ev.Phase.Terminal() {
		m.sessions[ev.SessionID] = t
		return
	}
	delete(m.sessions, ev.SessionID)
	m.ActiveSessions.Dec()
	m.SessionsFinished.WithLabelValues(string(ev.Phase), string(t.strategy)).Inc()
	end := ev.At
	if end.IsZero() {
		end = time.Now()
	}
	m.SessionDuration.Observe(end.Sub(t.started).Seconds())
}

// OnRetry matches reconnect.Config.OnRetry.
func (m *Metrics) OnRetry(_ int, delay time.Duration, err *streaming.Error) {
	code := "unknown"
	if err != nil && err.Code != "" {
		code = err.Code
	}
	m.Reconnects.WithLabelValues(code).Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

// Batch wraps a batch transcriber with request and latency metrics.
func (m *Metrics) Batch(next session.BatchTranscriber) session.BatchTranscriber {
	return instrumentedBatch{next: next, m: m}
}

type instrumentedBatch struct {
	next session.BatchTranscriber
	m    *Metrics
}

func (b instrumentedBatch) Transcribe(ctx context.Context, samples []float32) (transcript.Segment, error) {
	start := time.Now()
	seg, err := b.next.Transcribe(ctx, samples)
	b.m.BatchDuration.Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.m.BatchRequests.WithLabelValues(result).Inc()
	return seg, err
}

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if logger != nil {
		logger.Info("metrics listener started", "addr", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
